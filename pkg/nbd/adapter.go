package nbd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/bdev-csi/pkg/engine"
	"git.srvlab.io/whiskey/bdev-csi/pkg/jsonrpc"
	"git.srvlab.io/whiskey/bdev-csi/pkg/mount"
)

const (
	// DefaultDeviceTimeout bounds the wait for an attached device to report its size
	DefaultDeviceTimeout = 10 * time.Second

	// detachTimeout bounds the cleanup detach after a failed stage
	detachTimeout = 5 * time.Second

	devDir = "/dev"
)

var (
	// ErrNoFreeDevice is returned when every NBD device on the node is taken
	ErrNoFreeDevice = errors.New("no free nbd device")

	// ErrDeviceNotFound is returned when an attached device never becomes usable
	ErrDeviceNotFound = errors.New("nbd device did not appear")
)

// Engine is the subset of the engine client the adapter needs
type Engine interface {
	GetNbdDisks(ctx context.Context) ([]engine.NbdDisk, error)
	StartNbdDisk(ctx context.Context, bdev, device string) (string, error)
	StopNbdDisk(ctx context.Context, device string) error
}

// DeviceInstance is a bdev exported through a local NBD device
type DeviceInstance struct {
	BdevName string
	Device   string
}

// StageRequest describes one volume to stage
type StageRequest struct {
	VolumeID    string
	StagingPath string
	Filesystem  mount.Filesystem
	MountFlags  []string
}

// Adapter maps volumes to NBD devices and stages them
type Adapter struct {
	engine        Engine
	sysfs         *SysfsScanner
	mounter       mount.Mounter
	deviceTimeout time.Duration
}

// NewAdapter creates an Adapter. A nil sysfs scanner uses /sys.
func NewAdapter(eng Engine, sysfs *SysfsScanner, mounter mount.Mounter) *Adapter {
	if sysfs == nil {
		sysfs = NewSysfsScanner()
	}
	return &Adapter{
		engine:        eng,
		sysfs:         sysfs,
		mounter:       mounter,
		deviceTimeout: DefaultDeviceTimeout,
	}
}

// NumDevices returns the number of NBD device slots on the node
func (a *Adapter) NumDevices() int {
	names, err := a.sysfs.ListDevices()
	if err != nil {
		klog.Errorf("Failed to enumerate nbd devices: %v", err)
		return 0
	}
	return len(names)
}

// GetDeviceInstance returns the device currently exporting volumeID, or nil
// when the engine exports it nowhere
func (a *Adapter) GetDeviceInstance(ctx context.Context, volumeID string) (*DeviceInstance, error) {
	disks, err := a.engine.GetNbdDisks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list nbd disks: %w", err)
	}

	for _, d := range disks {
		if d.BdevName == volumeID {
			klog.V(4).Infof("Volume %s is exported through %s", volumeID, d.NbdDevice)
			return &DeviceInstance{BdevName: d.BdevName, Device: d.NbdDevice}, nil
		}
	}
	return nil, nil
}

// StageVolume attaches the volume to an NBD device and mounts it at the
// staging path. Calling it again for a staged volume is a no-op.
func (a *Adapter) StageVolume(ctx context.Context, req StageRequest) error {
	device, started, err := a.attach(ctx, req.VolumeID)
	if err != nil {
		return err
	}

	// Detach again if we attached the device and could not stage it
	cleanup := func() {
		if !started {
			return
		}
		// The request context may be what failed the stage
		detachCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachTimeout)
		defer cancel()
		if err := a.engine.StopNbdDisk(detachCtx, device); err != nil {
			klog.Warningf("Failed to detach %s after staging error: %v", device, err)
		}
	}

	if err := a.waitForDevice(ctx, device); err != nil {
		cleanup()
		return err
	}

	opts := make([]string, 0, len(req.MountFlags)+len(req.Filesystem.Defaults))
	opts = append(opts, req.MountFlags...)
	opts = append(opts, req.Filesystem.Defaults...)

	existing, err := a.mounter.Find(ctx, "", req.StagingPath, true)
	if err != nil {
		cleanup()
		return err
	}
	if existing != nil {
		readonly := sets.New(opts...).Has("ro")
		if existing.Source == device && mount.CompareOptions(opts, existing.Options, readonly) {
			klog.V(2).Infof("Volume %s already staged at %s", req.VolumeID, req.StagingPath)
			return nil
		}
		cleanup()
		return fmt.Errorf("%w: %s is mounted from %s with %v", mount.ErrIncompatibleMount,
			req.StagingPath, existing.Source, existing.Options)
	}

	if err := a.mounter.FormatAndMount(device, req.StagingPath, req.Filesystem.Name, opts); err != nil {
		cleanup()
		return err
	}

	klog.V(2).Infof("Staged volume %s from %s at %s", req.VolumeID, device, req.StagingPath)
	return nil
}

// attach returns the device exporting volumeID, starting an export on a free
// device if there is none. started reports whether this call created it.
func (a *Adapter) attach(ctx context.Context, volumeID string) (string, bool, error) {
	disks, err := a.engine.GetNbdDisks(ctx)
	if err != nil {
		return "", false, fmt.Errorf("failed to list nbd disks: %w", err)
	}

	claimed := make(map[string]bool, len(disks))
	for _, d := range disks {
		if d.BdevName == volumeID {
			klog.V(4).Infof("Reusing %s for volume %s", d.NbdDevice, volumeID)
			return d.NbdDevice, false, nil
		}
		claimed[d.NbdDevice] = true
	}

	names, err := a.sysfs.ListDevices()
	if err != nil {
		return "", false, err
	}

	for _, name := range names {
		candidate := filepath.Join(devDir, name)
		if claimed[candidate] || a.sysfs.InUse(name) {
			continue
		}

		klog.V(4).Infof("Attaching volume %s to %s", volumeID, candidate)
		device, err := a.engine.StartNbdDisk(ctx, volumeID, candidate)
		if err != nil {
			if jsonrpc.IsAlreadyExists(err) {
				// lost a race for this slot
				klog.V(4).Infof("Device %s was taken concurrently, trying next", candidate)
				continue
			}
			return "", false, fmt.Errorf("failed to attach volume %s to %s: %w", volumeID, candidate, err)
		}
		return device, true, nil
	}

	return "", false, fmt.Errorf("%w for volume %s (%d devices)", ErrNoFreeDevice, volumeID, len(names))
}

// waitForDevice polls sysfs until the device reports a non-zero size
func (a *Adapter) waitForDevice(ctx context.Context, device string) error {
	name := filepath.Base(device)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = a.deviceTimeout

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		sectors, err := a.sysfs.Sectors(name)
		if err != nil {
			klog.V(5).Infof("Device %s not ready (attempt %d): %v", device, attempt, err)
			return err
		}
		if sectors == 0 {
			return fmt.Errorf("%s reports zero size", device)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("%w: %s after %d attempts: %v", ErrDeviceNotFound, device, attempt, err)
	}

	klog.V(4).Infof("Device %s ready after %d attempts", device, attempt)
	return nil
}
