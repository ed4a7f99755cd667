package mount

import (
	"context"
	"errors"
	"fmt"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
	mountutils "k8s.io/mount-utils"
	utilexec "k8s.io/utils/exec"

	"git.srvlab.io/whiskey/bdev-csi/pkg/observability"
)

// ErrIncompatibleMount is returned when a path is already mounted in a way
// that cannot be reconciled with the requested mount
var ErrIncompatibleMount = errors.New("already mounted with incompatible options")

// Filesystem describes a filesystem the node can stage volumes with
type Filesystem struct {
	// Name is the filesystem type passed to mkfs and mount
	Name string

	// Defaults are mount options always added when this filesystem is used
	Defaults []string
}

// KnownFilesystems holds the built-in defaults for supported filesystem types
var KnownFilesystems = map[string]Filesystem{
	"ext4": {Name: "ext4", Defaults: []string{"defaults"}},
	"ext3": {Name: "ext3", Defaults: []string{"defaults"}},
	"xfs":  {Name: "xfs", Defaults: []string{"defaults", "nouuid"}},
}

// Mounter handles mount table queries and mount operations
type Mounter interface {
	// Find returns the last mount matching source and target, or nil.
	// See findMount for the matching rules.
	Find(ctx context.Context, source, target string, exact bool) (*MountInfo, error)

	// Mount mounts source on target. With bind set, source is a directory
	// and target becomes a bind mount of it.
	Mount(source, target string, bind bool, fsType string, options []string) error

	// FormatAndMount creates a filesystem on device if it has none and mounts it
	FormatAndMount(device, target, fsType string, options []string) error

	// Unmount unmounts target. A lazy unmount detaches immediately and lets
	// the kernel finish once the mount is no longer busy.
	Unmount(target string, lazy bool) error
}

type mounter struct {
	safe       *mountutils.SafeFormatAndMount
	listMounts func(ctx context.Context) ([]*mountinfo.Info, error)
	detach     func(target string) error
	metrics    *observability.Metrics
}

// NewMounter creates a Mounter backed by the host's mount binaries and
// /proc/self/mountinfo. metrics may be nil.
func NewMounter(metrics *observability.Metrics) Mounter {
	return &mounter{
		safe: &mountutils.SafeFormatAndMount{
			Interface: mountutils.New(""),
			Exec:      utilexec.New(),
		},
		listMounts: GetMountsWithTimeout,
		detach: func(target string) error {
			return unix.Unmount(target, unix.MNT_DETACH)
		},
		metrics: metrics,
	}
}

func (m *mounter) Find(ctx context.Context, source, target string, exact bool) (*MountInfo, error) {
	mounts, err := m.listMounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}

	info := findMount(mounts, source, target, exact)
	if info != nil {
		klog.V(4).Infof("Found mount %s on %s", info.Source, info.Target)
	}
	return info, nil
}

func (m *mounter) Mount(source, target string, bind bool, fsType string, options []string) error {
	opts := options
	if bind {
		opts = append([]string{"bind"}, options...)
	}

	klog.V(4).Infof("Mounting %s to %s (fsType: %s, options: %v)", source, target, fsType, opts)
	err := m.safe.Mount(source, target, fsType, opts)
	m.record("mount", err)
	if err != nil {
		return fmt.Errorf("failed to mount %s on %s: %w", source, target, err)
	}

	klog.V(2).Infof("Mounted %s to %s", source, target)
	return nil
}

func (m *mounter) FormatAndMount(device, target, fsType string, options []string) error {
	klog.V(4).Infof("Formatting (if needed) and mounting %s to %s (fsType: %s, options: %v)",
		device, target, fsType, options)
	err := m.safe.FormatAndMount(device, target, fsType, options)
	m.record("mount", err)
	if err != nil {
		return fmt.Errorf("failed to format and mount %s on %s: %w", device, target, err)
	}

	klog.V(2).Infof("Mounted %s to %s", device, target)
	return nil
}

func (m *mounter) Unmount(target string, lazy bool) error {
	var err error
	if lazy {
		err = m.detach(target)
	} else {
		err = m.safe.Unmount(target)
	}
	m.record("unmount", err)
	if err != nil {
		return fmt.Errorf("failed to unmount %s: %w", target, err)
	}

	klog.V(2).Infof("Unmounted %s (lazy=%t)", target, lazy)
	return nil
}

func (m *mounter) record(op string, err error) {
	if m.metrics != nil {
		m.metrics.RecordMountOp(op, err)
	}
}
