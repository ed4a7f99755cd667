package driver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/bdev-csi/pkg/engine"
	"git.srvlab.io/whiskey/bdev-csi/pkg/mount"
	"git.srvlab.io/whiskey/bdev-csi/pkg/nbd"
	"git.srvlab.io/whiskey/bdev-csi/pkg/observability"
)

const (
	// DriverName is the official name of this CSI driver
	DriverName = "bdev.csi.srvlab.io"

	// DriverVersion is the version of the driver
	// These will be set via ldflags during build
	defaultVersion = "dev"
)

var (
	version   = defaultVersion
	gitCommit = "unknown"
	buildDate = "unknown"
)

// VersionInfo describes the build for --version output
func VersionInfo() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", DriverName, version, gitCommit, buildDate)
}

// DefaultFilesystems is used when no filesystems are configured
var DefaultFilesystems = []string{"ext4", "xfs"}

// DeviceManager attaches volumes to local block devices and stages them
type DeviceManager interface {
	NumDevices() int
	GetDeviceInstance(ctx context.Context, volumeID string) (*nbd.DeviceInstance, error)
	StageVolume(ctx context.Context, req nbd.StageRequest) error
}

// BdevLister looks up bdevs on the storage engine
type BdevLister interface {
	GetBdevs(ctx context.Context, name string) ([]engine.Bdev, error)
}

// NodeIdentity is fixed for the lifetime of the process
type NodeIdentity struct {
	NodeName string
	Socket   string
	Address  string
	Port     int

	// Filesystems lists the supported filesystems in configured order
	Filesystems []mount.Filesystem

	// DefaultFilesystem is used when a request names no filesystem
	DefaultFilesystem mount.Filesystem
}

// NewNodeIdentity builds a NodeIdentity. The first filesystem named becomes
// the default.
func NewNodeIdentity(nodeName, socket, address string, port int, filesystems []string) (NodeIdentity, error) {
	if nodeName == "" {
		return NodeIdentity{}, fmt.Errorf("node name is required")
	}
	if len(filesystems) == 0 {
		filesystems = DefaultFilesystems
	}

	id := NodeIdentity{
		NodeName: nodeName,
		Socket:   socket,
		Address:  address,
		Port:     port,
	}
	for _, name := range filesystems {
		name = strings.TrimSpace(name)
		fs, ok := mount.KnownFilesystems[name]
		if !ok {
			return NodeIdentity{}, fmt.Errorf("unsupported filesystem %q", name)
		}
		id.Filesystems = append(id.Filesystems, fs)
	}
	id.DefaultFilesystem = id.Filesystems[0]
	return id, nil
}

// NodeID returns the identifier reported to the orchestrator. It depends only
// on configuration, so restarts report the same id.
func (n NodeIdentity) NodeID() string {
	return fmt.Sprintf("bdev://%s/%s", n.NodeName, net.JoinHostPort(n.Address, strconv.Itoa(n.Port)))
}

// Filesystem resolves a requested filesystem type. An empty name selects
// the default.
func (n NodeIdentity) Filesystem(name string) (mount.Filesystem, bool) {
	if name == "" {
		return n.DefaultFilesystem, true
	}
	for _, fs := range n.Filesystems {
		if fs.Name == name {
			return fs, true
		}
	}
	return mount.Filesystem{}, false
}

// Driver implements the CSI Identity and Node services
type Driver struct {
	name     string
	version  string
	identity NodeIdentity

	engine  BdevLister
	devices DeviceManager
	mounter mount.Mounter
	locks   *VolumeLocks

	// Prometheus metrics (may be nil if disabled)
	metrics *observability.Metrics

	// CSI services
	ids    csi.IdentityServer
	ns     csi.NodeServer
	server *NonBlockingGRPCServer

	// Capabilities
	nscaps []*csi.NodeServiceCapability
}

// DriverConfig contains configuration for creating a driver instance
type DriverConfig struct {
	DriverName string
	Version    string

	// Node identity
	NodeName    string
	NodeAddress string
	NodePort    int

	// Filesystems in order of preference; the first is the default
	Filesystems []string

	// Engine connection settings
	EngineSocket string
	EngineRate   float64
	EngineBurst  int

	// SysfsRoot overrides /sys for device discovery
	SysfsRoot string

	// Mounter overrides the host mounter (optional, nil for the host)
	Mounter mount.Mounter

	// Prometheus metrics (optional, nil to disable)
	Metrics *observability.Metrics
}

// NewDriver creates a new driver wired to the engine socket and the host's
// mount table
func NewDriver(config DriverConfig) (*Driver, error) {
	if config.DriverName == "" {
		config.DriverName = DriverName
	}
	if config.Version == "" {
		config.Version = version
	}

	klog.Infof("Driver: %s Version: %s GitCommit: %s BuildDate: %s", config.DriverName, config.Version, gitCommit, buildDate)

	identity, err := NewNodeIdentity(config.NodeName, config.EngineSocket, config.NodeAddress, config.NodePort, config.Filesystems)
	if err != nil {
		return nil, fmt.Errorf("invalid node identity: %w", err)
	}

	client, err := engine.NewClient(engine.ClientConfig{
		Socket:        config.EngineSocket,
		RateLimit:     config.EngineRate,
		Burst:         config.EngineBurst,
		EnableBreaker: true,
		Metrics:       config.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}

	sysfs := nbd.NewSysfsScanner()
	if config.SysfsRoot != "" {
		sysfs = nbd.NewSysfsScannerWithRoot(config.SysfsRoot)
	}

	mounter := config.Mounter
	if mounter == nil {
		mounter = mount.NewMounter(config.Metrics)
	}
	devices := nbd.NewAdapter(client, sysfs, mounter)

	if config.Metrics != nil {
		config.Metrics.SetDeviceSlots(devices.NumDevices)
	}

	klog.Infof("Node %s using engine at %s, filesystems %v (default %s)",
		identity.NodeID(), config.EngineSocket, config.Filesystems, identity.DefaultFilesystem.Name)

	return newDriver(config.DriverName, config.Version, identity, client, devices, mounter, config.Metrics), nil
}

func newDriver(name, vendorVersion string, identity NodeIdentity, eng BdevLister, devices DeviceManager,
	mounter mount.Mounter, metrics *observability.Metrics) *Driver {
	d := &Driver{
		name:     name,
		version:  vendorVersion,
		identity: identity,
		engine:   eng,
		devices:  devices,
		mounter:  mounter,
		locks:    NewVolumeLocks(),
		metrics:  metrics,
	}
	d.addNodeServiceCapabilities()
	d.ids = NewIdentityServer(d)
	d.ns = NewNodeServer(d)
	return d
}

// addNodeServiceCapabilities adds node service capabilities.
// EXPAND_VOLUME is not advertised.
func (d *Driver) addNodeServiceCapabilities() {
	d.nscaps = []*csi.NodeServiceCapability{
		{
			Type: &csi.NodeServiceCapability_Rpc{
				Rpc: &csi.NodeServiceCapability_RPC{
					Type: csi.NodeServiceCapability_RPC_GET_VOLUME_STATS,
				},
			},
		},
		{
			Type: &csi.NodeServiceCapability_Rpc{
				Rpc: &csi.NodeServiceCapability_RPC{
					Type: csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME,
				},
			},
		},
	}
}

// Run starts serving the CSI services on endpoint and returns once the
// server is listening
func (d *Driver) Run(endpoint string) error {
	klog.Infof("Starting bdev CSI node driver at endpoint %s", endpoint)

	d.server = NewNonBlockingGRPCServer(endpoint)
	if err := d.server.Start(d.ids, d.ns); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	klog.Info("Driver initialization complete, server running")
	return nil
}

// Stop stops the driver and cleans up resources
func (d *Driver) Stop() {
	klog.Info("Stopping bdev CSI node driver")
	if d.server != nil {
		d.server.Stop()
	}
}

// Wait blocks until the gRPC server stops serving
func (d *Driver) Wait() {
	if d.server != nil {
		d.server.Wait()
	}
}

// NodeIdentity returns the node identity
func (d *Driver) NodeIdentity() NodeIdentity {
	return d.identity
}

// GetMetrics returns the Prometheus metrics instance (may be nil if disabled)
func (d *Driver) GetMetrics() *observability.Metrics {
	return d.metrics
}
