package driver

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/bdev-csi/pkg/mount"
	"git.srvlab.io/whiskey/bdev-csi/pkg/nbd"
)

const (
	// Permissions for staging and target directories
	mountDirPerm = 0750
)

// NodeServer implements the CSI Node service
type NodeServer struct {
	csi.UnimplementedNodeServer
	driver *Driver
}

// NewNodeServer creates a new Node service
func NewNodeServer(driver *Driver) *NodeServer {
	return &NodeServer{
		driver: driver,
	}
}

// observe logs failed RPCs and records their outcome
func (ns *NodeServer) observe(operation string, start time.Time, err *error) {
	if *err != nil {
		klog.Errorf("Node %s failed: %v", operation, *err)
	}
	if ns.driver.metrics != nil {
		ns.driver.metrics.RecordVolumeOp(operation, *err, time.Since(start))
	}
}

// NodeStageVolume attaches the volume to a local device and mounts it at
// the staging path
func (ns *NodeServer) NodeStageVolume(ctx context.Context, req *csi.NodeStageVolumeRequest) (_ *csi.NodeStageVolumeResponse, err error) {
	defer ns.observe("stage", time.Now(), &err)

	volumeID := req.GetVolumeId()
	stagingPath := req.GetStagingTargetPath()

	klog.V(2).Infof("NodeStageVolume called for volume: %s, staging path: %s", volumeID, stagingPath)
	klog.V(5).Infof("NodeStageVolume request: %v", req)

	// Validate request
	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if stagingPath == "" {
		return nil, status.Error(codes.InvalidArgument, "staging target path is required")
	}
	volCap := req.GetVolumeCapability()
	if volCap == nil {
		return nil, status.Error(codes.InvalidArgument, "volume capability is required")
	}

	mnt, err := mountCapability(volumeID, volCap)
	if err != nil {
		return nil, err
	}

	// Staging does not commit to write access, so check as read-only
	if err := checkAccessMode(volumeID, volCap.GetAccessMode(), true); err != nil {
		return nil, err
	}

	fs, ok := ns.driver.identity.Filesystem(mnt.GetFsType())
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "filesystem %s is not supported", mnt.GetFsType())
	}
	klog.V(4).Infof("Resolved filesystem %s for volume %s", fs.Name, volumeID)

	unlock := ns.driver.locks.Lock(volumeID)
	defer unlock()

	if err := os.MkdirAll(stagingPath, mountDirPerm); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to create staging path %s for volume %s: %v",
			stagingPath, volumeID, err)
	}

	err = ns.driver.devices.StageVolume(ctx, nbd.StageRequest{
		VolumeID:    volumeID,
		StagingPath: stagingPath,
		Filesystem:  fs,
		MountFlags:  mnt.GetMountFlags(),
	})
	switch {
	case err == nil:
	case errors.Is(err, nbd.ErrNoFreeDevice):
		return nil, status.Errorf(codes.ResourceExhausted, "failed to stage volume %s: %v", volumeID, err)
	case errors.Is(err, mount.ErrIncompatibleMount):
		return nil, status.Errorf(codes.AlreadyExists, "failed to stage volume %s: %v", volumeID, err)
	default:
		return nil, status.Errorf(codes.Internal, "failed to stage volume %s: %v", volumeID, err)
	}

	klog.V(2).Infof("Staged volume %s at %s", volumeID, stagingPath)
	return &csi.NodeStageVolumeResponse{}, nil
}

// NodeUnstageVolume unmounts the staging path. The device stays attached.
func (ns *NodeServer) NodeUnstageVolume(ctx context.Context, req *csi.NodeUnstageVolumeRequest) (_ *csi.NodeUnstageVolumeResponse, err error) {
	defer ns.observe("unstage", time.Now(), &err)

	volumeID := req.GetVolumeId()
	stagingPath := req.GetStagingTargetPath()

	klog.V(2).Infof("NodeUnstageVolume called for volume: %s, staging path: %s", volumeID, stagingPath)

	// Validate request
	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if stagingPath == "" {
		return nil, status.Error(codes.InvalidArgument, "staging target path is required")
	}

	unlock := ns.driver.locks.Lock(volumeID)
	defer unlock()

	inst, err := ns.driver.devices.GetDeviceInstance(ctx, volumeID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to look up device for volume %s: %v", volumeID, err)
	}
	if inst == nil {
		// Staging always leaves a device behind
		return nil, status.Errorf(codes.NotFound, "no device exists for volume %s", volumeID)
	}

	staged, err := ns.driver.mounter.Find(ctx, inst.Device, stagingPath, true)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to check staging path %s: %v", stagingPath, err)
	}
	if staged == nil || staged.Source != inst.Device || staged.Target != stagingPath {
		klog.V(2).Infof("Volume %s is not staged from %s at %s, nothing to do", volumeID, inst.Device, stagingPath)
		return &csi.NodeUnstageVolumeResponse{}, nil
	}

	if err := ns.driver.mounter.Unmount(stagingPath, false); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to unstage volume %s: %v", volumeID, err)
	}

	klog.V(2).Infof("Unstaged volume %s from %s", volumeID, stagingPath)
	return &csi.NodeUnstageVolumeResponse{}, nil
}

// NodePublishVolume bind mounts the staging path at the target path
func (ns *NodeServer) NodePublishVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (_ *csi.NodePublishVolumeResponse, err error) {
	defer ns.observe("publish", time.Now(), &err)

	volumeID := req.GetVolumeId()
	stagingPath := req.GetStagingTargetPath()
	targetPath := req.GetTargetPath()
	readonly := req.GetReadonly()

	klog.V(2).Infof("NodePublishVolume called for volume: %s, target path: %s", volumeID, targetPath)
	klog.V(5).Infof("NodePublishVolume request: %v", req)

	// Validate request
	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if stagingPath == "" {
		return nil, status.Error(codes.InvalidArgument, "staging target path is required")
	}
	if targetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}
	volCap := req.GetVolumeCapability()
	if volCap == nil {
		return nil, status.Error(codes.InvalidArgument, "volume capability is required")
	}

	mnt, err := mountCapability(volumeID, volCap)
	if err != nil {
		return nil, err
	}
	if err := checkAccessMode(volumeID, volCap.GetAccessMode(), readonly); err != nil {
		return nil, err
	}

	fs, ok := ns.driver.identity.Filesystem(mnt.GetFsType())
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "filesystem %s is not supported", mnt.GetFsType())
	}

	unlock := ns.driver.locks.Lock(volumeID)
	defer unlock()

	// Any source will do, the staging path only has to be mounted
	staged, err := ns.driver.mounter.Find(ctx, "", stagingPath, true)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to check staging path %s: %v", stagingPath, err)
	}
	if staged == nil {
		return nil, status.Errorf(codes.InvalidArgument,
			"no mount at %s for volume %s (volume unstaged?)", stagingPath, volumeID)
	}

	flags := make([]string, 0, len(mnt.GetMountFlags())+1+len(fs.Defaults))
	flags = append(flags, mnt.GetMountFlags()...)
	if readonly {
		flags = append(flags, "ro")
	} else {
		flags = append(flags, "rw")
	}
	flags = append(flags, fs.Defaults...)

	published, err := ns.driver.mounter.Find(ctx, stagingPath, targetPath, true)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to check target path %s: %v", targetPath, err)
	}
	if published != nil {
		if mount.CompareOptions(flags, published.Options, readonly) {
			klog.V(4).Infof("Volume %s already published at %s with compatible flags", volumeID, targetPath)
			return &csi.NodePublishVolumeResponse{}, nil
		}
		return nil, status.Errorf(codes.AlreadyExists,
			"volume %s is already published at %s with incompatible flags %v", volumeID, targetPath, published.Options)
	}

	if err := os.MkdirAll(targetPath, mountDirPerm); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to create target path %s for volume %s: %v",
			targetPath, volumeID, err)
	}

	if err := ns.driver.mounter.Mount(stagingPath, targetPath, true, fs.Name, flags); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to publish volume %s: %v", volumeID, err)
	}

	klog.V(2).Infof("Published volume %s at %s", volumeID, targetPath)
	return &csi.NodePublishVolumeResponse{}, nil
}

// NodeUnpublishVolume unmounts the target path. An unmounted target is
// not an error.
func (ns *NodeServer) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (_ *csi.NodeUnpublishVolumeResponse, err error) {
	defer ns.observe("unpublish", time.Now(), &err)

	volumeID := req.GetVolumeId()
	targetPath := req.GetTargetPath()

	klog.V(2).Infof("NodeUnpublishVolume called for volume: %s, target path: %s", volumeID, targetPath)

	// Validate request
	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if targetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}

	unlock := ns.driver.locks.Lock(volumeID)
	defer unlock()

	published, err := ns.driver.mounter.Find(ctx, "", targetPath, true)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to check target path %s: %v", targetPath, err)
	}
	if published == nil {
		klog.Warningf("Volume %s is not published at %s", volumeID, targetPath)
		return &csi.NodeUnpublishVolumeResponse{}, nil
	}

	klog.V(4).Infof("Unmounting volume %s at %s", volumeID, targetPath)
	if err := ns.driver.mounter.Unmount(targetPath, true); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to unpublish volume %s: %v", volumeID, err)
	}

	klog.V(2).Infof("Unpublished volume %s at %s", volumeID, targetPath)
	return &csi.NodeUnpublishVolumeResponse{}, nil
}

// NodeGetVolumeStats reports the size of the bdev backing the volume.
// Used and available bytes are not known and reported as zero.
func (ns *NodeServer) NodeGetVolumeStats(ctx context.Context, req *csi.NodeGetVolumeStatsRequest) (_ *csi.NodeGetVolumeStatsResponse, err error) {
	defer ns.observe("stats", time.Now(), &err)

	volumeID := req.GetVolumeId()

	klog.V(4).Infof("NodeGetVolumeStats called for volume: %s, path: %s", volumeID, req.GetVolumePath())

	if volumeID == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}

	inst, err := ns.driver.devices.GetDeviceInstance(ctx, volumeID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to look up device for volume %s: %v", volumeID, err)
	}
	if inst == nil {
		return nil, status.Errorf(codes.NotFound, "no device exists for volume %s", volumeID)
	}

	bdevs, err := ns.driver.engine.GetBdevs(ctx, inst.BdevName)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to query bdev %s: %v", inst.BdevName, err)
	}
	switch len(bdevs) {
	case 0:
		return nil, status.Errorf(codes.Internal, "cannot find underlying volume %s", inst.BdevName)
	case 1:
	default:
		return nil, status.Errorf(codes.Internal, "engine returned %d bdevs named %s", len(bdevs), inst.BdevName)
	}

	return &csi.NodeGetVolumeStatsResponse{
		Usage: []*csi.VolumeUsage{
			{
				Unit:  csi.VolumeUsage_BYTES,
				Total: bdevs[0].SizeBytes(),
			},
		},
	}, nil
}

// NodeGetCapabilities returns the supported capabilities of the node service
func (ns *NodeServer) NodeGetCapabilities(ctx context.Context, req *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	klog.V(5).Info("NodeGetCapabilities called")

	return &csi.NodeGetCapabilitiesResponse{
		Capabilities: ns.driver.nscaps,
	}, nil
}

// NodeGetInfo returns the node id and how many volumes the node can stage
func (ns *NodeServer) NodeGetInfo(ctx context.Context, req *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	nodeID := ns.driver.identity.NodeID()
	klog.V(4).Infof("NodeGetInfo called for node: %s", nodeID)

	return &csi.NodeGetInfoResponse{
		NodeId:            nodeID,
		MaxVolumesPerNode: int64(ns.driver.devices.NumDevices()),
	}, nil
}

// NodeExpandVolume is not supported
func (ns *NodeServer) NodeExpandVolume(ctx context.Context, req *csi.NodeExpandVolumeRequest) (*csi.NodeExpandVolumeResponse, error) {
	klog.V(2).Infof("NodeExpandVolume called for volume: %s", req.GetVolumeId())
	return nil, status.Error(codes.Unimplemented, "volume expansion is not supported")
}
