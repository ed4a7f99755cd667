package driver

import (
	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// mountCapability returns the filesystem part of a capability. Raw block
// volumes are not supported.
func mountCapability(volumeID string, volCap *csi.VolumeCapability) (*csi.VolumeCapability_MountVolume, error) {
	switch volCap.GetAccessType().(type) {
	case *csi.VolumeCapability_Mount:
		return volCap.GetMount(), nil
	case *csi.VolumeCapability_Block:
		return nil, status.Errorf(codes.InvalidArgument, "raw block volume %s is not supported", volumeID)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "missing access type for volume %s", volumeID)
	}
}

// checkAccessMode validates an access mode against the read-only state of
// the mount. A reader-only mode on a writable mount is rejected. A writer
// mode on a read-only mount is accepted: access modes are advisory.
func checkAccessMode(volumeID string, mode *csi.VolumeCapability_AccessMode, readonly bool) error {
	if mode == nil {
		return status.Errorf(codes.InvalidArgument, "missing access mode for volume %s", volumeID)
	}

	switch mode.GetMode() {
	case csi.VolumeCapability_AccessMode_SINGLE_NODE_READER_ONLY,
		csi.VolumeCapability_AccessMode_MULTI_NODE_READER_ONLY:
		if !readonly {
			return status.Errorf(codes.InvalidArgument,
				"access mode %s of volume %s requires a read-only mount", mode.GetMode(), volumeID)
		}
	case csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER,
		csi.VolumeCapability_AccessMode_MULTI_NODE_SINGLE_WRITER:
	default:
		return status.Errorf(codes.InvalidArgument,
			"access mode %s of volume %s is not supported", mode.GetMode(), volumeID)
	}
	return nil
}
