package e2e

import (
	"fmt"
	"path/filepath"

	"github.com/container-storage-interface/spec/lib/go/csi"
	. "github.com/onsi/gomega"
)

// Constants for test configuration
const (
	numDevices = 8

	// Every test bdev is 1 GiB
	testBlockSize = 512
	testNumBlocks = 2097152
)

// testVolumeName creates a unique volume name for the current test
// by prepending the test run ID to ensure isolation between test runs
func testVolumeName(name string) string {
	return fmt.Sprintf("%s-%s", testRunID, name)
}

// createBdev registers a volume's bdev on the mock engine and returns its name
func createBdev(name string) string {
	volumeID := testVolumeName(name)
	mockEngine.AddBdev(volumeID, testBlockSize, testNumBlocks)
	return volumeID
}

// stagingPath returns a unique staging path for a volume
// This is where NodeStageVolume will mount the volume
func stagingPath(volumeID string) string {
	return filepath.Join(workDir, "staging", volumeID)
}

// publishPath returns a publish path under the suite's work directory
// This is where NodePublishVolume will bind-mount the volume
func publishPath(elem ...string) string {
	return filepath.Join(append([]string{workDir, "publish"}, elem...)...)
}

// volumeCapability returns a mount volume capability with the given access mode
func volumeCapability(fsType string, mode csi.VolumeCapability_AccessMode_Mode) *csi.VolumeCapability {
	return &csi.VolumeCapability{
		AccessMode: &csi.VolumeCapability_AccessMode{
			Mode: mode,
		},
		AccessType: &csi.VolumeCapability_Mount{
			Mount: &csi.VolumeCapability_MountVolume{
				FsType: fsType,
			},
		},
	}
}

// mountVolumeCapability returns a mount volume capability with SINGLE_NODE_WRITER access mode
func mountVolumeCapability(fsType string) *csi.VolumeCapability {
	return volumeCapability(fsType, csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER)
}

// stageVolume stages volumeID with the default filesystem and expects success
func stageVolume(volumeID string) {
	_, err := nodeClient.NodeStageVolume(ctx, &csi.NodeStageVolumeRequest{
		VolumeId:          volumeID,
		StagingTargetPath: stagingPath(volumeID),
		VolumeCapability:  mountVolumeCapability(""),
	})
	Expect(err).NotTo(HaveOccurred(), "NodeStageVolume for %s should succeed", volumeID)
}

// exportedDevice returns the NBD device the mock engine exports volumeID on
func exportedDevice(volumeID string) string {
	for device, bdev := range mockEngine.Exports() {
		if bdev == volumeID {
			return device
		}
	}
	return ""
}

// isMounted reports whether anything is mounted at target
func isMounted(target string) bool {
	info, err := mounter.Find(ctx, "", target, true)
	Expect(err).NotTo(HaveOccurred())
	return info != nil
}
