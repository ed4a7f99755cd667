package e2e

import (
	"os"

	"github.com/container-storage-interface/spec/lib/go/csi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

var _ = Describe("Volume Lifecycle", func() {
	It("should stage, publish, unpublish and unstage a volume", func() {
		volumeID := createBdev("vol-1")
		staging := stagingPath(volumeID)
		target := publishPath(volumeID, "a")

		By("Staging with the node's default filesystem")
		stageVolume(volumeID)

		device := exportedDevice(volumeID)
		Expect(device).NotTo(BeEmpty(), "volume should be exported on an NBD device")
		Expect(mounter.FormattedAs(device)).To(Equal("ext4"))
		Expect(isMounted(staging)).To(BeTrue())

		By("Publishing to the target path")
		publishReq := &csi.NodePublishVolumeRequest{
			VolumeId:          volumeID,
			StagingTargetPath: staging,
			TargetPath:        target,
			VolumeCapability:  mountVolumeCapability(""),
		}
		_, err := nodeClient.NodePublishVolume(ctx, publishReq)
		Expect(err).NotTo(HaveOccurred())

		info, err := os.Stat(target)
		Expect(err).NotTo(HaveOccurred(), "target path should be created")
		Expect(info.IsDir()).To(BeTrue())
		Expect(isMounted(target)).To(BeTrue())

		By("Publishing the same request again")
		mounts := len(mounter.Actions())
		_, err = nodeClient.NodePublishVolume(ctx, publishReq)
		Expect(err).NotTo(HaveOccurred(), "identical publish should be idempotent")
		Expect(mounter.Actions()).To(HaveLen(mounts), "identical publish should not mount again")

		By("Rejecting a reader-only mode on a writable mount")
		_, err = nodeClient.NodePublishVolume(ctx, &csi.NodePublishVolumeRequest{
			VolumeId:          volumeID,
			StagingTargetPath: staging,
			TargetPath:        publishPath(volumeID, "b"),
			VolumeCapability:  volumeCapability("", csi.VolumeCapability_AccessMode_SINGLE_NODE_READER_ONLY),
			Readonly:          false,
		})
		Expect(status.Code(err)).To(Equal(codes.InvalidArgument))

		By("Reporting volume stats")
		stats, err := nodeClient.NodeGetVolumeStats(ctx, &csi.NodeGetVolumeStatsRequest{
			VolumeId:   volumeID,
			VolumePath: target,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Usage).To(HaveLen(1))
		Expect(stats.Usage[0].Total).To(Equal(int64(testBlockSize * testNumBlocks)))

		By("Unpublishing")
		_, err = nodeClient.NodeUnpublishVolume(ctx, &csi.NodeUnpublishVolumeRequest{
			VolumeId:   volumeID,
			TargetPath: target,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(isMounted(target)).To(BeFalse())

		By("Unstaging")
		unstageReq := &csi.NodeUnstageVolumeRequest{
			VolumeId:          volumeID,
			StagingTargetPath: staging,
		}
		_, err = nodeClient.NodeUnstageVolume(ctx, unstageReq)
		Expect(err).NotTo(HaveOccurred())
		Expect(isMounted(staging)).To(BeFalse())

		By("Unstaging again")
		_, err = nodeClient.NodeUnstageVolume(ctx, unstageReq)
		Expect(err).NotTo(HaveOccurred(), "repeated unstage should succeed")

		klog.Infof("Lifecycle test passed for %s on %s", volumeID, device)
	})

	It("should stage with an explicitly requested filesystem", func() {
		volumeID := createBdev("vol-xfs")

		_, err := nodeClient.NodeStageVolume(ctx, &csi.NodeStageVolumeRequest{
			VolumeId:          volumeID,
			StagingTargetPath: stagingPath(volumeID),
			VolumeCapability:  mountVolumeCapability("xfs"),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(mounter.FormattedAs(exportedDevice(volumeID))).To(Equal("xfs"))
	})

	It("should refuse to publish an unstaged volume", func() {
		volumeID := createBdev("vol-unstaged")

		_, err := nodeClient.NodePublishVolume(ctx, &csi.NodePublishVolumeRequest{
			VolumeId:          volumeID,
			StagingTargetPath: stagingPath(volumeID),
			TargetPath:        publishPath(volumeID),
			VolumeCapability:  mountVolumeCapability(""),
		})
		Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
	})

	It("should report NotFound when unstaging a volume that was never staged", func() {
		volumeID := createBdev("vol-never")

		_, err := nodeClient.NodeUnstageVolume(ctx, &csi.NodeUnstageVolumeRequest{
			VolumeId:          volumeID,
			StagingTargetPath: stagingPath(volumeID),
		})
		Expect(status.Code(err)).To(Equal(codes.NotFound))
	})

	It("should not support volume expansion", func() {
		_, err := nodeClient.NodeExpandVolume(ctx, &csi.NodeExpandVolumeRequest{VolumeId: testVolumeName("any")})
		Expect(status.Code(err)).To(Equal(codes.Unimplemented))
	})
})
