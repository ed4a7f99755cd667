package e2e

import (
	"fmt"

	"github.com/container-storage-interface/spec/lib/go/csi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/bdev-csi/test/mock"
)

var _ = Describe("Resilience Regression", func() {
	AfterEach(func() {
		// Reset error mode so other tests are not affected
		mockEngine.ErrorInjector().SetMode(mock.ErrorModeNone, 0)
		mockEngine.DetachAll()
	})

	It("should report not ready while the engine answers with errors", func() {
		mockEngine.ErrorInjector().SetMode(mock.ErrorModeUnknownCode, 0)

		ready, err := identityClient.Probe(ctx, &csi.ProbeRequest{})
		Expect(err).NotTo(HaveOccurred(), "Probe itself should not fail")
		Expect(ready.GetReady().GetValue()).To(BeFalse())

		By("Clearing error injection")
		mockEngine.ErrorInjector().SetMode(mock.ErrorModeNone, 0)

		ready, err = identityClient.Probe(ctx, &csi.ProbeRequest{})
		Expect(err).NotTo(HaveOccurred())
		Expect(ready.GetReady().GetValue()).To(BeTrue())
	})

	It("should fail stats when the bdev disappears from the engine", func() {
		volumeID := createBdev("resil-stats")
		stageVolume(volumeID)

		mockEngine.ErrorInjector().SetMode(mock.ErrorModeNoDevice, 0)

		_, err := nodeClient.NodeGetVolumeStats(ctx, &csi.NodeGetVolumeStatsRequest{VolumeId: volumeID})
		Expect(status.Code(err)).To(Equal(codes.Internal))
		Expect(err.Error()).To(ContainSubstring("cannot find underlying volume"))
	})

	It("should report ResourceExhausted once every device is taken", func() {
		var exhausted error
		for i := 0; i <= numDevices && exhausted == nil; i++ {
			volumeID := createBdev(fmt.Sprintf("resil-exhaust-%d", i))
			_, exhausted = nodeClient.NodeStageVolume(ctx, &csi.NodeStageVolumeRequest{
				VolumeId:          volumeID,
				StagingTargetPath: stagingPath(volumeID),
				VolumeCapability:  mountVolumeCapability(""),
			})
		}
		Expect(status.Code(exhausted)).To(Equal(codes.ResourceExhausted))
		klog.Infof("Device exhaustion reported: %v", exhausted)
	})

	It("should report ResourceExhausted when the engine reports every device busy", func() {
		mockEngine.ErrorInjector().SetMode(mock.ErrorModeBusy, 0)
		volumeID := createBdev("resil-busy")

		_, err := nodeClient.NodeStageVolume(ctx, &csi.NodeStageVolumeRequest{
			VolumeId:          volumeID,
			StagingTargetPath: stagingPath(volumeID),
			VolumeCapability:  mountVolumeCapability(""),
		})
		Expect(status.Code(err)).To(Equal(codes.ResourceExhausted))
		Expect(exportedDevice(volumeID)).To(BeEmpty())
	})
})
