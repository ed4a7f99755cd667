package e2e

import (
	"fmt"
	"sync"

	"github.com/container-storage-interface/spec/lib/go/csi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Concurrent Operations", func() {
	const numConcurrentVolumes = 3

	AfterEach(func() {
		mockEngine.DetachAll()
	})

	It("should stage different volumes concurrently on distinct devices", func() {
		volumeIDs := make([]string, numConcurrentVolumes)
		for i := range volumeIDs {
			volumeIDs[i] = createBdev(fmt.Sprintf("concurrent-%d", i))
		}

		By(fmt.Sprintf("Staging %d volumes concurrently", numConcurrentVolumes))
		var wg sync.WaitGroup
		errChan := make(chan error, numConcurrentVolumes)
		for _, id := range volumeIDs {
			wg.Add(1)
			go func(volumeID string) {
				defer wg.Done()
				defer GinkgoRecover()
				_, err := nodeClient.NodeStageVolume(ctx, &csi.NodeStageVolumeRequest{
					VolumeId:          volumeID,
					StagingTargetPath: stagingPath(volumeID),
					VolumeCapability:  mountVolumeCapability(""),
				})
				errChan <- err
			}(id)
		}
		wg.Wait()
		close(errChan)

		for err := range errChan {
			Expect(err).NotTo(HaveOccurred(), "All concurrent NodeStageVolume operations should succeed")
		}

		By("Verifying each volume got its own device")
		devices := make(map[string]bool)
		for _, id := range volumeIDs {
			device := exportedDevice(id)
			Expect(device).NotTo(BeEmpty())
			devices[device] = true
			Expect(isMounted(stagingPath(id))).To(BeTrue())
		}
		Expect(devices).To(HaveLen(numConcurrentVolumes))
	})

	It("should stage the same volume once under concurrent requests", func() {
		volumeID := createBdev("concurrent-same")

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer GinkgoRecover()
				stageVolume(volumeID)
			}()
		}
		wg.Wait()

		exports := 0
		for _, bdev := range mockEngine.Exports() {
			if bdev == volumeID {
				exports++
			}
		}
		Expect(exports).To(Equal(1), "volume should be exported exactly once")
	})
})
