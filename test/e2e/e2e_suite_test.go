package e2e

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/bdev-csi/pkg/driver"
	"git.srvlab.io/whiskey/bdev-csi/pkg/mount"
	"git.srvlab.io/whiskey/bdev-csi/test/mock"
)

// Suite-level variables
var (
	testRunID      string
	workDir        string
	mockEngine     *mock.MockEngineServer
	mounter        *mount.MockMounter
	drv            *driver.Driver
	driverEndpoint string
	grpcConn       *grpc.ClientConn
	identityClient csi.IdentityClient
	nodeClient     csi.NodeClient
	ctx            context.Context
	cancel         context.CancelFunc
)

// TestE2E is the entry point for the Ginkgo test suite
func TestE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "bdev CSI Node E2E Suite")
}

var _ = BeforeSuite(func() {
	// Setup logging
	klog.SetOutput(GinkgoWriter)

	// Generate unique test run ID for this test execution
	testRunID = fmt.Sprintf("e2e-%d", time.Now().Unix())
	klog.Infof("Starting E2E test suite with testRunID=%s", testRunID)

	// Short root so the UNIX socket paths stay under the sun_path limit.
	// Symlinks are resolved because mount tables record resolved paths.
	dir, err := os.MkdirTemp("", "bdev-e2e")
	Expect(err).NotTo(HaveOccurred())
	workDir, err = filepath.EvalSymlinks(dir)
	Expect(err).NotTo(HaveOccurred())

	By("Starting mock storage engine")
	mockEngine, err = mock.NewMockEngineServer(filepath.Join(workDir, "spdk.sock"), filepath.Join(workDir, "sys"), numDevices)
	Expect(err).NotTo(HaveOccurred(), "Failed to create mock engine")
	Expect(mockEngine.Start()).To(Succeed(), "Failed to start mock engine")

	By("Creating CSI driver")
	mounter = mount.NewMockMounter()
	drv, err = driver.NewDriver(driver.DriverConfig{
		Version:      "test",
		NodeName:     "test-node-1",
		NodeAddress:  "127.0.0.1",
		NodePort:     5000,
		Filesystems:  []string{"ext4", "xfs"},
		EngineSocket: mockEngine.SocketPath(),
		SysfsRoot:    filepath.Join(workDir, "sys"),
		Mounter:      mounter,
	})
	Expect(err).NotTo(HaveOccurred(), "Failed to create driver")

	By("Starting CSI driver")
	driverEndpoint = filepath.Join(workDir, "csi.sock")
	endpoint := fmt.Sprintf("unix://%s", driverEndpoint)
	Expect(drv.Run(endpoint)).To(Succeed())

	// Wait for socket to be ready using Eventually
	By("Waiting for CSI socket to be ready")
	Eventually(func() bool {
		conn, err := net.Dial("unix", driverEndpoint)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 10*time.Second, 100*time.Millisecond).Should(BeTrue(), "CSI socket should be ready")

	By("Creating gRPC clients")
	grpcConn, err = grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	Expect(err).NotTo(HaveOccurred(), "Failed to create gRPC connection")

	identityClient = csi.NewIdentityClient(grpcConn)
	nodeClient = csi.NewNodeClient(grpcConn)

	// Create context with timeout for all tests
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Minute)

	klog.Infof("E2E suite setup complete")
})

var _ = AfterSuite(func() {
	By("Cleaning up test suite")

	if grpcConn != nil {
		By("Closing gRPC connection")
		_ = grpcConn.Close()
	}

	if cancel != nil {
		cancel()
	}

	if drv != nil {
		By("Stopping CSI driver")
		drv.Stop()
		drv.Wait()
	}

	if mockEngine != nil {
		By("Stopping mock storage engine")
		Expect(mockEngine.Stop()).To(Succeed(), "Failed to stop mock engine")
	}

	if workDir != "" {
		_ = os.RemoveAll(workDir)
	}

	klog.Infof("E2E suite cleanup complete")
})

var _ = Describe("E2E Suite Sanity", func() {
	It("should have valid test infrastructure", func() {
		Expect(testRunID).NotTo(BeEmpty(), "testRunID should be set")
		Expect(mockEngine).NotTo(BeNil(), "mockEngine should be initialized")
		Expect(nodeClient).NotTo(BeNil(), "nodeClient should be initialized")
	})

	It("should report plugin identity and readiness", func() {
		info, err := identityClient.GetPluginInfo(ctx, &csi.GetPluginInfoRequest{})
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Name).To(Equal(driver.DriverName))
		Expect(info.VendorVersion).To(Equal("test"))

		ready, err := identityClient.Probe(ctx, &csi.ProbeRequest{})
		Expect(err).NotTo(HaveOccurred())
		Expect(ready.GetReady().GetValue()).To(BeTrue())
	})

	It("should report node info", func() {
		info, err := nodeClient.NodeGetInfo(ctx, &csi.NodeGetInfoRequest{})
		Expect(err).NotTo(HaveOccurred())
		Expect(info.NodeId).To(Equal("bdev://test-node-1/127.0.0.1:5000"))
		Expect(info.MaxVolumesPerNode).To(Equal(int64(numDevices)))
	})
})
