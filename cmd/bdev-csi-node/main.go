package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/bdev-csi/pkg/driver"
	"git.srvlab.io/whiskey/bdev-csi/pkg/observability"
)

var (
	// Driver configuration
	endpoint   = flag.String("endpoint", "unix:///var/lib/kubelet/plugins/bdev.csi.srvlab.io/csi.sock", "CSI endpoint")
	driverName = flag.String("driver-name", driver.DriverName, "Name of the CSI driver")

	// Node identity
	nodeName    = flag.String("node-name", "", "Node name (required)")
	nodeAddress = flag.String("node-address", "", "Address advertised in the node ID")
	nodePort    = flag.Int("node-port", 5000, "Port advertised in the node ID")
	filesystems = flag.String("filesystems", strings.Join(driver.DefaultFilesystems, ","), "Comma separated supported filesystems, the first is the default")

	// Storage engine configuration
	engineSocket = flag.String("engine-socket", "/var/tmp/spdk.sock", "Storage engine JSON-RPC socket")
	engineRate   = flag.Float64("engine-rate", 0, "Maximum engine calls per second (0 disables limiting)")
	engineBurst  = flag.Int("engine-burst", 0, "Engine call burst size (defaults to 1 when limiting)")
	sysfsRoot    = flag.String("sysfs-root", "", "Alternative sysfs root for device discovery")

	// Metrics
	metricsAddress = flag.String("metrics-address", "", "Address to serve Prometheus metrics on (empty to disable)")

	// Version flag
	version = flag.Bool("version", false, "Print version and exit")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *version {
		fmt.Println(driver.VersionInfo())
		os.Exit(0)
	}

	if *nodeName == "" {
		klog.Fatal("--node-name is required")
	}

	var metrics *observability.Metrics
	var metricsServer *http.Server
	if *metricsAddress != "" {
		metrics = observability.NewMetrics()
		metricsServer = &http.Server{
			Addr:              *metricsAddress,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			klog.Infof("Serving metrics on %s", *metricsAddress)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				klog.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	// Create driver configuration
	config := driver.DriverConfig{
		DriverName:   *driverName,
		NodeName:     *nodeName,
		NodeAddress:  *nodeAddress,
		NodePort:     *nodePort,
		Filesystems:  strings.Split(*filesystems, ","),
		EngineSocket: *engineSocket,
		EngineRate:   *engineRate,
		EngineBurst:  *engineBurst,
		SysfsRoot:    *sysfsRoot,
		Metrics:      metrics,
	}

	// Create driver
	klog.Info("Creating bdev CSI node driver")
	drv, err := driver.NewDriver(config)
	if err != nil {
		klog.Fatalf("Failed to create driver: %v", err)
	}

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		klog.Infof("Received signal %s, shutting down", sig)
		drv.Stop()
		if metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(ctx)
		}
	}()

	if err := drv.Run(*endpoint); err != nil {
		klog.Fatalf("Failed to run driver: %v", err)
	}

	drv.Wait()
	klog.Info("Driver stopped")
	klog.Flush()
}
