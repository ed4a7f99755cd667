package nbd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

const (
	// DefaultSysfsRoot is the default root path for sysfs
	DefaultSysfsRoot = "/sys"

	devicePrefix = "nbd"
)

// SysfsScanner provides configurable sysfs access for testing
type SysfsScanner struct {
	Root string // "/sys" in production, temp dir in tests
}

// NewSysfsScanner creates scanner with default root
func NewSysfsScanner() *SysfsScanner {
	return &SysfsScanner{
		Root: DefaultSysfsRoot,
	}
}

// NewSysfsScannerWithRoot creates scanner with custom root (for testing)
func NewSysfsScannerWithRoot(root string) *SysfsScanner {
	return &SysfsScanner{
		Root: root,
	}
}

// ListDevices returns the NBD device names known to the kernel in numeric
// order, e.g. ["nbd0", "nbd1", ..., "nbd10"]
func (s *SysfsScanner) ListDevices() ([]string, error) {
	pattern := filepath.Join(s.Root, "block", devicePrefix+"*")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to scan nbd devices at %s: %w", pattern, err)
	}

	names := make([]string, 0, len(paths))
	for _, p := range paths {
		name := filepath.Base(p)
		if _, ok := deviceIndex(name); !ok {
			// partitions such as nbd0p1
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := deviceIndex(names[i])
		b, _ := deviceIndex(names[j])
		return a < b
	})

	klog.V(5).Infof("ListDevices: found %d nbd devices at %s", len(names), pattern)
	return names, nil
}

// InUse reports whether a process owns the device. The kernel creates
// <dev>/pid while a connection is attached.
func (s *SysfsScanner) InUse(name string) bool {
	_, err := os.Stat(filepath.Join(s.Root, "block", name, "pid"))
	return err == nil
}

// Sectors returns the device size in 512-byte sectors. A detached device
// reports 0.
func (s *SysfsScanner) Sectors(name string) (int64, error) {
	sizePath := filepath.Join(s.Root, "block", name, "size")
	data, err := os.ReadFile(sizePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read size from %s: %w", sizePath, err)
	}

	sectors, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size in %s: %w", sizePath, err)
	}
	return sectors, nil
}

// deviceIndex parses the N of "nbdN"
func deviceIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, devicePrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, devicePrefix))
	if err != nil {
		return 0, false
	}
	return n, true
}
