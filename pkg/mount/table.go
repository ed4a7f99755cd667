package mount

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/moby/sys/mountinfo"
	"k8s.io/klog/v2"
)

const (
	// ProcmountsTimeout is the maximum time to wait for /proc/self/mountinfo parsing
	ProcmountsTimeout = 10 * time.Second
)

// MountInfo is one entry of the mount table as seen by the node service
type MountInfo struct {
	// Source is the device backing the mount. For bind mounts this is the
	// device of the original mount, not the bind source path.
	Source string

	// Target is the mount point
	Target string

	// FSType is the filesystem type
	FSType string

	// Options holds the per-mount options followed by the superblock
	// options, without duplicates
	Options []string
}

// GetMountsWithTimeout parses mount information with a timeout to prevent hangs
// on corrupted filesystems. Returns error if parsing takes longer than ProcmountsTimeout.
func GetMountsWithTimeout(ctx context.Context) ([]*mountinfo.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, ProcmountsTimeout)
	defer cancel()

	type result struct {
		mounts []*mountinfo.Info
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		mounts, err := mountinfo.GetMounts(nil)
		resultCh <- result{mounts: mounts, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.mounts, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("procmounts parsing timed out after %v: %w", ProcmountsTimeout, ctx.Err())
	}
}

// findMount returns the last entry in mounts that matches the filters.
//
// An empty source or target matches anything. When exact is set every
// non-empty filter must match, otherwise one matching filter is enough.
// A source that is itself a mount point stands for that mount's device, so a
// bind mount of a staging directory is found by the staging path.
func findMount(mounts []*mountinfo.Info, source, target string, exact bool) *MountInfo {
	device := ""
	if source != "" {
		for _, m := range mounts {
			if m.Mountpoint == source {
				device = m.Source
			}
		}
	}

	var found *mountinfo.Info
	for _, m := range mounts {
		sourceMatch := source != "" && (m.Source == source || (device != "" && m.Source == device))
		targetMatch := target != "" && m.Mountpoint == target

		var match bool
		switch {
		case source == "" && target == "":
			match = false
		case exact:
			match = (source == "" || sourceMatch) && (target == "" || targetMatch)
		default:
			match = sourceMatch || targetMatch
		}
		if match {
			// Later entries shadow earlier ones mounted on the same path
			found = m
		}
	}

	if found == nil {
		return nil
	}

	klog.V(5).Infof("Matched mount %s on %s (%s) opts=%s super=%s",
		found.Source, found.Mountpoint, found.FSType, found.Options, found.VFSOptions)
	return convertMount(found)
}

// convertMount merges per-mount and superblock options into one list.
// The superblock ro/rw flag is dropped: a read-only bind mount of a writable
// filesystem reports "ro" only in its per-mount options.
func convertMount(m *mountinfo.Info) *MountInfo {
	seen := make(map[string]bool)
	var opts []string
	add := func(raw string, skipMode bool) {
		for _, o := range strings.Split(raw, ",") {
			if o == "" || seen[o] {
				continue
			}
			if skipMode && (o == "ro" || o == "rw") {
				continue
			}
			seen[o] = true
			opts = append(opts, o)
		}
	}
	add(m.Options, false)
	add(m.VFSOptions, true)

	return &MountInfo{
		Source:  m.Source,
		Target:  m.Mountpoint,
		FSType:  m.FSType,
		Options: opts,
	}
}
