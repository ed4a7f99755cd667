// Package mount queries the node's mount table and performs the mount,
// format and unmount actions used to stage and publish volumes.
//
// The mount table is always re-read; nothing here caches mount state,
// since kubelet and other processes change it behind our back.
//
// # Logging Verbosity Convention
//
// This package follows Kubernetes logging conventions for verbosity levels:
//
//   - V(0): Always visible - programmer errors, panics
//   - V(2): Production default - operation outcomes, state changes
//     Examples: "Mounted /dev/nbd0 to /var/lib/kubelet/...", "Unmounted /path"
//   - V(4): Debug level - intermediate steps, parameters, diagnostics
//     Examples: "Found mount for target", "Options differ"
//   - V(5): Trace level - mount table parsing details
//
// V(3) is avoided in favor of V(2) (if actionable) or V(4) (if diagnostic).
package mount
