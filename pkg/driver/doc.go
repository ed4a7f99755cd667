// Package driver implements the CSI Identity and Node services for volumes
// exported by a local storage engine over NBD.
//
// # Logging Verbosity Convention
//
// This package follows Kubernetes logging conventions for verbosity levels:
//
//   - V(0): Always visible - failed RPCs, programmer errors
//   - V(1): Configuration, frequently repeating errors
//   - V(2): Production default - operation outcomes, state changes
//     Examples: "Staged volume X", "Published volume X at Y"
//   - V(4): Debug level - intermediate steps, parameters, diagnostics
//     Examples: "Volume X already published", "Resolved filesystem ext4"
//   - V(5): Trace level - full request messages
//
// V(3) is avoided in favor of V(2) (if actionable) or V(4) (if diagnostic).
//
// Production deployments use V(2) by default. Set --v=4 for troubleshooting.
package driver
