// Package jsonrpc implements a JSON-RPC 2.0 client that talks to the storage
// engine control plane over a UNIX domain socket.
//
// Each call opens a fresh connection, writes exactly one request, half-closes
// the write side and then reads until the engine closes its side. The engine
// does not finish sending a reply until it observes the client's write-side
// close, so the ordering is not optional.
//
// # Logging Verbosity Convention
//
//   - V(4): Debug level - method names, socket paths
//   - V(5): Trace level - raw request and response payloads
package jsonrpc
