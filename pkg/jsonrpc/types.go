package jsonrpc

import "encoding/json"

const (
	// Version is the only protocol version accepted in replies
	Version = "2.0"

	// requestID is used for every request. One request per connection means
	// ids never collide, so the reply must echo this exact value.
	requestID = 0
)

// Request is a JSON-RPC request object
type Request struct {
	// Method is the name of the RPC call
	Method string `json:"method"`

	// Params is omitted from the wire when nil
	Params json.RawMessage `json:"params,omitempty"`

	// ID identifies the request and must appear in the response
	ID int `json:"id"`

	// Version must be "2.0"
	Version string `json:"jsonrpc"`
}

// Response is a JSON-RPC response object
type Response struct {
	// Result is absent or null when the call returns nothing
	Result json.RawMessage `json:"result,omitempty"`

	// Error is set when the call failed
	Error *RPCError `json:"error,omitempty"`

	// ID is kept raw so that non-numeric ids can be rejected
	ID json.RawMessage `json:"id"`

	// Version is optional in replies, but must be "2.0" when present
	Version *string `json:"jsonrpc,omitempty"`
}

// RPCError is a JSON-RPC error object
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}
