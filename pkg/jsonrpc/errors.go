package jsonrpc

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// Kind classifies where a call failed
type Kind int

const (
	// KindConnect means the socket could not be reached (missing or not permitted)
	KindConnect Kind = iota

	// KindIO covers any other I/O failure on the connection
	KindIO

	// KindParse means the reply or its result payload was not valid JSON for the target type
	KindParse

	// KindInvalidVersion means the reply carried a protocol version other than "2.0"
	KindInvalidVersion

	// KindInvalidReplyID means the reply id was missing, not a number or not ours
	KindInvalidReplyID

	// KindRPC means the engine answered with an error object
	KindRPC
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect error"
	case KindIO:
		return "i/o error"
	case KindParse:
		return "parse error"
	case KindInvalidVersion:
		return "invalid json-rpc version"
	case KindInvalidReplyID:
		return "invalid reply id"
	case KindRPC:
		return "rpc error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RPCCode is the application error taxonomy carried by KindRPC errors
type RPCCode int

const (
	CodeParseError RPCCode = iota
	CodeInvalidRequest
	CodeMethodNotFound
	CodeInvalidParams
	CodeInternalError
	CodeNotFound
	CodeAlreadyExists
)

func (c RPCCode) String() string {
	switch c {
	case CodeParseError:
		return "ParseError"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeMethodNotFound:
		return "MethodNotFound"
	case CodeInvalidParams:
		return "InvalidParams"
	case CodeInternalError:
		return "InternalError"
	case CodeNotFound:
		return "NotFound"
	case CodeAlreadyExists:
		return "AlreadyExists"
	default:
		return fmt.Sprintf("RPCCode(%d)", int(c))
	}
}

// Reserved JSON-RPC 2.0 error codes
const (
	reservedParseError     = -32700
	reservedInvalidRequest = -32600
	reservedMethodNotFound = -32601
	reservedInvalidParams  = -32602
	reservedInternalError  = -32603
)

// Error is returned by Call for every failure
type Error struct {
	Kind   Kind
	Socket string
	Method string

	// Code, RawCode and Message are only meaningful for KindRPC
	Code    RPCCode
	RawCode int
	Message string

	// Err is the underlying cause, if any
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindConnect:
		return fmt.Sprintf("failed to connect to %s: %v", e.Socket, e.Err)
	case KindRPC:
		return fmt.Sprintf("json-rpc method %s failed: %s (%s, code %d)", e.Method, e.Message, e.Code, e.RawCode)
	default:
		if e.Err != nil {
			return fmt.Sprintf("json-rpc method %s: %s: %v", e.Method, e.Kind, e.Err)
		}
		return fmt.Sprintf("json-rpc method %s: %s", e.Method, e.Kind)
	}
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// GRPCStatus lets status.FromError and status.Code see through json-rpc errors
func (e *Error) GRPCStatus() *status.Status {
	code := codes.Internal
	if e.Kind == KindRPC {
		switch e.Code {
		case CodeNotFound:
			code = codes.NotFound
		case CodeAlreadyExists:
			code = codes.AlreadyExists
		case CodeInvalidParams:
			code = codes.InvalidArgument
		}
	}
	return status.New(code, e.Error())
}

// mapCode translates a numeric error code from the wire into an RPCCode.
// Engine errors are negative errno values; anything unrecognized is logged
// and reported as an internal error.
func mapCode(code int) RPCCode {
	switch code {
	case reservedParseError:
		return CodeParseError
	case reservedInvalidRequest:
		return CodeInvalidRequest
	case reservedMethodNotFound:
		return CodeMethodNotFound
	case reservedInvalidParams:
		return CodeInvalidParams
	case reservedInternalError:
		return CodeInternalError
	case -int(unix.ENOENT):
		return CodeNotFound
	case -int(unix.EEXIST):
		return CodeAlreadyExists
	default:
		klog.Errorf("Unknown json-rpc error code %d", code)
		return CodeInternalError
	}
}

// KindOf returns the Kind of err and whether err is a json-rpc error at all
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsRPCCode reports whether err is an engine error with the given code
func IsRPCCode(err error, code RPCCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindRPC && e.Code == code
}

// IsNotFound reports whether the engine answered "no such entry"
func IsNotFound(err error) bool {
	return IsRPCCode(err, CodeNotFound)
}

// IsAlreadyExists reports whether the engine answered "already exists"
func IsAlreadyExists(err error) bool {
	return IsRPCCode(err, CodeAlreadyExists)
}

// IsTransportError reports whether err happened below the application layer,
// i.e. the engine could not be reached or did not answer coherently
func IsTransportError(err error) bool {
	kind, ok := KindOf(err)
	return ok && (kind == KindConnect || kind == KindIO)
}
