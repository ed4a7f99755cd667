package mock

import (
	"sync"

	"k8s.io/klog/v2"
)

// ErrorMode defines the type of error to inject
type ErrorMode int

const (
	// ErrorModeNone indicates no error injection
	ErrorModeNone ErrorMode = iota
	// ErrorModeNoDevice makes bdev lookups answer -ENOENT
	ErrorModeNoDevice
	// ErrorModeBusy makes device attach answer -EEXIST
	ErrorModeBusy
	// ErrorModeUnknownCode answers every call with an error code outside the known set
	ErrorModeUnknownCode
)

// Error codes the mock answers with
const (
	codeNoEntry     = -2
	codeExists      = -17
	codeUnknown     = -1000
	codeNoMethod    = -32601
	codeBadParams   = -32602
	codeParseFailed = -32700
)

// ErrorInjector manages error injection for testing
type ErrorInjector struct {
	mode         ErrorMode
	operationNum int
	triggerAfter int
	mu           sync.Mutex // Protect operation counter
}

// NewErrorInjector creates a new error injector from configuration
func NewErrorInjector(config MockEngineConfig) *ErrorInjector {
	mode := ParseErrorMode(config.ErrorMode)
	return &ErrorInjector{
		mode:         mode,
		triggerAfter: config.ErrorAfterN,
	}
}

// ParseErrorMode converts string error mode to ErrorMode constant
func ParseErrorMode(s string) ErrorMode {
	switch s {
	case "no_device":
		return ErrorModeNoDevice
	case "busy":
		return ErrorModeBusy
	case "unknown_code":
		return ErrorModeUnknownCode
	case "none", "":
		return ErrorModeNone
	default:
		klog.Warningf("Unknown error mode %q, using none", s)
		return ErrorModeNone
	}
}

// SetMode switches the injected error and restarts counting (test helper)
func (e *ErrorInjector) SetMode(mode ErrorMode, triggerAfter int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
	e.triggerAfter = triggerAfter
	e.operationNum = 0
}

// ShouldFail returns the error code to answer method with, or 0
func (e *ErrorInjector) ShouldFail(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var code int
	switch {
	case e.mode == ErrorModeUnknownCode:
		code = codeUnknown
	case e.mode == ErrorModeNoDevice && method == "get_bdevs":
		code = codeNoEntry
	case e.mode == ErrorModeBusy && method == "start_nbd_disk":
		code = codeExists
	default:
		return 0
	}

	e.operationNum++
	if e.operationNum <= e.triggerAfter {
		return 0
	}
	return code
}

// Reset resets the operation counter for test isolation
func (e *ErrorInjector) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.operationNum = 0
}
