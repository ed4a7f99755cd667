// Package mock provides an environment-configurable mock storage engine for testing.
//
// The engine speaks JSON-RPC 2.0 on a UNIX socket with the same framing as the
// real one: it only replies once the client has closed its write side.
//
// Environment Variables:
//
// Timing Control:
//   - MOCK_ENGINE_REALISTIC_TIMING: Enable realistic timing simulation (default: false)
//   - MOCK_ENGINE_CALL_LATENCY_MS: Latency added to every call in ms (default: 5)
//   - MOCK_ENGINE_ATTACH_DELAY_MS: Extra delay before an attached device reports its size (default: 200)
//
// Error Injection:
//   - MOCK_ENGINE_ERROR_MODE: Error injection mode (none|no_device|busy|unknown_code)
//   - MOCK_ENGINE_ERROR_AFTER_N: Fail after N operations (default: 0 = immediate)
//
// Observability:
//   - MOCK_ENGINE_ENABLE_HISTORY: Enable call history tracking (default: true)
//   - MOCK_ENGINE_HISTORY_DEPTH: Maximum history entries (default: 100)
package mock

import (
	"os"
	"strconv"
)

// MockEngineConfig holds configuration for mock engine behavior
type MockEngineConfig struct {
	// Timing control
	RealisticTiming bool // MOCK_ENGINE_REALISTIC_TIMING (default: false)
	CallLatencyMs   int  // MOCK_ENGINE_CALL_LATENCY_MS (default: 5)
	AttachDelayMs   int  // MOCK_ENGINE_ATTACH_DELAY_MS (default: 200)

	// Error injection
	ErrorMode   string // MOCK_ENGINE_ERROR_MODE (none|no_device|busy|unknown_code)
	ErrorAfterN int    // MOCK_ENGINE_ERROR_AFTER_N (fail after N operations, default: 0 = immediate)

	// Observability
	EnableHistory bool // MOCK_ENGINE_ENABLE_HISTORY (default: true)
	HistoryDepth  int  // MOCK_ENGINE_HISTORY_DEPTH (default: 100)
}

// LoadConfigFromEnv loads mock engine configuration from environment variables
func LoadConfigFromEnv() MockEngineConfig {
	return MockEngineConfig{
		RealisticTiming: getEnvBool("MOCK_ENGINE_REALISTIC_TIMING", false),
		CallLatencyMs:   getEnvInt("MOCK_ENGINE_CALL_LATENCY_MS", 5),
		AttachDelayMs:   getEnvInt("MOCK_ENGINE_ATTACH_DELAY_MS", 200),
		ErrorMode:       getEnvString("MOCK_ENGINE_ERROR_MODE", "none"),
		ErrorAfterN:     getEnvInt("MOCK_ENGINE_ERROR_AFTER_N", 0),
		EnableHistory:   getEnvBool("MOCK_ENGINE_ENABLE_HISTORY", true),
		HistoryDepth:    getEnvInt("MOCK_ENGINE_HISTORY_DEPTH", 100),
	}
}

// getEnvBool reads a boolean environment variable with a default value
func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val == "true" || val == "1" || val == "yes"
}

// getEnvInt reads an integer environment variable with a default value
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

// getEnvString reads a string environment variable with a default value
func getEnvString(key string, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}
