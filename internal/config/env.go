// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/voxpipe/voxpipe/internal/log"
)

// ParseString reads a string from an environment variable or returns the default.
func ParseString(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return defaultValue
}

// ParseInt reads an integer from an environment variable or returns the default.
// Falls back to the default on parse errors.
func ParseInt(key string, defaultValue int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
		warnInvalidEnv(key, v, "invalid integer in environment, using default")
	}
	return defaultValue
}

// ParseInt64 reads an int64 from an environment variable or returns the default.
func ParseInt64(key string, defaultValue int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
		warnInvalidEnv(key, v, "invalid integer in environment, using default")
	}
	return defaultValue
}

// ParseBool reads a boolean from an environment variable or returns the default.
func ParseBool(key string, defaultValue bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		warnInvalidEnv(key, v, "invalid boolean in environment, using default")
	}
	return defaultValue
}

// ParseDuration reads a duration (Go syntax, e.g. "30s") from an environment
// variable or returns the default.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		warnInvalidEnv(key, v, "invalid duration in environment, using default")
	}
	return defaultValue
}

func warnInvalidEnv(key, value, msg string) {
	logger := log.WithComponent("config")
	logger.Warn().
		Str("key", key).
		Str("value", value).
		Msg(msg)
}
