// Package util provides environment variable parsing helpers shared across components.
package util

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseBoolEnv parses a boolean environment variable with a default value.
// Accepts: true/1/yes/on and false/0/no/off (case-insensitive). Invalid values return default.
func ParseBoolEnv(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		slog.Warn("ParseBoolEnv: invalid boolean value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
}

// ParseIntEnv parses an integer environment variable. An unset variable yields
// defaultValue; a malformed one is an error so misconfiguration is not masked.
func ParseIntEnv(key string, defaultValue int) (int, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid integer %q", key, val)
	}
	return n, nil
}

// ParseFloatEnv parses a floating point environment variable.
func ParseFloatEnv(key string, defaultValue float64) (float64, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid number %q", key, val)
	}
	return f, nil
}

// ParseSecondsEnv parses a duration given in whole seconds.
func ParseSecondsEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid seconds value %q", key, val)
	}
	return time.Duration(n) * time.Second, nil
}

// ParseDurationEnv parses a Go duration string ("24h", "90m"). A bare integer is
// read as seconds.
func ParseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue, nil
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid duration %q", key, val)
	}
	return d, nil
}

// ParseListEnv splits a comma separated environment variable, trimming
// whitespace and dropping empty items.
func ParseListEnv(key string) []string {
	return SplitList(os.Getenv(key))
}

// SplitList splits s on commas, trimming whitespace and dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
