// Package tools holds small helpers shared by the command packages.
package tools

import (
	"os"
	"strconv"
	"strings"
)

// GetenvDefault returns the trimmed value of key, or defaultValue when it is
// unset or blank.
func GetenvDefault(key string, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// GetenvBool parses key with strconv.ParseBool. Unset or unparsable values
// yield defaultValue.
func GetenvBool(key string, defaultValue bool) bool {
	value := GetenvDefault(key, "")
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
