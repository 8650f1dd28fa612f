package utils

import "os"

// ParseWithFallback reads an environment variable, falling back to a default
// when it is unset or empty.
func ParseWithFallback(envName string, fallback string) string {
	result := os.Getenv(envName)
	if result == "" {
		result = fallback
	}

	return result
}
