package env

import "os"

// First returns the first non-empty value among keys, or fallback when every
// key is unset or blank.
func First(fallback string, keys ...string) string {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return fallback
}
