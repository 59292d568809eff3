// Package auth provides shared-secret token validation and the HTTP
// authentication middleware for the gateway.
package auth

import "crypto/subtle"

// ValidateToken performs timing-safe comparison of the provided token
// against the expected token. An empty expected token never matches.
func ValidateToken(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
