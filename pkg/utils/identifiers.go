package utils

import "strings"

// SanitizeIdentifier makes an identifier safe for filesystem paths.
// Branch names like "feature/login-form" and model IDs like "claude:sonnet"
// are the usual offenders.
func SanitizeIdentifier(id string) string {
	sanitized := strings.ReplaceAll(id, ":", "-")

	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	sanitized = strings.ReplaceAll(sanitized, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, "\\", "-")

	return sanitized
}
