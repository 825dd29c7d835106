package utils

import (
	"strings"
)

// TruncateString truncates a string to the specified length
func TruncateString(str string, length int) string {
	if len(str) <= length {
		return str
	}
	if length <= 3 {
		return str[:length]
	}
	return str[:length-3] + "..."
}

// IsValidEmail checks if an email address is valid
func IsValidEmail(email string) bool {
	// Simple validation: one @ and at least one dot after it
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || strings.ContainsAny(email, " \t\r\n") {
		return false
	}

	domainParts := strings.Split(parts[1], ".")
	return len(domainParts) >= 2 && domainParts[0] != "" && domainParts[len(domainParts)-1] != ""
}
