package util

import (
	"html"
	"strings"
)

// SanitizeInput trims and escapes HTML/script-like characters. Applied to
// free-text fields (blacklist reasons, OTP purposes) before persistence.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsSuspicious flags obvious injection payloads in caller-supplied text
func ContainsSuspicious(s string) bool {
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	lower := strings.ToLower(s)
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
