package util

import "strings"

// SafeTruncate returns at most the first maxLen bytes of s. Handles are logged through
// it so that only a prefix ever reaches the logs. A negative maxLen yields "".
func SafeTruncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so "https://id.example.com/" and
// "https://id.example.com" yield the same issuer.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
