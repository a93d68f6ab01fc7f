// Package syntax checks OAuth and OpenID Connect parameter values against the character
// classes of RFC 6749 Appendix A and RFC 7636, and reads single-valued parameters out of
// request multimaps.
package syntax

import (
	"errors"
	"net/url"
	"strings"
)

var (
	// ErrMultipleValues is returned when a parameter that must appear once appears more often
	ErrMultipleValues = errors.New("parameter has multiple values")

	// ErrTooLong is returned when a parameter exceeds its maximum length
	ErrTooLong = errors.New("parameter is too long")

	// ErrInvalidCharacters is returned when a parameter contains characters outside its class
	ErrInvalidCharacters = errors.New("parameter contains invalid characters")
)

// Single reads a parameter that may appear at most once. An empty value is treated as
// absent. maxLength <= 0 disables the length check.
func Single(params url.Values, name string, maxLength int) Result[string] {
	values, ok := params[name]
	if !ok || len(values) == 0 {
		return Absent[string]()
	}
	if len(values) > 1 {
		return Failed[string](ErrMultipleValues)
	}
	value := values[0]
	if value == "" {
		return Absent[string]()
	}
	if maxLength > 0 && len(value) > maxLength {
		return Failed[string](ErrTooLong)
	}
	return Value(value)
}

// IsVSChar reports whether s is non-empty and made of %x20-7E (state, nonce, client_id)
func IsVSChar(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// IsNQChar reports whether c belongs to NQCHAR: %x21 / %x23-5B / %x5D-7E
func IsNQChar(c byte) bool {
	return c == 0x21 || (c >= 0x23 && c <= 0x5b) || (c >= 0x5d && c <= 0x7e)
}

// IsScopeToken reports whether s is a single non-empty scope-token
func IsScopeToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !IsNQChar(s[i]) {
			return false
		}
	}
	return true
}

// ParseScope splits a scope parameter into its tokens. Tokens are separated by exactly
// one space; leading, trailing and doubled spaces are rejected. Duplicates are removed
// while the first-seen order is kept.
func ParseScope(scope string) ([]string, error) {
	if scope == "" {
		return nil, ErrInvalidCharacters
	}
	parts := strings.Split(scope, " ")
	seen := make(map[string]struct{}, len(parts))
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if !IsScopeToken(part) {
			return nil, ErrInvalidCharacters
		}
		if _, dup := seen[part]; dup {
			continue
		}
		seen[part] = struct{}{}
		result = append(result, part)
	}
	return result, nil
}

// IsUnreserved reports whether c is an RFC 3986 unreserved character
func IsUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

// IsCodeVerifier reports whether s is a valid PKCE code_verifier (43-128 unreserved chars).
// A plain code_challenge has the same syntax.
func IsCodeVerifier(s string) bool {
	if len(s) < 43 || len(s) > 128 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !IsUnreserved(s[i]) {
			return false
		}
	}
	return true
}

// IsS256CodeChallenge reports whether s is a base64url encoded SHA-256 digest without padding
func IsS256CodeChallenge(s string) bool {
	return len(s) == 43 && IsBase64URL(s)
}

// IsBase64URL reports whether s is non-empty and uses only the base64url alphabet (no padding)
func IsBase64URL(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_') {
			return false
		}
	}
	return true
}

// IsHex reports whether s is non-empty lower or upper case hexadecimal
func IsHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// IsToken68 reports whether s matches the RFC 7235 token68 production used by the
// Basic authentication scheme: 1*( ALPHA / DIGIT / "-" / "." / "_" / "~" / "+" / "/" ) *"="
func IsToken68(s string) bool {
	if s == "" {
		return false
	}
	i := 0
	for ; i < len(s); i++ {
		c := s[i]
		if IsUnreserved(c) || c == '+' || c == '/' {
			continue
		}
		break
	}
	if i == 0 {
		return false
	}
	for ; i < len(s); i++ {
		if s[i] != '=' {
			return false
		}
	}
	return true
}
