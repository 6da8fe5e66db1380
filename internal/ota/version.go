package ota

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxVersionLength guards against corrupted or hostile revision strings
const maxVersionLength = 16

var versionPattern = regexp.MustCompile(`^\d{1,2}(\.\d{1,4})+$`)

// ParseVersionString validates a firmware revision string read from the
// device and returns it in normalized form ("V4.3" becomes "4.3")
func ParseVersionString(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty revision string")
	}

	if !utf8.Valid(raw) {
		return "", fmt.Errorf("revision string is not valid UTF-8")
	}

	s := strings.TrimSpace(strings.TrimRight(string(raw), "\x00"))
	if s == "" {
		return "", fmt.Errorf("empty revision string")
	}

	if len(s) > maxVersionLength {
		return "", fmt.Errorf("revision string too long: %d chars", len(s))
	}

	if s[0] == 'v' || s[0] == 'V' {
		s = s[1:]
	}

	if !versionPattern.MatchString(s) {
		return "", fmt.Errorf("revision string %q does not look like a version", s)
	}

	return s, nil
}
