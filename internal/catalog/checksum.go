package catalog

import (
	"fmt"
	"regexp"
	"strings"
)

// ParseChecksum scans GitHub release notes for a digest covering the
// given firmware asset. Publishers use a few common layouts:
//
//	<64 hex chars> <filename>
//	SHA256(<filename>)= <hash>
//	<128 hex chars> <filename>
//
// Returns the digest and its type ("sha256" or "sha512"), or empty
// strings when the notes declare none. A missing digest is not an
// error; not all catalogs publish one.
func ParseChecksum(notes, assetName string) (checksum, checksumType string) {
	if notes == "" || assetName == "" {
		return "", ""
	}

	quoted := regexp.QuoteMeta(assetName)

	// the 128-hex form is tried first so a sha512 digest is never
	// misread as the sha256 form matching its tail
	patterns := []struct {
		re  *regexp.Regexp
		typ string
	}{
		{regexp.MustCompile(fmt.Sprintf(`(?:^|[^a-fA-F0-9])([a-fA-F0-9]{128})\s+%s`, quoted)), "sha512"},
		{regexp.MustCompile(fmt.Sprintf(`(?:^|[^a-fA-F0-9])([a-fA-F0-9]{64})\s+%s`, quoted)), "sha256"},
		{regexp.MustCompile(fmt.Sprintf(`(?i)SHA256\s*\(\s*%s\s*\)\s*=\s*([a-fA-F0-9]{64})`, quoted)), "sha256"},
	}

	for _, p := range patterns {
		if m := p.re.FindStringSubmatch(notes); m != nil {
			return strings.ToLower(m[1]), p.typ
		}
	}

	return "", ""
}
