package catalog

import (
	"strconv"
	"strings"
)

// NormalizeVersion strips a leading v/V prefix and surrounding whitespace
func NormalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 0 && (v[0] == 'v' || v[0] == 'V') {
		v = v[1:]
	}
	return v
}

// alternateTag returns the other prefix form of a release tag, so a
// pin can match whichever form the publisher tagged with
func alternateTag(tag string) string {
	if len(tag) > 0 && (tag[0] == 'v' || tag[0] == 'V') {
		return tag[1:]
	}
	return "v" + tag
}

// IsNumericVersion reports whether the tag consists of dot-separated
// numeric components (after prefix stripping). Named pre-release tags
// are not numeric and are only ever resolved as exact pins.
func IsNumericVersion(v string) bool {
	v = NormalizeVersion(v)
	if v == "" {
		return false
	}
	for _, part := range strings.Split(v, ".") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

// CompareVersions compares two version tags. Numeric dot-separated
// components compare numerically component-by-component, so "4.10"
// ranks above "4.5". Non-numeric components fall back to a string
// comparison. Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	as := strings.Split(NormalizeVersion(a), ".")
	bs := strings.Split(NormalizeVersion(b), ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}

	for i := 0; i < n; i++ {
		var ap, bp string
		if i < len(as) {
			ap = as[i]
		}
		if i < len(bs) {
			bp = bs[i]
		}

		an, aerr := strconv.Atoi(ap)
		bn, berr := strconv.Atoi(bp)

		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		case aerr == nil:
			// numeric components rank above named ones
			return 1
		case berr == nil:
			return -1
		default:
			if c := strings.Compare(ap, bp); c != 0 {
				return c
			}
		}
	}

	return 0
}

// IsNewer reports whether candidate is strictly newer than current
func IsNewer(candidate, current string) bool {
	return CompareVersions(candidate, current) > 0
}
