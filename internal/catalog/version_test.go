package catalog

import "testing"

func TestNormalizeVersion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"v4.5", "4.5"},
		{"V4.5", "4.5"},
		{"4.5", "4.5"},
		{"  v4.5 ", "4.5"},
		{"", ""},
		{"v", ""},
	}

	for _, tt := range tests {
		if got := NormalizeVersion(tt.in); got != tt.want {
			t.Errorf("NormalizeVersion(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsNumericVersion(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"4.5", true},
		{"v4.5", true},
		{"4.10.2", true},
		{"4", true},
		{"4.5-beta", false},
		{"beta", false},
		{"4..5", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsNumericVersion(tt.in); got != tt.want {
			t.Errorf("IsNumericVersion(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"4.5", "4.5", 0},
		{"v4.5", "4.5", 0},
		{"4.6", "4.5", 1},
		{"4.5", "4.6", -1},
		// numeric comparison, not lexicographic
		{"4.10", "4.5", 1},
		{"4.5", "4.10", -1},
		{"5.0", "4.99", 1},
		// differing component counts
		{"4.5.1", "4.5", 1},
		{"4.5", "4.5.1", -1},
		// numeric ranks above named
		{"4.5", "4.x", 1},
		{"4.x", "4.5", -1},
		// named components compare as strings
		{"4.beta", "4.alpha", 1},
	}

	for _, tt := range tests {
		if got := CompareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestIsNewer(t *testing.T) {
	if !IsNewer("4.10", "4.5") {
		t.Error("4.10 should be newer than 4.5")
	}
	if IsNewer("4.5", "4.5") {
		t.Error("equal versions are not newer")
	}
	if IsNewer("4.4", "4.5") {
		t.Error("4.4 is not newer than 4.5")
	}
}
