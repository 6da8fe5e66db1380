package models

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// MACAddress represents a 48-bit BLE link-layer address
type MACAddress [6]byte

// ParseMAC parses a MAC address in any common notation (colons, dashes,
// dots or bare hex) and normalizes it.
func ParseMAC(s string) (MACAddress, error) {
	var mac MACAddress

	clean := strings.NewReplacer(":", "", "-", "", ".", "").Replace(s)
	if len(clean) != 12 {
		return mac, fmt.Errorf("invalid MAC address length: %s", s)
	}

	b, err := hex.DecodeString(clean)
	if err != nil {
		return mac, fmt.Errorf("invalid MAC address: %s", s)
	}

	copy(mac[:], b)
	return mac, nil
}

// String returns the canonical lower-case colon-delimited form
func (m MACAddress) String() string {
	parts := make([]string, len(m))
	for i, b := range m {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, ":")
}

// Compact returns the address as 12 bare hex characters
func (m MACAddress) Compact() string {
	return hex.EncodeToString(m[:])
}

// MarshalJSON implements json.Marshaler
func (m MACAddress) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (m *MACAddress) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid MAC address format")
	}

	mac, err := ParseMAC(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}

	*m = mac
	return nil
}

// Value implements driver.Valuer
func (m MACAddress) Value() (driver.Value, error) {
	return m[:], nil
}

// Scan implements sql.Scanner
func (m *MACAddress) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case []byte:
		if len(v) != 6 {
			return fmt.Errorf("invalid MAC address length")
		}
		copy(m[:], v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into MACAddress", value)
	}
}

// FirmwareSource identifies an upstream firmware provider. Each source
// carries its own release catalog and binary naming convention; the
// source is selected once per device and threaded explicitly through
// the resolver, fetcher and flasher.
type FirmwareSource string

const (
	SourcePVVX    FirmwareSource = "pvvx"
	SourceATC1441 FirmwareSource = "atc1441"
)

// Valid reports whether the source is a known provider
func (s FirmwareSource) Valid() bool {
	switch s {
	case SourcePVVX, SourceATC1441:
		return true
	}
	return false
}

// Repo returns the GitHub repository hosting the source's releases
func (s FirmwareSource) Repo() string {
	switch s {
	case SourcePVVX:
		return "pvvx/ATC_MiThermometer"
	case SourceATC1441:
		return "atc1441/ATC_MiThermometer"
	}
	return ""
}

// DisplayName returns a human-readable name for the source
func (s FirmwareSource) DisplayName() string {
	switch s {
	case SourcePVVX:
		return "pvvx (Most Active)"
	case SourceATC1441:
		return "atc1441 (Original)"
	}
	return "Unknown"
}

// AssetPattern returns the regexp a release asset name must match to be
// accepted as the firmware binary for this source
func (s FirmwareSource) AssetPattern() string {
	switch s {
	case SourcePVVX:
		return `^ATC_.*\.bin$`
	case SourceATC1441:
		return `.*\.bin$`
	}
	return ""
}

// DeviceState represents the update lifecycle state of a device
type DeviceState string

const (
	DeviceStateUnknown         DeviceState = "UNKNOWN"
	DeviceStateUpToDate        DeviceState = "UP_TO_DATE"
	DeviceStateUpdateAvailable DeviceState = "UPDATE_AVAILABLE"
	DeviceStateFlashing        DeviceState = "FLASHING"
	DeviceStateFlashFailed     DeviceState = "FLASH_FAILED"
)

// Device represents a managed BLE sensor device
type Device struct {
	MAC       MACAddress `json:"mac" db:"mac"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time  `json:"updatedAt" db:"updated_at"`

	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`

	// Firmware tracking
	Source           FirmwareSource `json:"source" db:"source"`
	CurrentVersion   *string        `json:"currentVersion,omitempty" db:"current_version"`
	AvailableVersion *string        `json:"availableVersion,omitempty" db:"available_version"`
	PinnedVersion    *string        `json:"pinnedVersion,omitempty" db:"pinned_version"`

	State         DeviceState `json:"state" db:"state"`
	LastError     *string     `json:"lastError,omitempty" db:"last_error"`
	LastCheckedAt *time.Time  `json:"lastCheckedAt,omitempty" db:"last_checked_at"`

	IsDisabled bool `json:"isDisabled" db:"is_disabled"`
}
