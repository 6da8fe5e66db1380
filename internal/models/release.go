package models

import (
	"time"
)

// FirmwareRelease describes one published firmware build for a source.
// Immutable once fetched from the catalog.
type FirmwareRelease struct {
	Source      FirmwareSource `json:"source"`
	Version     string         `json:"version"`
	AssetName   string         `json:"assetName"`
	DownloadURL string         `json:"downloadUrl"`
	ReleaseURL  string         `json:"releaseUrl"`

	ReleaseNotes string     `json:"releaseNotes,omitempty"`
	PublishedAt  *time.Time `json:"publishedAt,omitempty"`

	// Size is the byte size declared by the catalog, if any
	Size *int64 `json:"size,omitempty"`

	// Checksum is a content digest parsed from the release notes, if
	// the publisher declared one. ChecksumType is "sha256" or "sha512".
	Checksum     string `json:"checksum,omitempty"`
	ChecksumType string `json:"checksumType,omitempty"`
}

// FirmwareArtifact is a downloaded and validated firmware binary.
// It is owned by a single in-flight flash attempt.
type FirmwareArtifact struct {
	Release   *FirmwareRelease
	Data      []byte
	FetchedAt time.Time
}

// Len returns the payload length in bytes
func (a *FirmwareArtifact) Len() int {
	return len(a.Data)
}
