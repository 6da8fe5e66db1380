package firmware

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atc-ota/atc-ota-server/internal/config"
	"github.com/atc-ota/atc-ota-server/internal/models"
)

// Common errors
var (
	ErrDownloadFailed  = errors.New("download failed")
	ErrSizeOutOfBounds = errors.New("firmware size out of bounds")
	ErrDigestMismatch  = errors.New("firmware digest mismatch")
)

// Fetcher downloads and validates firmware binaries. Fetched artifacts
// are cached per download URL within a freshness window, so repeated
// flash attempts of the same release reuse the payload.
type Fetcher struct {
	client  *http.Client
	minSize int64
	maxSize int64
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]*models.FirmwareArtifact
}

// NewFetcher creates a firmware fetcher
func NewFetcher(cfg config.FirmwareConfig) *Fetcher {
	return &Fetcher{
		client:  &http.Client{Timeout: cfg.DownloadTimeout},
		minSize: cfg.MinSize,
		maxSize: cfg.MaxSize,
		ttl:     cfg.ArtifactTTL,
		cache:   make(map[string]*models.FirmwareArtifact),
	}
}

// Fetch downloads the release binary, validates its size against the
// configured bounds and verifies the declared digest if the release
// carries one. The bounds exist because a misconfigured URL returning
// an error page or an empty body must never be treated as firmware.
func (f *Fetcher) Fetch(ctx context.Context, release *models.FirmwareRelease) (*models.FirmwareArtifact, error) {
	f.mu.Lock()
	if artifact, ok := f.cache[release.DownloadURL]; ok && time.Since(artifact.FetchedAt) < f.ttl {
		f.mu.Unlock()
		return artifact, nil
	}
	f.mu.Unlock()

	data, err := f.download(ctx, release.DownloadURL)
	if err != nil {
		return nil, err
	}

	if err := f.verifyDigest(data, release); err != nil {
		return nil, err
	}

	artifact := &models.FirmwareArtifact{
		Release:   release,
		Data:      data,
		FetchedAt: time.Now(),
	}

	f.mu.Lock()
	f.cache[release.DownloadURL] = artifact
	f.mu.Unlock()

	log.Info().
		Str("version", release.Version).
		Int("size", len(data)).
		Msg("Firmware downloaded")

	return artifact, nil
}

// download streams the binary and enforces the size bounds
func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	// Firmware travels over HTTPS only
	if !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("%w: refusing non-HTTPS URL %s", ErrDownloadFailed, url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrDownloadFailed, resp.StatusCode)
	}

	// Read at most one byte past the upper bound so oversized payloads
	// abort without buffering the whole body
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	size := int64(len(data))
	if size > f.maxSize {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrSizeOutOfBounds, f.maxSize)
	}
	if size < f.minSize {
		return nil, fmt.Errorf("%w: %d bytes, minimum %d", ErrSizeOutOfBounds, size, f.minSize)
	}

	return data, nil
}

// verifyDigest checks the payload against the release's declared digest.
// Fails closed on mismatch. A missing digest is accepted but logged as
// an integrity gap; weak digest types are rejected outright.
func (f *Fetcher) verifyDigest(data []byte, release *models.FirmwareRelease) error {
	if release.Checksum == "" {
		log.Warn().
			Str("version", release.Version).
			Str("source", string(release.Source)).
			Msg("Release declares no digest, firmware integrity cannot be verified")
		return nil
	}

	var computed string
	switch strings.ToLower(release.ChecksumType) {
	case "sha256":
		sum := sha256.Sum256(data)
		computed = hex.EncodeToString(sum[:])
	case "sha512":
		sum := sha512.Sum512(data)
		computed = hex.EncodeToString(sum[:])
	case "md5", "sha1":
		return fmt.Errorf("%w: %s is cryptographically broken", ErrDigestMismatch, release.ChecksumType)
	default:
		return fmt.Errorf("%w: unsupported digest type %s", ErrDigestMismatch, release.ChecksumType)
	}

	if !strings.EqualFold(computed, release.Checksum) {
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, release.Checksum, computed)
	}

	return nil
}
