package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/atc-ota/atc-ota-server/internal/config"
	"github.com/atc-ota/atc-ota-server/internal/models"
)

const defaultBaseURL = "https://api.github.com"

// Resolver resolves firmware releases from the upstream GitHub catalogs.
// Lookups are cached per (source, pin) for a bounded interval and
// deduplicated while in flight, so concurrent checks for the same source
// never issue more than one catalog call.
type Resolver struct {
	client   *http.Client
	baseURL  string
	cacheTTL time.Duration

	backoffBase    time.Duration
	backoffCeiling time.Duration

	now func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	cache  map[cacheKey]cacheEntry
	limits map[models.FirmwareSource]*limitState
}

type cacheKey struct {
	source models.FirmwareSource
	pin    string
}

type cacheEntry struct {
	release   *models.FirmwareRelease
	fetchedAt time.Time
}

// limitState tracks the rate-limit backoff per source
type limitState struct {
	until    time.Time
	failures int
}

// NewResolver creates a release resolver
func NewResolver(cfg config.FirmwareConfig, cacheTTL time.Duration) *Resolver {
	return &Resolver{
		client:         &http.Client{Timeout: cfg.CatalogTimeout},
		baseURL:        defaultBaseURL,
		cacheTTL:       cacheTTL,
		backoffBase:    cfg.BackoffBase,
		backoffCeiling: cfg.BackoffCeiling,
		now:            time.Now,
		cache:          make(map[cacheKey]cacheEntry),
		limits:         make(map[models.FirmwareSource]*limitState),
	}
}

// Resolve returns the latest release for the source, or the release
// matching the pinned version tag when pin is non-empty. A pinned tag is
// always an exact-match request, never "latest"; it is sent to the
// catalog verbatim, with one retry on the alternate v-prefix form when
// the exact tag is missing.
func (r *Resolver) Resolve(ctx context.Context, source models.FirmwareSource, pin string) (*models.FirmwareRelease, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("unknown firmware source: %s", source)
	}

	key := cacheKey{source: source, pin: pin}

	r.mu.Lock()
	if ls, ok := r.limits[source]; ok && r.now().Before(ls.until) {
		until := ls.until
		r.mu.Unlock()
		return nil, &RateLimitedError{Until: until}
	}
	if entry, ok := r.cache[key]; ok && r.now().Sub(entry.fetchedAt) < r.cacheTTL {
		r.mu.Unlock()
		return entry.release, nil
	}
	r.mu.Unlock()

	// Concurrent requests for the same lookup await the in-flight
	// result instead of issuing a duplicate catalog call.
	v, err, _ := r.group.Do(string(source)+"\x00"+pin, func() (interface{}, error) {
		r.mu.Lock()
		if entry, ok := r.cache[key]; ok && r.now().Sub(entry.fetchedAt) < r.cacheTTL {
			r.mu.Unlock()
			return entry.release, nil
		}
		r.mu.Unlock()

		release, err := r.fetch(ctx, source, pin)
		if pin != "" && errors.Is(err, ErrVersionNotFound) {
			// upstream releases carry the v prefix inconsistently
			if alt := alternateTag(pin); alt != pin {
				if altRelease, altErr := r.fetch(ctx, source, alt); altErr == nil {
					release, err = altRelease, nil
				}
			}
		}
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.cache[key] = cacheEntry{release: release, fetchedAt: r.now()}
		r.mu.Unlock()

		return release, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*models.FirmwareRelease), nil
}

// fetch performs the catalog request and parses the release
func (r *Resolver) fetch(ctx context.Context, source models.FirmwareSource, pin string) (*models.FirmwareRelease, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", r.baseURL, source.Repo())
	if pin != "" {
		url = fmt.Sprintf("%s/repos/%s/releases/tags/%s", r.baseURL, source.Repo(), pin)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s has no release %q", ErrVersionNotFound, source.Repo(), pin)

	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		until := r.recordRateLimit(source, resp)
		log.Warn().
			Str("source", string(source)).
			Int("status", resp.StatusCode).
			Time("until", until).
			Msg("Catalog rate limit hit")
		return nil, &RateLimitedError{Until: until}

	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrCatalogUnavailable, resp.StatusCode)
	}

	r.mu.Lock()
	delete(r.limits, source)
	r.mu.Unlock()

	var rel githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("%w: decode release: %v", ErrCatalogUnavailable, err)
	}

	return r.buildRelease(source, &rel)
}

// recordRateLimit computes and stores the next-allowed-call deadline.
// The catalog's Retry-After hint wins; without one an exponential
// backoff applies, capped at the configured ceiling.
func (r *Resolver) recordRateLimit(source models.FirmwareSource, resp *http.Response) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	ls, ok := r.limits[source]
	if !ok {
		ls = &limitState{}
		r.limits[source] = ls
	}

	var wait time.Duration
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
	}

	if wait == 0 {
		wait = r.backoffBase << uint(ls.failures)
		if wait > r.backoffCeiling {
			wait = r.backoffCeiling
		}
	}

	ls.failures++
	ls.until = r.now().Add(wait)
	return ls.until
}

// githubRelease mirrors the fields used from the GitHub release API
type githubRelease struct {
	TagName     string `json:"tag_name"`
	HTMLURL     string `json:"html_url"`
	Body        string `json:"body"`
	PublishedAt string `json:"published_at"`
	Assets      []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
		Size               int64  `json:"size"`
	} `json:"assets"`
}

// buildRelease selects the firmware asset and assembles the release
func (r *Resolver) buildRelease(source models.FirmwareSource, rel *githubRelease) (*models.FirmwareRelease, error) {
	pattern, err := regexp.Compile(source.AssetPattern())
	if err != nil {
		return nil, fmt.Errorf("asset pattern for %s: %w", source, err)
	}

	release := &models.FirmwareRelease{
		Source:       source,
		Version:      rel.TagName,
		ReleaseURL:   rel.HTMLURL,
		ReleaseNotes: rel.Body,
	}

	for _, asset := range rel.Assets {
		if pattern.MatchString(asset.Name) {
			release.AssetName = asset.Name
			release.DownloadURL = asset.BrowserDownloadURL
			if asset.Size > 0 {
				size := asset.Size
				release.Size = &size
			}
			break
		}
	}

	if release.DownloadURL == "" {
		return nil, fmt.Errorf("%w: no firmware asset matched in release %s", ErrVersionNotFound, rel.TagName)
	}

	if ts, err := time.Parse(time.RFC3339, rel.PublishedAt); err == nil {
		release.PublishedAt = &ts
	}

	release.Checksum, release.ChecksumType = ParseChecksum(rel.Body, release.AssetName)
	if release.Checksum == "" {
		log.Debug().
			Str("source", string(source)).
			Str("version", release.Version).
			Msg("Release declares no checksum, integrity verified by size only")
	}

	return release, nil
}
