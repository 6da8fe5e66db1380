package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atc-ota/atc-ota-server/internal/config"
	"github.com/atc-ota/atc-ota-server/internal/models"
)

func testResolver(t *testing.T, handler http.Handler) (*Resolver, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	r := NewResolver(config.FirmwareConfig{
		CatalogTimeout: 5 * time.Second,
		BackoffBase:    2 * time.Second,
		BackoffCeiling: 15 * time.Minute,
	}, time.Hour)
	r.baseURL = srv.URL
	r.client = srv.Client()

	return r, srv
}

func releaseJSON(tag string) string {
	return fmt.Sprintf(`{
		"tag_name": %q,
		"html_url": "https://example.com/release",
		"body": "Release notes",
		"published_at": "2024-03-01T10:00:00Z",
		"assets": [
			{"name": "readme.txt", "browser_download_url": "https://example.com/readme.txt", "size": 100},
			{"name": "ATC_Thermometer.bin", "browser_download_url": "https://example.com/ATC_Thermometer.bin", "size": 65536}
		]
	}`, tag)
}

func TestResolveLatest(t *testing.T) {
	var gotPath string
	r, _ := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		fmt.Fprint(w, releaseJSON("v4.5"))
	}))

	release, err := r.Resolve(context.Background(), models.SourcePVVX, "")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if gotPath != "/repos/pvvx/ATC_MiThermometer/releases/latest" {
		t.Errorf("unexpected request path %q", gotPath)
	}
	if release.Version != "v4.5" {
		t.Errorf("Version = %q, want v4.5", release.Version)
	}
	if release.AssetName != "ATC_Thermometer.bin" {
		t.Errorf("AssetName = %q, want ATC_Thermometer.bin", release.AssetName)
	}
	if release.Size == nil || *release.Size != 65536 {
		t.Errorf("Size = %v, want 65536", release.Size)
	}
	if release.PublishedAt == nil {
		t.Error("PublishedAt not parsed")
	}
}

func TestResolvePinnedVersion(t *testing.T) {
	var gotPath string
	r, _ := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		fmt.Fprint(w, releaseJSON("4.1"))
	}))

	release, err := r.Resolve(context.Background(), models.SourcePVVX, "4.1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if gotPath != "/repos/pvvx/ATC_MiThermometer/releases/tags/4.1" {
		t.Errorf("unexpected request path %q", gotPath)
	}
	if release.Version != "4.1" {
		t.Errorf("Version = %q, want 4.1", release.Version)
	}
}

func TestResolvePinnedVersionVerbatim(t *testing.T) {
	// upstream tags releases with a v prefix; the pin must reach the
	// catalog exactly as given
	var gotPath string
	r, _ := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		fmt.Fprint(w, releaseJSON("v4.1"))
	}))

	release, err := r.Resolve(context.Background(), models.SourcePVVX, "v4.1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if gotPath != "/repos/pvvx/ATC_MiThermometer/releases/tags/v4.1" {
		t.Errorf("pin not sent verbatim, request path %q", gotPath)
	}
	if release.Version != "v4.1" {
		t.Errorf("Version = %q, want v4.1", release.Version)
	}
}

func TestResolvePinnedVersionPrefixFallback(t *testing.T) {
	// a bare 4.1 pin still resolves when the release is tagged v4.1
	var paths []string
	r, _ := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		paths = append(paths, req.URL.Path)
		if req.URL.Path != "/repos/pvvx/ATC_MiThermometer/releases/tags/v4.1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, releaseJSON("v4.1"))
	}))

	release, err := r.Resolve(context.Background(), models.SourcePVVX, "4.1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if release.Version != "v4.1" {
		t.Errorf("Version = %q, want v4.1", release.Version)
	}
	if len(paths) != 2 || paths[1] != "/repos/pvvx/ATC_MiThermometer/releases/tags/v4.1" {
		t.Errorf("unexpected request sequence %v", paths)
	}
}

func TestResolvePinnedVersionNotFound(t *testing.T) {
	r, _ := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := r.Resolve(context.Background(), models.SourcePVVX, "9.9")
	if !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("Resolve() error = %v, want ErrVersionNotFound", err)
	}
}

func TestResolveUnknownSource(t *testing.T) {
	r, _ := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t.Error("catalog should not be called for an unknown source")
	}))

	if _, err := r.Resolve(context.Background(), models.FirmwareSource("bogus"), ""); err == nil {
		t.Error("Resolve() accepted an unknown source")
	}
}

func TestResolveCaching(t *testing.T) {
	var calls atomic.Int64
	r, _ := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, releaseJSON("v4.5"))
	}))

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background(), models.SourcePVVX, ""); err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("catalog called %d times, want 1", got)
	}
}

func TestResolveCacheExpiry(t *testing.T) {
	var calls atomic.Int64
	r, _ := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, releaseJSON("v4.5"))
	}))

	current := time.Now()
	r.now = func() time.Time { return current }

	if _, err := r.Resolve(context.Background(), models.SourcePVVX, ""); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	current = current.Add(2 * time.Hour)

	if _, err := r.Resolve(context.Background(), models.SourcePVVX, ""); err != nil {
		t.Fatalf("Resolve() after expiry error: %v", err)
	}

	if got := calls.Load(); got != 2 {
		t.Errorf("catalog called %d times, want 2", got)
	}
}

func TestResolveRateLimited(t *testing.T) {
	var calls atomic.Int64
	r, _ := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "1800")
		w.WriteHeader(http.StatusForbidden)
	}))

	current := time.Now()
	r.now = func() time.Time { return current }

	_, err := r.Resolve(context.Background(), models.SourcePVVX, "")

	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("Resolve() error = %v, want RateLimitedError", err)
	}
	if want := current.Add(1800 * time.Second); !rle.Until.Equal(want) {
		t.Errorf("Until = %v, want %v", rle.Until, want)
	}

	// before the deadline no further catalog call is made
	current = current.Add(time.Minute)
	if _, err := r.Resolve(context.Background(), models.SourcePVVX, ""); !IsRateLimited(err) {
		t.Errorf("Resolve() during backoff error = %v, want rate limited", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("catalog called %d times during backoff, want 1", got)
	}

	// after the deadline the resolver tries again
	current = current.Add(time.Hour)
	r.Resolve(context.Background(), models.SourcePVVX, "")
	if got := calls.Load(); got != 2 {
		t.Errorf("catalog called %d times after backoff, want 2", got)
	}
}

func TestResolveBackoffWithoutRetryAfter(t *testing.T) {
	r, _ := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	current := time.Now()
	r.now = func() time.Time { return current }

	_, err := r.Resolve(context.Background(), models.SourcePVVX, "")

	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("Resolve() error = %v, want RateLimitedError", err)
	}
	if want := current.Add(2 * time.Second); !rle.Until.Equal(want) {
		t.Errorf("first backoff Until = %v, want %v", rle.Until, want)
	}
}

func TestResolveNoMatchingAsset(t *testing.T) {
	r, _ := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{
			"tag_name": "v4.5",
			"assets": [{"name": "readme.txt", "browser_download_url": "https://example.com/readme.txt"}]
		}`)
	}))

	_, err := r.Resolve(context.Background(), models.SourcePVVX, "")
	if !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("Resolve() error = %v, want ErrVersionNotFound", err)
	}
}

func TestResolveAssetPatternPerSource(t *testing.T) {
	// atc1441 accepts any .bin asset; pvvx requires the ATC_ prefix
	r, _ := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{
			"tag_name": "v4.5",
			"assets": [{"name": "Telink_OTA.bin", "browser_download_url": "https://example.com/Telink_OTA.bin", "size": 30000}]
		}`)
	}))

	if _, err := r.Resolve(context.Background(), models.SourceATC1441, ""); err != nil {
		t.Errorf("atc1441 Resolve() error: %v", err)
	}
	if _, err := r.Resolve(context.Background(), models.SourcePVVX, ""); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("pvvx Resolve() error = %v, want ErrVersionNotFound", err)
	}
}
