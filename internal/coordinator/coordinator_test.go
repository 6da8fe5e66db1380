package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atc-ota/atc-ota-server/internal/config"
	"github.com/atc-ota/atc-ota-server/internal/models"
	"github.com/atc-ota/atc-ota-server/internal/ota"
	"github.com/atc-ota/atc-ota-server/internal/storage"
)

// fakeStore keeps devices in memory; only the methods the coordinator
// touches are functional
type fakeStore struct {
	mu      sync.Mutex
	devices map[models.MACAddress]*models.Device
	events  []*models.EventLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: make(map[models.MACAddress]*models.Device)}
}

func (s *fakeStore) BeginTx(ctx context.Context) (storage.Store, error) { return s, nil }
func (s *fakeStore) Commit() error                                      { return nil }
func (s *fakeStore) Rollback() error                                    { return nil }
func (s *fakeStore) Close() error                                       { return nil }

func (s *fakeStore) CreateUser(ctx context.Context, user *models.User) error { return nil }
func (s *fakeStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return nil, storage.ErrNotFound
}
func (s *fakeStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return nil, storage.ErrNotFound
}
func (s *fakeStore) UpdateUser(ctx context.Context, user *models.User) error { return nil }
func (s *fakeStore) DeleteUser(ctx context.Context, id uuid.UUID) error      { return nil }
func (s *fakeStore) ListUsers(ctx context.Context, limit, offset int) ([]*models.User, int64, error) {
	return nil, 0, nil
}

func (s *fakeStore) CreateDevice(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.MAC] = device
	return nil
}

func (s *fakeStore) GetDevice(ctx context.Context, mac models.MACAddress) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[mac]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *device
	return &clone, nil
}

func (s *fakeStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *device
	s.devices[device.MAC] = &clone
	return nil
}

func (s *fakeStore) DeleteDevice(ctx context.Context, mac models.MACAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, mac)
	return nil
}

func (s *fakeStore) ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var devices []*models.Device
	for _, d := range s.devices {
		clone := *d
		devices = append(devices, &clone)
	}
	return devices, int64(len(devices)), nil
}

func (s *fakeStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *fakeStore) ListEventLogs(ctx context.Context, filters storage.EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	return nil, 0, nil
}

// fakeResolver returns a fixed release or error; onResolve fires once
// on the first lookup
type fakeResolver struct {
	release *models.FirmwareRelease
	err     error

	mu        sync.Mutex
	calls     int
	onResolve func()
}

func (r *fakeResolver) Resolve(ctx context.Context, source models.FirmwareSource, pin string) (*models.FirmwareRelease, error) {
	r.mu.Lock()
	r.calls++
	hook := r.onResolve
	r.onResolve = nil
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.release, nil
}

// fakeFetcher returns a fixed artifact
type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, release *models.FirmwareRelease) (*models.FirmwareArtifact, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.FirmwareArtifact{Release: release, Data: f.data, FetchedAt: time.Now()}, nil
}

// fakeConn acknowledges every chunk; hold blocks writes until released
type fakeConn struct {
	hold chan struct{}
}

func (c *fakeConn) PayloadLimit() int                { return 100 }
func (c *fakeConn) SupportsResume() bool             { return false }
func (c *fakeConn) Begin(ctx context.Context) error  { return nil }
func (c *fakeConn) Commit(ctx context.Context) error { return nil }
func (c *fakeConn) Abort(ctx context.Context) error  { return nil }
func (c *fakeConn) Close() error                     { return nil }

func (c *fakeConn) WriteChunk(ctx context.Context, p []byte) error {
	if c.hold != nil {
		select {
		case <-c.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type fakeTransport struct {
	conn       *fakeConn
	connectErr error
}

func (t *fakeTransport) Connect(ctx context.Context, addr models.MACAddress) (ota.Conn, error) {
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	return t.conn, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Update: config.UpdateConfig{CheckInterval: time.Hour, CacheTTL: time.Hour},
		OTA: config.OTAConfig{
			ChunkCeiling:    244,
			ChunkRetries:    3,
			ConnectTimeout:  time.Second,
			AckTimeout:      200 * time.Millisecond,
			FinalizeTimeout: time.Second,
			FlashTimeout:    5 * time.Second,
		},
	}
}

func testMAC() models.MACAddress {
	return models.MACAddress{0xa4, 0xc1, 0x38, 0xaa, 0xbb, 0xcc}
}

func seedDevice(store *fakeStore, current string) *models.Device {
	device := &models.Device{
		MAC:    testMAC(),
		Name:   "living room",
		Source: models.SourcePVVX,
		State:  models.DeviceStateUnknown,
	}
	if current != "" {
		device.CurrentVersion = &current
		device.State = models.DeviceStateUpToDate
	}
	store.devices[device.MAC] = device
	return device
}

func waitForState(t *testing.T, store *fakeStore, mac models.MACAddress, want models.DeviceState) *models.Device {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		device, err := store.GetDevice(context.Background(), mac)
		if err == nil && device.State == want {
			return device
		}
		time.Sleep(10 * time.Millisecond)
	}
	device, _ := store.GetDevice(context.Background(), mac)
	t.Fatalf("device never reached state %s, last state %v", want, device.State)
	return nil
}

func TestCheckNowUpdateAvailable(t *testing.T) {
	store := newFakeStore()
	seedDevice(store, "4.0")

	resolver := &fakeResolver{release: &models.FirmwareRelease{
		Source: models.SourcePVVX, Version: "4.5", DownloadURL: "https://example.com/fw.bin",
	}}

	c := New(testConfig(), store, resolver, &fakeFetcher{}, &fakeTransport{}, nil, nil)

	device, err := c.CheckNow(context.Background(), testMAC())
	if err != nil {
		t.Fatalf("CheckNow() error: %v", err)
	}

	if device.State != models.DeviceStateUpdateAvailable {
		t.Errorf("State = %s, want UPDATE_AVAILABLE", device.State)
	}
	if device.AvailableVersion == nil || *device.AvailableVersion != "4.5" {
		t.Errorf("AvailableVersion = %v, want 4.5", device.AvailableVersion)
	}
	if device.LastCheckedAt == nil {
		t.Error("LastCheckedAt not set")
	}
}

func TestCheckNowUpToDate(t *testing.T) {
	store := newFakeStore()
	seedDevice(store, "4.5")

	resolver := &fakeResolver{release: &models.FirmwareRelease{
		Source: models.SourcePVVX, Version: "4.5", DownloadURL: "https://example.com/fw.bin",
	}}

	c := New(testConfig(), store, resolver, &fakeFetcher{}, &fakeTransport{}, nil, nil)

	device, err := c.CheckNow(context.Background(), testMAC())
	if err != nil {
		t.Fatalf("CheckNow() error: %v", err)
	}
	if device.State != models.DeviceStateUpToDate {
		t.Errorf("State = %s, want UP_TO_DATE", device.State)
	}
}

func TestCheckNowUnknownWithoutCurrentVersion(t *testing.T) {
	store := newFakeStore()
	seedDevice(store, "")

	resolver := &fakeResolver{release: &models.FirmwareRelease{
		Source: models.SourcePVVX, Version: "4.5", DownloadURL: "https://example.com/fw.bin",
	}}

	c := New(testConfig(), store, resolver, &fakeFetcher{}, &fakeTransport{}, nil, nil)

	device, err := c.CheckNow(context.Background(), testMAC())
	if err != nil {
		t.Fatalf("CheckNow() error: %v", err)
	}
	if device.State != models.DeviceStateUnknown {
		t.Errorf("State = %s, want UNKNOWN", device.State)
	}
	if device.AvailableVersion == nil || *device.AvailableVersion != "4.5" {
		t.Errorf("AvailableVersion = %v, want 4.5", device.AvailableVersion)
	}
}

func TestCheckNowResolverFailureKeepsState(t *testing.T) {
	store := newFakeStore()
	seedDevice(store, "4.0")

	resolver := &fakeResolver{err: errors.New("catalog unavailable")}

	c := New(testConfig(), store, resolver, &fakeFetcher{}, &fakeTransport{}, nil, nil)

	device, err := c.CheckNow(context.Background(), testMAC())
	if err == nil {
		t.Fatal("CheckNow() succeeded, want error")
	}
	if device.State != models.DeviceStateUpToDate {
		t.Errorf("State = %s, failed check must not change state", device.State)
	}
	if device.LastCheckedAt == nil {
		t.Error("LastCheckedAt must be set even on failure")
	}
}

func TestCheckNowDisabledDevice(t *testing.T) {
	store := newFakeStore()
	device := seedDevice(store, "4.0")
	device.IsDisabled = true

	c := New(testConfig(), store, &fakeResolver{}, &fakeFetcher{}, &fakeTransport{}, nil, nil)

	if _, err := c.CheckNow(context.Background(), testMAC()); !errors.Is(err, ErrDeviceDisabled) {
		t.Errorf("CheckNow() error = %v, want ErrDeviceDisabled", err)
	}
}

func TestCheckNowDoesNotOverwriteConcurrentFlash(t *testing.T) {
	store := newFakeStore()
	seedDevice(store, "4.0")

	hold := make(chan struct{})
	resolver := &fakeResolver{release: &models.FirmwareRelease{
		Source: models.SourcePVVX, Version: "4.5", DownloadURL: "https://example.com/fw.bin",
	}}
	fetcher := &fakeFetcher{data: make([]byte, 2048)}
	transport := &fakeTransport{conn: &fakeConn{hold: hold}}

	c := New(testConfig(), store, resolver, fetcher, transport, nil, nil)

	// a flash begins while the check's catalog lookup is in flight
	resolver.onResolve = func() {
		if err := c.StartFlash(context.Background(), testMAC(), models.SourcePVVX, ""); err != nil {
			t.Errorf("StartFlash() error: %v", err)
			return
		}
		waitForState(t, store, testMAC(), models.DeviceStateFlashing)
	}

	if _, err := c.CheckNow(context.Background(), testMAC()); err != nil {
		t.Fatalf("CheckNow() error: %v", err)
	}

	device, err := store.GetDevice(context.Background(), testMAC())
	if err != nil {
		t.Fatal(err)
	}
	if device.State != models.DeviceStateFlashing {
		t.Errorf("State = %s, check overwrote an active flash", device.State)
	}

	close(hold)
	waitForState(t, store, testMAC(), models.DeviceStateUpToDate)
}

func TestStartFlashSuccess(t *testing.T) {
	store := newFakeStore()
	seedDevice(store, "4.0")

	resolver := &fakeResolver{release: &models.FirmwareRelease{
		Source: models.SourcePVVX, Version: "4.5", DownloadURL: "https://example.com/fw.bin",
	}}
	fetcher := &fakeFetcher{data: make([]byte, 2048)}
	transport := &fakeTransport{conn: &fakeConn{}}

	c := New(testConfig(), store, resolver, fetcher, transport, nil, nil)

	if err := c.StartFlash(context.Background(), testMAC(), models.SourcePVVX, ""); err != nil {
		t.Fatalf("StartFlash() error: %v", err)
	}

	device := waitForState(t, store, testMAC(), models.DeviceStateUpToDate)

	if device.CurrentVersion == nil || *device.CurrentVersion != "4.5" {
		t.Errorf("CurrentVersion = %v, want 4.5", device.CurrentVersion)
	}
	if device.LastError != nil {
		t.Errorf("LastError = %v, want nil", *device.LastError)
	}
}

func TestStartFlashFailureKeepsVersion(t *testing.T) {
	store := newFakeStore()
	seedDevice(store, "4.0")

	resolver := &fakeResolver{release: &models.FirmwareRelease{
		Source: models.SourcePVVX, Version: "4.5", DownloadURL: "https://example.com/fw.bin",
	}}
	fetcher := &fakeFetcher{data: make([]byte, 2048)}
	transport := &fakeTransport{connectErr: errors.New("device not in range")}

	c := New(testConfig(), store, resolver, fetcher, transport, nil, nil)

	if err := c.StartFlash(context.Background(), testMAC(), models.SourcePVVX, ""); err != nil {
		t.Fatalf("StartFlash() error: %v", err)
	}

	device := waitForState(t, store, testMAC(), models.DeviceStateFlashFailed)

	// the device still runs what it ran before
	if device.CurrentVersion == nil || *device.CurrentVersion != "4.0" {
		t.Errorf("CurrentVersion = %v, want 4.0", device.CurrentVersion)
	}
	if device.LastError == nil {
		t.Error("LastError not recorded")
	}
}

func TestStartFlashAlreadyInProgress(t *testing.T) {
	store := newFakeStore()
	seedDevice(store, "4.0")

	hold := make(chan struct{})
	defer close(hold)

	resolver := &fakeResolver{release: &models.FirmwareRelease{
		Source: models.SourcePVVX, Version: "4.5", DownloadURL: "https://example.com/fw.bin",
	}}
	fetcher := &fakeFetcher{data: make([]byte, 2048)}
	transport := &fakeTransport{conn: &fakeConn{hold: hold}}

	c := New(testConfig(), store, resolver, fetcher, transport, nil, nil)

	if err := c.StartFlash(context.Background(), testMAC(), models.SourcePVVX, ""); err != nil {
		t.Fatalf("StartFlash() error: %v", err)
	}

	// a second request for the same device is rejected, not queued
	err := c.StartFlash(context.Background(), testMAC(), models.SourcePVVX, "")
	if !errors.Is(err, ErrAlreadyInProgress) {
		t.Errorf("second StartFlash() error = %v, want ErrAlreadyInProgress", err)
	}
}

func TestStartFlashDisabledDevice(t *testing.T) {
	store := newFakeStore()
	device := seedDevice(store, "4.0")
	device.IsDisabled = true

	c := New(testConfig(), store, &fakeResolver{}, &fakeFetcher{}, &fakeTransport{}, nil, nil)

	err := c.StartFlash(context.Background(), testMAC(), models.SourcePVVX, "")
	if !errors.Is(err, ErrDeviceDisabled) {
		t.Errorf("StartFlash() error = %v, want ErrDeviceDisabled", err)
	}
}

func TestCancelFlashNoActive(t *testing.T) {
	store := newFakeStore()
	seedDevice(store, "4.0")

	c := New(testConfig(), store, &fakeResolver{}, &fakeFetcher{}, &fakeTransport{}, nil, nil)

	if err := c.CancelFlash(testMAC()); !errors.Is(err, ErrNoActiveFlash) {
		t.Errorf("CancelFlash() error = %v, want ErrNoActiveFlash", err)
	}
}

func TestCancelFlashRestoresState(t *testing.T) {
	store := newFakeStore()
	seedDevice(store, "4.0")

	hold := make(chan struct{})
	resolver := &fakeResolver{release: &models.FirmwareRelease{
		Source: models.SourcePVVX, Version: "4.5", DownloadURL: "https://example.com/fw.bin",
	}}
	fetcher := &fakeFetcher{data: make([]byte, 2048)}
	transport := &fakeTransport{conn: &fakeConn{hold: hold}}

	c := New(testConfig(), store, resolver, fetcher, transport, nil, nil)

	if err := c.StartFlash(context.Background(), testMAC(), models.SourcePVVX, ""); err != nil {
		t.Fatalf("StartFlash() error: %v", err)
	}

	waitForState(t, store, testMAC(), models.DeviceStateFlashing)

	if err := c.CancelFlash(testMAC()); err != nil {
		t.Fatalf("CancelFlash() error: %v", err)
	}
	close(hold)

	device := waitForState(t, store, testMAC(), models.DeviceStateUpToDate)
	if device.CurrentVersion == nil || *device.CurrentVersion != "4.0" {
		t.Errorf("CurrentVersion = %v, want 4.0", device.CurrentVersion)
	}
}
