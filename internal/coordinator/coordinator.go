package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atc-ota/atc-ota-server/internal/catalog"
	"github.com/atc-ota/atc-ota-server/internal/config"
	"github.com/atc-ota/atc-ota-server/internal/models"
	"github.com/atc-ota/atc-ota-server/internal/ota"
	"github.com/atc-ota/atc-ota-server/internal/storage"
)

// Common errors
var (
	// ErrAlreadyInProgress is returned when a flash is requested for a
	// device that already has an active transfer session
	ErrAlreadyInProgress = errors.New("flash already in progress")

	// ErrNoActiveFlash is returned when cancelling a device with no
	// active transfer session
	ErrNoActiveFlash = errors.New("no active flash")

	// ErrDeviceDisabled is returned for operations on disabled devices
	ErrDeviceDisabled = errors.New("device is disabled")
)

// ReleaseResolver resolves firmware releases from the upstream catalog
type ReleaseResolver interface {
	Resolve(ctx context.Context, source models.FirmwareSource, pin string) (*models.FirmwareRelease, error)
}

// ArtifactFetcher downloads and validates firmware binaries
type ArtifactFetcher interface {
	Fetch(ctx context.Context, release *models.FirmwareRelease) (*models.FirmwareArtifact, error)
}

// VersionProber reads the device's running firmware version over the
// wireless link. Optional; without one the coordinator relies on the
// last known version.
type VersionProber interface {
	ReadVersion(ctx context.Context, addr models.MACAddress) (string, error)
}

// Publisher publishes progress and state events. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Coordinator owns the per-device update lifecycle: it schedules
// periodic release checks, serializes flashing per device and is the
// only writer of device records.
type Coordinator struct {
	cfg       *config.Config
	store     storage.Store
	resolver  ReleaseResolver
	fetcher   ArtifactFetcher
	transport ota.Transport
	prober    VersionProber
	pub       Publisher

	mu   sync.Mutex
	jobs map[models.MACAddress]*flashJob

	wg sync.WaitGroup
}

// New creates an update coordinator. prober and pub may be nil.
func New(cfg *config.Config, store storage.Store, resolver ReleaseResolver, fetcher ArtifactFetcher, transport ota.Transport, prober VersionProber, pub Publisher) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		resolver:  resolver,
		fetcher:   fetcher,
		transport: transport,
		prober:    prober,
		pub:       pub,
		jobs:      make(map[models.MACAddress]*flashJob),
	}
}

// Start runs the periodic check loop until ctx is cancelled, then
// cancels any active sessions and waits for them to wind down
func (c *Coordinator) Start(ctx context.Context) error {
	log.Info().
		Dur("interval", c.cfg.Update.CheckInterval).
		Msg("Update coordinator started")

	c.checkAll(ctx)

	ticker := time.NewTicker(c.cfg.Update.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll(ctx)
		case <-ctx.Done():
			c.mu.Lock()
			for _, job := range c.jobs {
				job.cancel()
			}
			c.mu.Unlock()

			c.wg.Wait()
			return ctx.Err()
		}
	}
}

// checkAll runs a release check for every registered device. Check
// failures are never fatal; they are retried on the next tick.
func (c *Coordinator) checkAll(ctx context.Context) {
	devices, _, err := c.store.ListDevices(ctx, 1000, 0)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list devices for scheduled check")
		return
	}

	for _, device := range devices {
		if device.IsDisabled {
			continue
		}
		if _, err := c.CheckNow(ctx, device.MAC); err != nil {
			log.Warn().
				Err(err).
				Str("device", device.MAC.String()).
				Msg("Scheduled check failed, will retry next tick")
		}
	}
}

// CheckNow resolves the latest release for the device's source and
// updates its lifecycle state. A failed check leaves the device in its
// prior state; only the last-checked timestamp moves.
func (c *Coordinator) CheckNow(ctx context.Context, mac models.MACAddress) (*models.Device, error) {
	device, err := c.store.GetDevice(ctx, mac)
	if err != nil {
		return nil, err
	}

	if device.IsDisabled {
		return device, ErrDeviceDisabled
	}

	// never touch a device mid-flash
	c.mu.Lock()
	_, flashing := c.jobs[mac]
	c.mu.Unlock()
	if flashing {
		return device, nil
	}

	c.probeVersion(ctx, device)

	pin := ""
	if device.PinnedVersion != nil {
		pin = *device.PinnedVersion
	}

	release, err := c.resolver.Resolve(ctx, device.Source, pin)

	now := time.Now()
	device.LastCheckedAt = &now

	// a flash may have started while the resolve was in flight; the
	// flash worker owns the record until it reaches a terminal state
	c.mu.Lock()
	_, flashing = c.jobs[mac]
	c.mu.Unlock()
	if flashing {
		return device, err
	}

	if err != nil {
		if updateErr := c.store.UpdateDevice(ctx, device); updateErr != nil {
			log.Error().Err(updateErr).Str("device", mac.String()).Msg("Failed to persist check timestamp")
		}
		return device, err
	}

	device.AvailableVersion = &release.Version

	prevState := device.State
	switch {
	case device.CurrentVersion == nil:
		// no version data yet; stay in the unknown state until the
		// device reports what it runs
		if device.State != models.DeviceStateFlashFailed {
			device.State = models.DeviceStateUnknown
		}
	case catalog.IsNewer(release.Version, *device.CurrentVersion):
		device.State = models.DeviceStateUpdateAvailable
	default:
		device.State = models.DeviceStateUpToDate
	}

	if err := c.store.UpdateDevice(ctx, device); err != nil {
		return device, err
	}

	if device.State != prevState {
		c.publishState(device, nil)
		log.Info().
			Str("device", mac.String()).
			Str("state", string(device.State)).
			Str("available", release.Version).
			Msg("Device state changed after check")
	}

	return device, nil
}

// probeVersion refreshes the device's running version over the radio,
// best effort
func (c *Coordinator) probeVersion(ctx context.Context, device *models.Device) {
	if c.prober == nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.OTA.ConnectTimeout)
	defer cancel()

	version, err := c.prober.ReadVersion(probeCtx, device.MAC)
	if err != nil {
		log.Debug().Err(err).Str("device", device.MAC.String()).Msg("Version probe failed")
		return
	}
	if version != "" {
		device.CurrentVersion = &version
	}
}

// StartFlash begins a flash for the device and returns immediately.
// The outcome is observed via the progress stream. At most one transfer
// session may exist per device; a second request is rejected with
// ErrAlreadyInProgress, never queued silently.
func (c *Coordinator) StartFlash(ctx context.Context, mac models.MACAddress, source models.FirmwareSource, pin string) error {
	if !source.Valid() {
		return fmt.Errorf("unknown firmware source: %s", source)
	}

	device, err := c.store.GetDevice(ctx, mac)
	if err != nil {
		return err
	}
	if device.IsDisabled {
		return ErrDeviceDisabled
	}

	c.mu.Lock()
	if _, ok := c.jobs[mac]; ok {
		c.mu.Unlock()
		return ErrAlreadyInProgress
	}
	job := &flashJob{}
	c.jobs[mac] = job
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runFlash(job, device, source, pin)

	return nil
}

// CancelFlash requests cooperative cancellation of the device's active
// transfer session
func (c *Coordinator) CancelFlash(mac models.MACAddress) error {
	c.mu.Lock()
	job, ok := c.jobs[mac]
	c.mu.Unlock()

	if !ok {
		return ErrNoActiveFlash
	}

	job.cancel()
	return nil
}

// FlashStatus is a snapshot of an active flash
type FlashStatus struct {
	Active   bool      `json:"active"`
	State    ota.State `json:"state,omitempty"`
	Progress float64   `json:"progress"`
	Version  string    `json:"version,omitempty"`
}

// Status returns the current flash status for the device
func (c *Coordinator) Status(mac models.MACAddress) FlashStatus {
	c.mu.Lock()
	job, ok := c.jobs[mac]
	c.mu.Unlock()

	if !ok {
		return FlashStatus{}
	}
	return job.status()
}

// runFlash resolves, downloads and flashes in a worker goroutine
func (c *Coordinator) runFlash(job *flashJob, device *models.Device, source models.FirmwareSource, pin string) {
	defer c.wg.Done()

	mac := device.MAC
	defer func() {
		c.mu.Lock()
		delete(c.jobs, mac)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OTA.FlashTimeout)
	defer cancel()

	prevState := device.State
	device.State = models.DeviceStateFlashing
	device.LastError = nil
	if err := c.store.UpdateDevice(ctx, device); err != nil {
		log.Error().Err(err).Str("device", mac.String()).Msg("Failed to persist flashing state")
	}
	c.publishState(device, nil)

	log.Info().
		Str("device", mac.String()).
		Str("source", string(source)).
		Str("pin", pin).
		Msg("Flash started")

	release, err := c.resolver.Resolve(ctx, source, pin)
	if err != nil {
		c.finishFlash(ctx, job, device, prevState, nil, err)
		return
	}

	artifact, err := c.fetcher.Fetch(ctx, release)
	if err != nil {
		c.finishFlash(ctx, job, device, prevState, release, err)
		return
	}

	session := ota.NewSession(c.transport, mac, artifact, ota.OptionsFromConfig(c.cfg.OTA), func(ev ota.ProgressEvent) {
		job.update(ev, release.Version)
		c.publishProgress(job, mac, release.Version, ev)
	})

	if !job.attach(session) {
		// cancelled before the session could start
		c.finishFlash(ctx, job, device, prevState, release, ota.ErrCancelled)
		return
	}

	err = session.Run(ctx)
	c.finishFlash(ctx, job, device, prevState, release, err)
}

// finishFlash applies the terminal outcome to the device record. The
// current version moves only after the flasher reports completion,
// never optimistically; on failure it keeps reflecting what the device
// is actually known to run.
func (c *Coordinator) finishFlash(ctx context.Context, job *flashJob, device *models.Device, prevState models.DeviceState, release *models.FirmwareRelease, err error) {
	switch {
	case err == nil:
		device.CurrentVersion = &release.Version
		device.AvailableVersion = &release.Version
		device.State = models.DeviceStateUpToDate
		device.LastError = nil

		log.Info().
			Str("device", device.MAC.String()).
			Str("version", release.Version).
			Msg("Flash completed")

	case errors.Is(err, ota.ErrCancelled):
		device.State = prevState
		reason := "flash cancelled"
		device.LastError = &reason

		log.Info().Str("device", device.MAC.String()).Msg("Flash cancelled")

	default:
		device.State = models.DeviceStateFlashFailed
		reason := err.Error()
		device.LastError = &reason

		log.Error().
			Err(err).
			Str("device", device.MAC.String()).
			Msg("Flash failed")
	}

	if updateErr := c.store.UpdateDevice(ctx, device); updateErr != nil {
		log.Error().Err(updateErr).Str("device", device.MAC.String()).Msg("Failed to persist flash outcome")
	}

	c.publishState(device, err)
}

// publishState emits a state message on the event stream
func (c *Coordinator) publishState(device *models.Device, flashErr error) {
	if c.pub == nil {
		return
	}

	msg := models.StateMessage{
		MAC:   device.MAC,
		State: device.State,
		Time:  time.Now(),
	}
	if device.CurrentVersion != nil {
		msg.CurrentVersion = *device.CurrentVersion
	}
	if device.AvailableVersion != nil {
		msg.AvailableVersion = *device.AvailableVersion
	}
	if flashErr != nil {
		msg.Error = flashErr.Error()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	subject := fmt.Sprintf("ota.device.%s.state", device.MAC.Compact())
	if err := c.pub.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish state event")
	}
}

// publishProgress emits a progress message, throttled to whole-percent
// steps so a large image does not flood the stream
func (c *Coordinator) publishProgress(job *flashJob, mac models.MACAddress, version string, ev ota.ProgressEvent) {
	if c.pub == nil {
		return
	}

	percent := int(ev.Progress * 100)
	if !ev.State.Terminal() && !job.shouldPublish(ev.State, percent) {
		return
	}

	msg := models.ProgressMessage{
		MAC:      mac,
		State:    string(ev.State),
		Progress: ev.Progress,
		Sent:     ev.Sent,
		Total:    ev.Total,
		Version:  version,
		Time:     time.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	subject := fmt.Sprintf("ota.device.%s.progress", mac.Compact())
	if err := c.pub.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish progress event")
	}
}

// flashJob tracks one in-flight flash and bridges cancellation
// requests that arrive before the session exists
type flashJob struct {
	mu          sync.Mutex
	session     *ota.Session
	cancelled   bool
	state       ota.State
	progress    float64
	version     string
	lastPercent int
	lastState   ota.State
}

// attach binds the session to the job; returns false when the job was
// cancelled before the session started
func (j *flashJob) attach(s *ota.Session) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.session = s
	return !j.cancelled
}

func (j *flashJob) cancel() {
	j.mu.Lock()
	j.cancelled = true
	s := j.session
	j.mu.Unlock()

	if s != nil {
		s.Cancel()
	}
}

func (j *flashJob) update(ev ota.ProgressEvent, version string) {
	j.mu.Lock()
	j.state = ev.State
	j.progress = ev.Progress
	j.version = version
	j.mu.Unlock()
}

func (j *flashJob) status() FlashStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	state := j.state
	if state == "" {
		state = ota.StateIdle
	}
	return FlashStatus{
		Active:   true,
		State:    state,
		Progress: j.progress,
		Version:  j.version,
	}
}

// shouldPublish throttles progress events to state changes and
// whole-percent increments
func (j *flashJob) shouldPublish(state ota.State, percent int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if state != j.lastState || percent != j.lastPercent {
		j.lastState = state
		j.lastPercent = percent
		return true
	}
	return false
}
