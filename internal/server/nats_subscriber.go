package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/atc-ota/atc-ota-server/internal/models"
	"github.com/atc-ota/atc-ota-server/internal/storage"
)

// NATSSubscriber persists device state and flash progress events from
// the OTA event stream into the event log
type NATSSubscriber struct {
	nc    *nats.Conn
	store storage.Store
	subs  []*nats.Subscription

	mu          sync.Mutex
	lastPercent map[string]int
}

// NewNATSSubscriber creates NATS subscriber
func NewNATSSubscriber(nc *nats.Conn, store storage.Store) *NATSSubscriber {
	return &NATSSubscriber{
		nc:          nc,
		store:       store,
		subs:        make([]*nats.Subscription, 0),
		lastPercent: make(map[string]int),
	}
}

// Start starts subscriptions
func (s *NATSSubscriber) Start(ctx context.Context) error {
	// Subscribe to device state transitions
	sub1, err := s.nc.Subscribe("ota.device.*.state", s.handleDeviceState)
	if err != nil {
		return fmt.Errorf("subscribe device state: %w", err)
	}
	s.subs = append(s.subs, sub1)

	// Subscribe to flash progress
	sub2, err := s.nc.Subscribe("ota.device.*.progress", s.handleFlashProgress)
	if err != nil {
		return fmt.Errorf("subscribe flash progress: %w", err)
	}
	s.subs = append(s.subs, sub2)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Msg("NATS subscriber started")

	<-ctx.Done()

	// Unsubscribe
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

// handleDeviceState handles device state transition messages
func (s *NATSSubscriber) handleDeviceState(msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Msg("Received device state")

	var stateMsg models.StateMessage
	if err := json.Unmarshal(msg.Data, &stateMsg); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal device state")
		return
	}

	eventType := models.EventTypeCheck
	level := models.EventLevelInfo
	description := fmt.Sprintf("Device state changed to %s", stateMsg.State)

	switch stateMsg.State {
	case models.DeviceStateFlashing:
		eventType = models.EventTypeFlashStarted
		description = fmt.Sprintf("Flash started - target version %s", stateMsg.AvailableVersion)
	case models.DeviceStateFlashFailed:
		eventType = models.EventTypeFlashFailed
		level = models.EventLevelError
		description = fmt.Sprintf("Flash failed: %s", stateMsg.Error)
	case models.DeviceStateUpdateAvailable:
		eventType = models.EventTypeReleaseResolved
		description = fmt.Sprintf("Update available: %s -> %s", stateMsg.CurrentVersion, stateMsg.AvailableVersion)
	case models.DeviceStateUpToDate:
		description = fmt.Sprintf("Device up to date - version %s", stateMsg.CurrentVersion)
	}

	// a cancellation restores the prior state but carries an error
	if stateMsg.Error != "" && stateMsg.State != models.DeviceStateFlashFailed {
		eventType = models.EventTypeFlashCancelled
		level = models.EventLevelWarning
		description = fmt.Sprintf("Flash cancelled: %s", stateMsg.Error)
	}

	ctx := context.Background()
	mac := stateMsg.MAC

	event := &models.EventLog{
		MAC:         &mac,
		Type:        eventType,
		Level:       level,
		Description: description,
		Details: models.Variables{
			"state":            string(stateMsg.State),
			"currentVersion":   stateMsg.CurrentVersion,
			"availableVersion": stateMsg.AvailableVersion,
		},
	}

	if err := s.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}
}

// handleFlashProgress handles flash progress messages. Transfer
// progress is recorded in coarse steps; the terminal event is always
// recorded.
func (s *NATSSubscriber) handleFlashProgress(msg *nats.Msg) {
	var progressMsg models.ProgressMessage
	if err := json.Unmarshal(msg.Data, &progressMsg); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal flash progress")
		return
	}

	key := progressMsg.MAC.Compact()
	percent := int(progressMsg.Progress * 100)

	eventType := models.EventTypeFlashProgress
	level := models.EventLevelDebug
	description := fmt.Sprintf("Transfer %d%% - %d/%d bytes", percent, progressMsg.Sent, progressMsg.Total)

	switch progressMsg.State {
	case "COMPLETED":
		eventType = models.EventTypeFlashCompleted
		level = models.EventLevelInfo
		description = fmt.Sprintf("Flash completed - version %s, %d bytes", progressMsg.Version, progressMsg.Total)
		s.resetProgress(key)
	case "CANCELLED":
		eventType = models.EventTypeFlashCancelled
		level = models.EventLevelWarning
		description = fmt.Sprintf("Flash cancelled at %d/%d bytes", progressMsg.Sent, progressMsg.Total)
		s.resetProgress(key)
	case "FAILED":
		// the state message carries the failure detail
		s.resetProgress(key)
		return
	case "TRANSFERRING":
		if !s.progressStep(key, percent) {
			return
		}
	default:
		return
	}

	ctx := context.Background()
	mac := progressMsg.MAC

	event := &models.EventLog{
		MAC:         &mac,
		Type:        eventType,
		Level:       level,
		Description: description,
		Details: models.Variables{
			"sent":     progressMsg.Sent,
			"total":    progressMsg.Total,
			"progress": progressMsg.Progress,
			"version":  progressMsg.Version,
		},
	}

	if err := s.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}
}

// progressStep reports whether the transfer crossed a 10% step since
// the last recorded event
func (s *NATSSubscriber) progressStep(key string, percent int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.lastPercent[key]
	if ok && percent/10 == last/10 {
		return false
	}
	s.lastPercent[key] = percent
	return true
}

func (s *NATSSubscriber) resetProgress(key string) {
	s.mu.Lock()
	delete(s.lastPercent, key)
	s.mu.Unlock()
}
