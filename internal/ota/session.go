package ota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atc-ota/atc-ota-server/internal/config"
	"github.com/atc-ota/atc-ota-server/internal/models"
)

// State represents the transfer session state
type State string

const (
	StateIdle         State = "IDLE"
	StateConnecting   State = "CONNECTING"
	StateNegotiating  State = "NEGOTIATING"
	StateTransferring State = "TRANSFERRING"
	StateFinalizing   State = "FINALIZING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateCancelled    State = "CANCELLED"
)

// Terminal reports whether the state is terminal
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Options configures a transfer session
type Options struct {
	// ChunkCeiling caps the chunk size; the effective chunk size is
	// the minimum of this and the transport's payload limit
	ChunkCeiling int

	// ChunkRetries is the retry budget per chunk
	ChunkRetries int

	ConnectTimeout  time.Duration
	AckTimeout      time.Duration
	FinalizeTimeout time.Duration

	// ChunkDelay paces consecutive chunk writes
	ChunkDelay   time.Duration
	CommandDelay time.Duration

	// ResumeOffset restarts the transfer from a previously acknowledged
	// offset. Honored only when the connection advertises resume
	// support; otherwise the session starts from offset zero.
	ResumeOffset int
}

// OptionsFromConfig builds session options from the OTA configuration
func OptionsFromConfig(cfg config.OTAConfig) Options {
	return Options{
		ChunkCeiling:    cfg.ChunkCeiling,
		ChunkRetries:    cfg.ChunkRetries,
		ConnectTimeout:  cfg.ConnectTimeout,
		AckTimeout:      cfg.AckTimeout,
		FinalizeTimeout: cfg.FinalizeTimeout,
		ChunkDelay:      cfg.ChunkDelay,
		CommandDelay:    cfg.CommandDelay,
	}
}

// ProgressEvent is delivered to the session observer on every state
// change and every acknowledged chunk
type ProgressEvent struct {
	State    State
	Sent     int
	Total    int
	Progress float64
	Err      error
}

// ProgressFunc observes session progress
type ProgressFunc func(ProgressEvent)

// Session is one end-to-end attempt to transfer and commit a firmware
// image to one device. At most one session may exist per device; the
// coordinator enforces that invariant. The acknowledged offset is
// monotonically non-decreasing for the lifetime of the session.
type Session struct {
	addr      models.MACAddress
	artifact  *models.FirmwareArtifact
	transport Transport
	opts      Options
	progress  ProgressFunc

	mu        sync.Mutex
	state     State
	offset    int
	startedAt time.Time

	cancel     chan struct{}
	cancelOnce sync.Once
}

// NewSession creates a transfer session for the artifact
func NewSession(transport Transport, addr models.MACAddress, artifact *models.FirmwareArtifact, opts Options, progress ProgressFunc) *Session {
	return &Session{
		addr:      addr,
		artifact:  artifact,
		transport: transport,
		opts:      opts,
		progress:  progress,
		state:     StateIdle,
		cancel:    make(chan struct{}),
	}
}

// State returns the current session state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Offset returns the last acknowledged byte offset
func (s *Session) Offset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Elapsed returns the time spent in the session so far
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Cancel requests cooperative cancellation. The request is observed at
// the next suspension point, after the in-flight chunk's outcome is
// known, never mid-write.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

// Run drives the session to a terminal state and returns nil on
// completion or the terminal error otherwise
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	total := s.artifact.Len()

	s.setState(StateConnecting)
	connectCtx, cancelConnect := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	conn, err := s.transport.Connect(connectCtx, s.addr)
	cancelConnect()
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}
	defer conn.Close()

	s.setState(StateNegotiating)
	chunkSize := conn.PayloadLimit()
	if chunkSize <= 0 {
		return s.fail(fmt.Errorf("%w: transport reports no usable payload size", ErrNegotiationFailed))
	}
	if chunkSize > s.opts.ChunkCeiling {
		chunkSize = s.opts.ChunkCeiling
	}

	offset := 0
	if s.opts.ResumeOffset > 0 && conn.SupportsResume() {
		offset = s.opts.ResumeOffset
		log.Info().
			Str("device", s.addr.String()).
			Int("offset", offset).
			Msg("Resuming transfer from acknowledged offset")
	}
	s.setOffset(offset)

	if err := conn.Begin(ctx); err != nil {
		// older bootloaders enter OTA mode implicitly on the first write
		log.Debug().Err(err).Str("device", s.addr.String()).Msg("OTA begin command not acknowledged")
	}
	if stop := s.pause(ctx, s.opts.CommandDelay); stop {
		return s.cancelled(ctx, conn)
	}

	s.setState(StateTransferring)
	for offset < total {
		if s.stopRequested(ctx) {
			return s.cancelled(ctx, conn)
		}

		end := offset + chunkSize
		if end > total {
			end = total
		}
		chunk := s.artifact.Data[offset:end]

		if err := s.sendChunk(ctx, conn, chunk, offset); err != nil {
			if errors.Is(err, ErrCancelled) {
				return s.cancelled(ctx, conn)
			}
			return s.fail(err)
		}

		offset = end
		s.setOffset(offset)
		s.emit(StateTransferring, nil)

		if offset < total {
			if stop := s.pause(ctx, s.opts.ChunkDelay); stop {
				return s.cancelled(ctx, conn)
			}
		}
	}

	s.setState(StateFinalizing)
	finalizeCtx, cancelFinalize := context.WithTimeout(ctx, s.opts.FinalizeTimeout)
	err = conn.Commit(finalizeCtx)
	cancelFinalize()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrFinalizeTimeout
		}
		return s.fail(err)
	}

	s.setState(StateCompleted)
	s.emit(StateCompleted, nil)
	return nil
}

// sendChunk writes one chunk with the per-chunk retry budget. The same
// chunk is resent at the same offset on timeout; the session never
// skips ahead past an unacknowledged chunk.
func (s *Session) sendChunk(ctx context.Context, conn Conn, chunk []byte, offset int) error {
	retries := s.opts.ChunkRetries

	for {
		ackCtx, cancelAck := context.WithTimeout(ctx, s.opts.AckTimeout)
		err := conn.WriteChunk(ackCtx, chunk)
		cancelAck()

		if err == nil {
			return nil
		}

		if errors.Is(err, ErrDisconnected) {
			return fmt.Errorf("%w at offset %d", ErrConnectionLost, offset)
		}

		if ctx.Err() != nil || s.stopRequested(ctx) {
			return ErrCancelled
		}

		if retries == 0 {
			return &ChunkTransferError{Offset: offset, Err: err}
		}
		retries--

		log.Debug().
			Str("device", s.addr.String()).
			Int("offset", offset).
			Int("retries_left", retries).
			Msg("Chunk not acknowledged, resending")
	}
}

// pause sleeps for d, returning true if cancellation was requested
func (s *Session) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return s.stopRequested(ctx)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return false
	case <-s.cancel:
		return true
	case <-ctx.Done():
		return true
	}
}

// stopRequested reports whether cancellation was requested
func (s *Session) stopRequested(ctx context.Context) bool {
	select {
	case <-s.cancel:
		return true
	default:
	}
	return ctx.Err() != nil
}

// cancelled attempts a clean abort signal and terminates the session
func (s *Session) cancelled(ctx context.Context, conn Conn) error {
	abortCtx, cancelAbort := context.WithTimeout(context.Background(), s.opts.AckTimeout)
	if err := conn.Abort(abortCtx); err != nil {
		log.Debug().Err(err).Str("device", s.addr.String()).Msg("OTA abort signal failed")
	}
	cancelAbort()

	s.setState(StateCancelled)
	s.emit(StateCancelled, ErrCancelled)
	return ErrCancelled
}

// fail terminates the session with err
func (s *Session) fail(err error) error {
	s.setState(StateFailed)
	s.emit(StateFailed, err)
	return err
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	if !state.Terminal() && state != StateTransferring {
		s.emit(state, nil)
	}
}

func (s *Session) setOffset(offset int) {
	s.mu.Lock()
	s.offset = offset
	s.mu.Unlock()
}

func (s *Session) emit(state State, err error) {
	if s.progress == nil {
		return
	}

	s.mu.Lock()
	sent := s.offset
	s.mu.Unlock()

	total := s.artifact.Len()
	progress := 0.0
	if total > 0 {
		progress = float64(sent) / float64(total)
	}

	s.progress(ProgressEvent{
		State:    state,
		Sent:     sent,
		Total:    total,
		Progress: progress,
		Err:      err,
	})
}
