package ota

import (
	"context"
	"errors"

	"github.com/atc-ota/atc-ota-server/internal/models"
)

// Transport-level write outcomes. A WriteChunk call resolves to an
// acknowledgment (nil), a timeout, or a disconnect; the session maps
// these onto its retry and failure policy.
var (
	ErrWriteTimeout = errors.New("chunk write timed out")
	ErrDisconnected = errors.New("transport disconnected")
)

// Transport establishes connections to device OTA endpoints. The
// flasher treats it as an opaque capability; radio-level concerns stay
// behind this boundary.
type Transport interface {
	Connect(ctx context.Context, addr models.MACAddress) (Conn, error)
}

// Conn is an exclusive connection to one device's OTA endpoint. It is
// owned by a single transfer session; no other operation may use it
// concurrently.
type Conn interface {
	// PayloadLimit returns the negotiated maximum payload per message,
	// or 0 when the transport reports no usable payload size.
	PayloadLimit() int

	// SupportsResume reports whether the device advertises resumable
	// offsets after a disconnect.
	SupportsResume() bool

	// Begin switches the device into OTA receive mode
	Begin(ctx context.Context) error

	// WriteChunk sends one chunk and awaits its acknowledgment. It
	// returns nil on ack, ErrWriteTimeout when no ack arrives in time,
	// or ErrDisconnected when the link drops.
	WriteChunk(ctx context.Context, p []byte) error

	// Commit sends the completion signal and awaits the device's
	// confirmation that it validated and accepted the full image.
	// Returns ErrVerificationRejected or ErrFinalizeTimeout on failure.
	Commit(ctx context.Context) error

	// Abort signals a clean abort, best effort
	Abort(ctx context.Context) error

	Close() error
}
