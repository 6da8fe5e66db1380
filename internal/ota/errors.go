package ota

import (
	"errors"
	"fmt"
)

// Terminal session errors
var (
	ErrConnectionFailed     = errors.New("connection failed")
	ErrNegotiationFailed    = errors.New("negotiation failed")
	ErrConnectionLost       = errors.New("connection lost")
	ErrVerificationRejected = errors.New("device rejected firmware image")
	ErrFinalizeTimeout      = errors.New("finalize timeout")
	ErrCancelled            = errors.New("flash cancelled")
)

// ChunkTransferError is returned when a chunk exhausts its retry budget.
// The offset of the failed chunk is retained for diagnostics.
type ChunkTransferError struct {
	Offset int
	Err    error
}

func (e *ChunkTransferError) Error() string {
	return fmt.Sprintf("chunk transfer failed at offset %d: %v", e.Offset, e.Err)
}

func (e *ChunkTransferError) Unwrap() error {
	return e.Err
}
