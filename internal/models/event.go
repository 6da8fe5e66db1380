package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	MAC *MACAddress `json:"mac,omitempty" db:"mac"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Code        string     `json:"code" db:"code"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Update lifecycle events
	EventTypeCheck           EventType = "CHECK"
	EventTypeReleaseResolved EventType = "RELEASE_RESOLVED"
	EventTypeFlashStarted    EventType = "FLASH_STARTED"
	EventTypeFlashProgress   EventType = "FLASH_PROGRESS"
	EventTypeFlashCompleted  EventType = "FLASH_COMPLETED"
	EventTypeFlashFailed     EventType = "FLASH_FAILED"
	EventTypeFlashCancelled  EventType = "FLASH_CANCELLED"

	// System events
	EventTypeAPICall EventType = "API_CALL"
	EventTypeError   EventType = "ERROR"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)
