package models

import (
	"time"

	"github.com/google/uuid"
)

// Event is one diagnostic or security event emitted by the pipeline and
// consumed by the external observability collaborator.
type Event struct {
	ID        uuid.UUID  `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	Kind      EventKind  `json:"kind"`
	Level     EventLevel `json:"level"`

	Channel string `json:"channel,omitempty"`
	Source  uint8  `json:"source,omitempty"`
	MsgID   uint32 `json:"msgId,omitempty"`

	Description string    `json:"description"`
	Details     Variables `json:"details,omitempty"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(kind EventKind, level EventLevel, description string) Event {
	return Event{
		ID:          uuid.New(),
		CreatedAt:   time.Now(),
		Kind:        kind,
		Level:       level,
		Description: description,
	}
}

// EventKind classifies pipeline events.
type EventKind string

const (
	// Decode pipeline events
	EventKindUnknownMessage     EventKind = "UNKNOWN_MESSAGE"
	EventKindReassemblyTimeout  EventKind = "REASSEMBLY_TIMEOUT"
	EventKindReassemblySequence EventKind = "REASSEMBLY_SEQUENCE"
	EventKindValidation         EventKind = "VALIDATION"
	EventKindQueueOverflow      EventKind = "QUEUE_OVERFLOW"

	// Security events
	EventKindRateLimited      EventKind = "RATE_LIMITED"
	EventKindFlooding         EventKind = "FLOODING"
	EventKindScanning         EventKind = "SCANNING"
	EventKindSpoofing         EventKind = "SPOOFING"
	EventKindMalformedPayload EventKind = "MALFORMED_PAYLOAD"
)

// EventLevel is the event severity.
type EventLevel string

const (
	EventLevelDebug    EventLevel = "DEBUG"
	EventLevelInfo     EventLevel = "INFO"
	EventLevelWarning  EventLevel = "WARNING"
	EventLevelError    EventLevel = "ERROR"
	EventLevelCritical EventLevel = "CRITICAL"
)

// Variables is a free-form detail map attached to events and entity updates.
type Variables map[string]interface{}
