package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a metering event
type EventType string

const (
	// Cost ceiling events, published when a completion moves the monthly
	// spend across the warning ratio or the ceiling itself.
	EventCostCeilingWarning  EventType = "usage.cost_ceiling_warning"
	EventCostCeilingExceeded EventType = "usage.cost_ceiling_exceeded"

	// Quota events
	EventQuotaExhausted EventType = "usage.quota_exhausted"

	// Ledger events
	EventLedgerWriteFailed EventType = "ledger.write_failed"
	EventRetentionComplete EventType = "retention.completed"
)

// AllEventTypes lists every type the service publishes.
var AllEventTypes = []EventType{
	EventCostCeilingWarning,
	EventCostCeilingExceeded,
	EventQuotaExhausted,
	EventLedgerWriteFailed,
	EventRetentionComplete,
}

// Event is a single occurrence published on the bus
type Event struct {
	// ID is unique per event and used for delivery dedup
	ID string

	Type      EventType
	Timestamp time.Time

	// AccountID is empty for system events such as retention
	AccountID string

	Payload map[string]interface{}
}

// NewEvent creates an event stamped with a fresh id and the current time
func NewEvent(eventType EventType, accountID string, payload map[string]interface{}) Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		AccountID: accountID,
		Payload:   payload,
	}
}
