package v1

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies one of the fixed sync event types.
// Values are string-stable: they appear verbatim on the wire and must never change.
type EventKind string

const (
	KindTransactionAdded   EventKind = "transaction_added"
	KindTransactionUpdated EventKind = "transaction_updated"
	KindTransactionDeleted EventKind = "transaction_deleted"
	KindReceiptProcessed   EventKind = "receipt_processed"
	KindGoalCreated        EventKind = "goal_created"
	KindGoalUpdated        EventKind = "goal_updated"
	KindGoalProgress       EventKind = "goal_progress_updated"
	KindBudgetUpdated      EventKind = "budget_updated"
	KindMilestoneAchieved  EventKind = "milestone_achieved"
	KindAutoSaveTriggered  EventKind = "auto_save_triggered"
)

// Kinds lists every valid event kind.
var Kinds = []EventKind{
	KindTransactionAdded,
	KindTransactionUpdated,
	KindTransactionDeleted,
	KindReceiptProcessed,
	KindGoalCreated,
	KindGoalUpdated,
	KindGoalProgress,
	KindBudgetUpdated,
	KindMilestoneAchieved,
	KindAutoSaveTriggered,
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// SyncEvent is the atomic unit of cross-entity propagation.
// All fields except Processed are immutable after construction; Processed is
// flipped exactly once by the bus consumer after all processing stages complete.
type SyncEvent struct {
	// ID is a fresh random identifier assigned at emission time.
	ID string `json:"id"`

	// Kind selects the cascade handler and the subscriber list for this event.
	Kind EventKind `json:"event_type"`

	// UserID scopes all routing and live-connection fan-out.
	UserID string `json:"user_id"`

	// Payload carries event-specific data as a generic mapping.
	// Producers should build it through the typed payload constructors in this
	// package; the bus itself does not validate payload contents.
	Payload map[string]any `json:"data"`

	// CreatedAt is the emission timestamp. Audit only — queue order is FIFO,
	// not timestamp order.
	CreatedAt time.Time `json:"timestamp"`

	// Processed is set by the bus consumer once the event has fully cascaded.
	Processed bool `json:"processed"`

	// RelatedEntities is the emitter's hint of affected entity types.
	// The cascade relationship table is authoritative; this is advisory.
	RelatedEntities []string `json:"related_entities"`
}

// NewSyncEvent constructs a SyncEvent with a fresh id and timestamp.
// The kind must be one of the fixed enumeration and userID must be non-empty;
// these are the only construction failures.
func NewSyncEvent(kind EventKind, userID string, payload map[string]any, relatedEntities []string) (*SyncEvent, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid event kind %q", kind)
	}
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if relatedEntities == nil {
		relatedEntities = []string{}
	}
	return &SyncEvent{
		ID:              uuid.NewString(),
		Kind:            kind,
		UserID:          userID,
		Payload:         payload,
		CreatedAt:       time.Now().UTC(),
		RelatedEntities: relatedEntities,
	}, nil
}

// WireMessage is the envelope delivered to live connections, one per event.
type WireMessage struct {
	Type  string    `json:"type"`
	Event WireEvent `json:"event"`
}

// WireEvent is the serialized event body inside a WireMessage.
// Timestamp is rendered as ISO-8601.
type WireEvent struct {
	ID              string         `json:"id"`
	EventType       string         `json:"event_type"`
	UserID          string         `json:"user_id"`
	Data            map[string]any `json:"data"`
	Timestamp       string         `json:"timestamp"`
	Processed       bool           `json:"processed"`
	RelatedEntities []string       `json:"related_entities"`
}

// Wire converts the event into its live-delivery envelope.
func (e *SyncEvent) Wire() WireMessage {
	return WireMessage{
		Type: "sync_event",
		Event: WireEvent{
			ID:              e.ID,
			EventType:       string(e.Kind),
			UserID:          e.UserID,
			Data:            e.Payload,
			Timestamp:       e.CreatedAt.Format(time.RFC3339Nano),
			Processed:       e.Processed,
			RelatedEntities: e.RelatedEntities,
		},
	}
}
