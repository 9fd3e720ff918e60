package audit

import "time"

// Event is an immutable, append-only audit record for pipeline exceptions and
// operator actions. The audit_events table rejects UPDATE and DELETE.
type Event struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	IntegrationID string `json:"integration_id,omitempty"`

	Type EventType `json:"type"`

	// ActorUserID is empty for events raised by the pipeline itself.
	ActorUserID string `json:"actor_user_id,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`

	QueueItemID string `json:"queue_item_id,omitempty"`

	Message string `json:"message,omitempty"`
	// Metadata is a JSON object.
	Metadata string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventTypeUnsignedWebhook EventType = "webhook_unsigned_accepted"
	EventTypeSecretRotated   EventType = "webhook_secret_rotated"
	EventTypeDeadLettered    EventType = "queue_item_dead_lettered"
	EventTypeReplayed        EventType = "queue_item_replayed"
	EventTypeBackfillTrigger EventType = "backfill_triggered"
)
