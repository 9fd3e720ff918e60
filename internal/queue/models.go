package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal items are never mutated again.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusDeadLettered }

type Operation string

const (
	OperationWebhook      Operation = "webhook"
	OperationPollBackfill Operation = "poll_backfill"
)

// Verification records how the payload was authenticated on the way in.
type Verification string

const (
	VerificationSigned    Verification = "signed"
	VerificationTokenOnly Verification = "token_only"
	VerificationPoll      Verification = "poll"
)

var (
	ErrNotFound      = errors.New("queue: item not found")
	ErrClaimLost     = errors.New("queue: claim lost")
	ErrNotReplayable = errors.New("queue: only dead-lettered items can be replayed")
)

type Item struct {
	ID             string          `json:"id"`
	IntegrationID  string          `json:"integration_id"`
	Operation      Operation       `json:"operation"`
	EntityType     string          `json:"entity_type"`
	EntityNativeID string          `json:"entity_native_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Verification   Verification    `json:"verification"`

	Status     Status `json:"status"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`

	ScheduledAt   time.Time  `json:"scheduled_at"`
	ClaimToken    string     `json:"-"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	ClaimDeadline *time.Time `json:"claim_deadline,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ReplayOf      string     `json:"replay_of,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewItem is the input to Enqueue.
type NewItem struct {
	IntegrationID  string
	Operation      Operation
	EntityType     string
	EntityNativeID string
	EventType      string
	Payload        json.RawMessage
	Verification   Verification
	MaxRetries     int
	ScheduledAt    time.Time
	ReplayOf       string
}

// Stats are per-integration outcome counts over a window, used by the health monitor.
type Stats struct {
	Completed    int
	DeadLettered int
	// Retrying counts open items that have already failed at least once.
	Retrying int
	Pending  int
}
