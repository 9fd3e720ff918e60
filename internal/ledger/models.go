package ledger

import (
	"encoding/json"
	"errors"
	"time"

	"telecom-ingest/internal/costs"
	"telecom-ingest/internal/telephony"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("ledger: event not found")
	ErrInvalidRequest = errors.New("ledger: invalid request")
)

// eventNamespace scopes deterministic event ids. Changing it re-keys every event.
var eventNamespace = uuid.MustParse("7b3f6c1e-2d4a-5e8b-9c0d-1f2a3b4c5d6e")

// EventID is the deterministic id for (integration, provider, native id). The
// same provider event always maps to the same row, whichever path delivered it.
func EventID(integrationID string, provider telephony.Provider, nativeID string) string {
	return uuid.NewSHA1(eventNamespace, []byte(integrationID+"|"+string(provider)+"|"+nativeID)).String()
}

// Event is one normalized telephony record.
type Event struct {
	ID              string              `json:"id"`
	IntegrationID   string              `json:"integration_id"`
	AccountID       string              `json:"account_id"`
	Provider        telephony.Provider  `json:"provider"`
	ProviderEventID string              `json:"provider_event_id"`
	Type            telephony.EventType `json:"event_type"`
	Direction       telephony.Direction `json:"direction"`
	ParentID        *string             `json:"parent_event_id,omitempty"`
	Layer           telephony.Layer     `json:"layer"`
	CorrelationID   string              `json:"correlation_id,omitempty"`
	AgentID         string              `json:"agent_id,omitempty"`
	Status          string              `json:"status,omitempty"`
	DurationSeconds int                 `json:"duration_seconds"`
	CostMicros      int64               `json:"cost_micros"`
	CostCurrency    string              `json:"cost_currency,omitempty"`

	// AggregateCost is set on roots only: own cost plus direct children, in the
	// account's reporting currency.
	AggregateCost *costs.Money `json:"aggregate_cost,omitempty"`

	OccurredAt      time.Time       `json:"occurred_at"`
	SourceUpdatedAt time.Time       `json:"source_updated_at"`
	Normalized      json.RawMessage `json:"normalized"`
	Fingerprint     string          `json:"fingerprint"`
	IngestedAt      time.Time       `json:"ingested_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (e Event) Cost() costs.Money {
	return costs.Money{Micros: e.CostMicros, Currency: e.CostCurrency}
}

func (e Event) Parent() string {
	if e.ParentID == nil {
		return ""
	}
	return *e.ParentID
}

// newer reports whether candidate should replace current. Ties on the source
// marker break on fingerprint so every delivery order converges on one version.
func newer(candidate, current Event) bool {
	if candidate.Fingerprint == current.Fingerprint {
		return false
	}
	if candidate.SourceUpdatedAt.After(current.SourceUpdatedAt) {
		return true
	}
	if candidate.SourceUpdatedAt.Equal(current.SourceUpdatedAt) {
		return candidate.Fingerprint > current.Fingerprint
	}
	return false
}

type UpsertResult string

const (
	UpsertInserted  UpsertResult = "inserted"
	UpsertUpdated   UpsertResult = "updated"
	UpsertUnchanged UpsertResult = "unchanged"
)

// GroupKey addresses the set of events whose links and aggregates depend on
// each other. Without a correlation id the group is the single event.
type GroupKey struct {
	AccountID     string
	CorrelationID string
	EventID       string
}

func (k GroupKey) lockKey() string {
	if k.CorrelationID == "" {
		return "event:" + k.EventID
	}
	return "corr:" + k.AccountID + "|" + k.CorrelationID
}

// GroupUpdate is the derived state for one event of a group.
type GroupUpdate struct {
	EventID       string
	ParentID      *string
	AggregateCost *costs.Money
}

// PlanFunc computes derived state for a group. It runs while the group is locked.
type PlanFunc func(group []Event) ([]GroupUpdate, error)

type Filter struct {
	AccountID     string
	IntegrationID string
	Provider      telephony.Provider
	EventType     telephony.EventType
	Direction     telephony.Direction
	From          time.Time
	To            time.Time
	ParentOnly    bool
	Limit         int
	Offset        int
}

const (
	DefaultLimit = 100
	MaxLimit     = 500
)

func (f Filter) match(e Event) bool {
	if f.AccountID != "" && e.AccountID != f.AccountID {
		return false
	}
	if f.IntegrationID != "" && e.IntegrationID != f.IntegrationID {
		return false
	}
	if f.Provider != "" && e.Provider != f.Provider {
		return false
	}
	if f.EventType != "" && e.Type != f.EventType {
		return false
	}
	if f.Direction != "" && e.Direction != f.Direction {
		return false
	}
	if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.OccurredAt.Before(f.To) {
		return false
	}
	if f.ParentOnly && e.ParentID != nil {
		return false
	}
	return true
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameMoney(a, b *costs.Money) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
