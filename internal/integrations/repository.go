package integrations

import (
	"context"
	"time"

	"telecom-ingest/internal/telephony"
)

type Repository interface {
	Create(ctx context.Context, in Integration) error
	Get(ctx context.Context, id string) (Integration, error)
	GetByToken(ctx context.Context, provider telephony.Provider, token string) (Integration, error)
	ListActive(ctx context.Context) ([]Integration, error)
	// ListByAccount includes inactive integrations.
	ListByAccount(ctx context.Context, accountID string) ([]Integration, error)
	Deactivate(ctx context.Context, id string, at time.Time) error

	MarkWebhookReceived(ctx context.Context, id string, at time.Time) error
	MarkSynced(ctx context.Context, id string, at time.Time) error
	RecordPollError(ctx context.Context, id, msg string, at time.Time) error
	UpdateHealth(ctx context.Context, id string, pct int, reason string, at time.Time) error

	UpsertAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, id string) (Account, error)

	UpsertAgent(ctx context.Context, a Agent) error
	FindAgent(ctx context.Context, integrationID, providerAgentID string) (Agent, bool, error)

	// Secrets returns every version for the integration, newest first.
	Secrets(ctx context.Context, integrationID string) ([]WebhookSecret, error)
	// RotateSecret expires the current version at graceUntil and inserts next as current.
	RotateSecret(ctx context.Context, integrationID string, next WebhookSecret, graceUntil time.Time) (WebhookSecret, error)
}
