package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is append-only. There are no Update/Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal audit information. Callers treat it as best-effort:
// a failed audit write is logged, never surfaced to the provider.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.AccountID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if e.Metadata == "" {
		e.Metadata = "{}"
	}
	return s.repo.Append(ctx, e)
}

func metadata(kv map[string]any) string {
	if len(kv) == 0 {
		return "{}"
	}
	b, err := json.Marshal(kv)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// LogUnsignedWebhook records a webhook accepted on token alone because the
// integration has no signing secret.
func (s *Service) LogUnsignedWebhook(ctx context.Context, accountID, integrationID, queueItemID, ip, provider string) error {
	return s.Append(ctx, Event{
		AccountID:     accountID,
		IntegrationID: integrationID,
		Type:          EventTypeUnsignedWebhook,
		IPAddress:     ip,
		QueueItemID:   queueItemID,
		Message:       "webhook accepted without signature",
		Metadata:      metadata(map[string]any{"provider": provider}),
	})
}

func (s *Service) LogSecretRotated(ctx context.Context, accountID, integrationID, actorUserID, ip string, version int, graceUntil time.Time) error {
	return s.Append(ctx, Event{
		AccountID:     accountID,
		IntegrationID: integrationID,
		Type:          EventTypeSecretRotated,
		ActorUserID:   actorUserID,
		IPAddress:     ip,
		Message:       "webhook secret rotated",
		Metadata:      metadata(map[string]any{"version": version, "previous_valid_until": graceUntil.UTC().Format(time.RFC3339)}),
	})
}

func (s *Service) LogDeadLettered(ctx context.Context, accountID, integrationID, queueItemID string, attempts int, lastErr string) error {
	return s.Append(ctx, Event{
		AccountID:     accountID,
		IntegrationID: integrationID,
		Type:          EventTypeDeadLettered,
		QueueItemID:   queueItemID,
		Message:       lastErr,
		Metadata:      metadata(map[string]any{"attempts": attempts}),
	})
}

func (s *Service) LogReplay(ctx context.Context, accountID, integrationID, actorUserID, ip, deadItemID, newItemID string) error {
	return s.Append(ctx, Event{
		AccountID:     accountID,
		IntegrationID: integrationID,
		Type:          EventTypeReplayed,
		ActorUserID:   actorUserID,
		IPAddress:     ip,
		QueueItemID:   newItemID,
		Message:       "dead-lettered item replayed",
		Metadata:      metadata(map[string]any{"replay_of": deadItemID}),
	})
}

func (s *Service) LogBackfill(ctx context.Context, accountID, integrationID, actorUserID, ip string, days int) error {
	return s.Append(ctx, Event{
		AccountID:     accountID,
		IntegrationID: integrationID,
		Type:          EventTypeBackfillTrigger,
		ActorUserID:   actorUserID,
		IPAddress:     ip,
		Message:       "backfill triggered",
		Metadata:      metadata(map[string]any{"days": days}),
	})
}
