package ledger

import (
	"context"

	"telecom-ingest/internal/telephony"
)

// Store is the canonical event ledger.
//
// Upsert is keyed by (integration_id, provider, provider_event_id) and only
// replaces content with a newer version. Parent links and aggregates are
// owned by Reconcile and are never touched by Upsert.
type Store interface {
	Upsert(ctx context.Context, e Event) (UpsertResult, error)
	Get(ctx context.Context, id string) (Event, error)
	Children(ctx context.Context, parentID string) ([]Event, error)
	// Fingerprints returns native id -> stored fingerprint for the ids that exist.
	Fingerprints(ctx context.Context, integrationID string, provider telephony.Provider, nativeIDs []string) (map[string]string, error)
	Reconcile(ctx context.Context, key GroupKey, plan PlanFunc) error
	Query(ctx context.Context, f Filter) ([]Event, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
