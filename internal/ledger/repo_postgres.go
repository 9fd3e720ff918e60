package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"telecom-ingest/internal/costs"
	"telecom-ingest/internal/telephony"
	"telecom-ingest/pkg/utils"

	"github.com/lib/pq"
)

type PostgresStore struct {
	db  *sql.DB
	Now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, Now: time.Now}
}

func (s *PostgresStore) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

const eventColumns = `
id, integration_id, account_id, provider, provider_event_id, event_type, direction, parent_event_id,
layer, correlation_id, agent_id, status, duration_seconds, cost_micros, cost_currency,
aggregate_cost_micros, aggregate_currency, occurred_at, source_updated_at, normalized, fingerprint,
ingested_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		e          Event
		aggMicros  sql.NullInt64
		aggCur     string
		srcUpdated sql.NullTime
		normalized []byte
	)
	if err := row.Scan(
		&e.ID,
		&e.IntegrationID,
		&e.AccountID,
		&e.Provider,
		&e.ProviderEventID,
		&e.Type,
		&e.Direction,
		&e.ParentID,
		&e.Layer,
		&e.CorrelationID,
		&e.AgentID,
		&e.Status,
		&e.DurationSeconds,
		&e.CostMicros,
		&e.CostCurrency,
		&aggMicros,
		&aggCur,
		&e.OccurredAt,
		&srcUpdated,
		&normalized,
		&e.Fingerprint,
		&e.IngestedAt,
		&e.UpdatedAt,
	); err != nil {
		return Event{}, err
	}
	if aggMicros.Valid {
		e.AggregateCost = &costs.Money{Micros: aggMicros.Int64, Currency: aggCur}
	}
	if srcUpdated.Valid {
		e.SourceUpdatedAt = srcUpdated.Time
	}
	e.Normalized = normalized
	return e, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *PostgresStore) Upsert(ctx context.Context, e Event) (UpsertResult, error) {
	if e.ID == "" {
		e.ID = EventID(e.IntegrationID, e.Provider, e.ProviderEventID)
	}
	normalized := string(e.Normalized)
	if normalized == "" {
		normalized = "{}"
	}

	// The WHERE on DO UPDATE keeps stale or identical deliveries from
	// rewriting the row; no row comes back in that case.
	const q = `
INSERT INTO telephony_events (
  id, integration_id, account_id, provider, provider_event_id, event_type, direction, layer,
  correlation_id, agent_id, status, duration_seconds, cost_micros, cost_currency,
  occurred_at, source_updated_at, normalized, fingerprint, ingested_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17::jsonb,$18,$19,$19
)
ON CONFLICT (integration_id, provider, provider_event_id) DO UPDATE SET
  event_type = EXCLUDED.event_type,
  direction = EXCLUDED.direction,
  layer = EXCLUDED.layer,
  correlation_id = EXCLUDED.correlation_id,
  agent_id = EXCLUDED.agent_id,
  status = EXCLUDED.status,
  duration_seconds = EXCLUDED.duration_seconds,
  cost_micros = EXCLUDED.cost_micros,
  cost_currency = EXCLUDED.cost_currency,
  occurred_at = EXCLUDED.occurred_at,
  source_updated_at = EXCLUDED.source_updated_at,
  normalized = EXCLUDED.normalized,
  fingerprint = EXCLUDED.fingerprint,
  updated_at = EXCLUDED.updated_at
WHERE telephony_events.fingerprint <> EXCLUDED.fingerprint
  AND (
    COALESCE(EXCLUDED.source_updated_at, '-infinity') > COALESCE(telephony_events.source_updated_at, '-infinity')
    OR (
      COALESCE(EXCLUDED.source_updated_at, '-infinity') = COALESCE(telephony_events.source_updated_at, '-infinity')
      AND EXCLUDED.fingerprint COLLATE "C" > telephony_events.fingerprint COLLATE "C"
    )
  )
RETURNING (xmax = 0)
`
	var inserted bool
	err := s.db.QueryRowContext(ctx, q,
		e.ID,
		e.IntegrationID,
		e.AccountID,
		e.Provider,
		e.ProviderEventID,
		e.Type,
		e.Direction,
		e.Layer,
		e.CorrelationID,
		e.AgentID,
		e.Status,
		e.DurationSeconds,
		e.CostMicros,
		e.CostCurrency,
		e.OccurredAt,
		nullTime(e.SourceUpdatedAt),
		normalized,
		e.Fingerprint,
		s.now(),
	).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return UpsertUnchanged, nil
	}
	if err != nil {
		return "", err
	}
	if inserted {
		return UpsertInserted, nil
	}
	return UpsertUpdated, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Event, error) {
	q := `SELECT ` + eventColumns + ` FROM telephony_events WHERE id = $1`
	e, err := scanEvent(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) Children(ctx context.Context, parentID string) ([]Event, error) {
	q := `SELECT ` + eventColumns + ` FROM telephony_events WHERE parent_event_id = $1 ORDER BY occurred_at ASC, id ASC`
	return s.list(ctx, s.db, q, parentID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) list(ctx context.Context, db querier, q string, args ...any) ([]Event, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Fingerprints(ctx context.Context, integrationID string, provider telephony.Provider, nativeIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(nativeIDs))
	if len(nativeIDs) == 0 {
		return out, nil
	}
	const q = `
SELECT provider_event_id, fingerprint
FROM telephony_events
WHERE integration_id = $1 AND provider = $2 AND provider_event_id = ANY($3)
`
	rows, err := s.db.QueryContext(ctx, q, integrationID, provider, pq.Array(nativeIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, fp string
		if err := rows.Scan(&id, &fp); err != nil {
			return nil, err
		}
		out[id] = fp
	}
	return out, rows.Err()
}

// Reconcile serializes work on a group with a transaction-scoped advisory lock,
// so concurrent workers finishing events of the same call see each other's rows.
func (s *PostgresStore) Reconcile(ctx context.Context, key GroupKey, plan PlanFunc) error {
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.lockKey()); err != nil {
			return fmt.Errorf("ledger: group lock: %w", err)
		}

		var (
			group []Event
			err   error
		)
		if key.CorrelationID == "" {
			q := `SELECT ` + eventColumns + ` FROM telephony_events WHERE id = $1 FOR UPDATE`
			group, err = s.list(ctx, tx, q, key.EventID)
		} else {
			q := `SELECT ` + eventColumns + ` FROM telephony_events
WHERE account_id = $1 AND correlation_id = $2
ORDER BY occurred_at ASC, id ASC
FOR UPDATE`
			group, err = s.list(ctx, tx, q, key.AccountID, key.CorrelationID)
		}
		if err != nil {
			return err
		}
		if len(group) == 0 {
			return nil
		}

		updates, err := plan(group)
		if err != nil {
			return err
		}
		current := make(map[string]Event, len(group))
		for _, e := range group {
			current[e.ID] = e
		}

		const upd = `
UPDATE telephony_events
SET parent_event_id = $2, aggregate_cost_micros = $3, aggregate_currency = $4, updated_at = $5
WHERE id = $1
`
		now := s.now()
		for _, u := range updates {
			e, ok := current[u.EventID]
			if !ok {
				continue
			}
			if sameParent(e.ParentID, u.ParentID) && sameMoney(e.AggregateCost, u.AggregateCost) {
				continue
			}
			var (
				parent    any
				aggMicros any
				aggCur    string
			)
			if u.ParentID != nil {
				parent = *u.ParentID
			}
			if u.AggregateCost != nil {
				aggMicros = u.AggregateCost.Micros
				aggCur = u.AggregateCost.Currency
			}
			if _, err := tx.ExecContext(ctx, upd, u.EventID, parent, aggMicros, aggCur, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.IntegrationID != "" {
		add("integration_id = $%d", f.IntegrationID)
	}
	if f.Provider != "" {
		add("provider = $%d", f.Provider)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.Direction != "" {
		add("direction = $%d", f.Direction)
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To)
	}
	if f.ParentOnly {
		where = append(where, "parent_event_id IS NULL")
	}

	q := `SELECT ` + eventColumns + ` FROM telephony_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, normalizeLimit(f.Limit), offset)
	q += fmt.Sprintf(" ORDER BY occurred_at DESC, id ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	out, err := s.list(ctx, s.db, q, args...)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Event{}
	}
	return out, nil
}
