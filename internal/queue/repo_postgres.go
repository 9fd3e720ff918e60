package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"telecom-ingest/pkg/utils"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore persists the queue in sync_queue. Enqueue sends a NOTIFY on
// Channel so idle workers wake without waiting for their poll tick.
type PostgresStore struct {
	db      *sql.DB
	Channel string
}

func NewPostgresStore(db *sql.DB, channel string) *PostgresStore {
	return &PostgresStore{db: db, Channel: channel}
}

const itemColumns = `
id, integration_id, operation, entity_type, entity_native_id, event_type, payload, verification,
status, attempts, max_retries, scheduled_at, claim_token, claimed_at, claim_deadline, last_error,
completed_at, COALESCE(replay_of, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		it      Item
		payload []byte
	)
	if err := row.Scan(
		&it.ID,
		&it.IntegrationID,
		&it.Operation,
		&it.EntityType,
		&it.EntityNativeID,
		&it.EventType,
		&payload,
		&it.Verification,
		&it.Status,
		&it.Attempts,
		&it.MaxRetries,
		&it.ScheduledAt,
		&it.ClaimToken,
		&it.ClaimedAt,
		&it.ClaimDeadline,
		&it.LastError,
		&it.CompletedAt,
		&it.ReplayOf,
		&it.CreatedAt,
		&it.UpdatedAt,
	); err != nil {
		return Item{}, err
	}
	it.Payload = payload
	return it, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresStore) Enqueue(ctx context.Context, in NewItem, now time.Time) (Item, error) {
	if in.IntegrationID == "" || len(in.Payload) == 0 {
		return Item{}, errors.New("queue: integration_id and payload required")
	}
	scheduled := in.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	q := `
INSERT INTO sync_queue (
  id, integration_id, operation, entity_type, entity_native_id, event_type, payload, verification,
  status, attempts, max_retries, scheduled_at, replay_of, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7::jsonb,$8,'pending',0,$9,$10,$11,$12,$12
)
RETURNING ` + itemColumns

	var it Item
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		it, err = scanItem(tx.QueryRowContext(ctx, q,
			uuid.NewString(),
			in.IntegrationID,
			in.Operation,
			in.EntityType,
			in.EntityNativeID,
			in.EventType,
			string(in.Payload),
			in.Verification,
			in.MaxRetries,
			scheduled,
			nullable(in.ReplayOf),
			now,
		))
		if err != nil {
			return err
		}
		if s.Channel == "" {
			return nil
		}
		// Delivered on commit.
		_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, s.Channel, it.ID)
		return err
	})
	return it, err
}

func (s *PostgresStore) Claim(ctx context.Context, now time.Time, lease time.Duration) (Item, bool, error) {
	// SKIP LOCKED keeps competing workers off the same candidate; the status
	// predicate on the outer UPDATE is what makes the transition conditional.
	q := `
UPDATE sync_queue
SET status = 'processing', attempts = attempts + 1, claim_token = $1,
    claimed_at = $2, claim_deadline = $3, updated_at = $2
WHERE id = (
  SELECT id FROM sync_queue
  WHERE status = 'pending' AND scheduled_at <= $2
  ORDER BY scheduled_at, created_at
  LIMIT 1
  FOR UPDATE SKIP LOCKED
) AND status = 'pending'
RETURNING ` + itemColumns
	it, err := scanItem(s.db.QueryRowContext(ctx, q, uuid.NewString(), now, now.Add(lease)))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	return it, true, nil
}

func (s *PostgresStore) transition(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, id, token string, now time.Time) error {
	return s.transition(ctx, `
UPDATE sync_queue
SET status = 'completed', completed_at = $3, claim_token = '', claim_deadline = NULL, updated_at = $3
WHERE id = $1 AND claim_token = $2 AND status = 'processing'`, id, token, now)
}

func (s *PostgresStore) Retry(ctx context.Context, id, token, lastErr string, at, now time.Time) error {
	return s.transition(ctx, `
UPDATE sync_queue
SET status = 'pending', scheduled_at = $4, last_error = $3, claim_token = '', claim_deadline = NULL, updated_at = $5
WHERE id = $1 AND claim_token = $2 AND status = 'processing'`, id, token, lastErr, at, now)
}

func (s *PostgresStore) DeadLetter(ctx context.Context, id, token, lastErr string, now time.Time) error {
	return s.transition(ctx, `
UPDATE sync_queue
SET status = 'dead_lettered', last_error = $3, claim_token = '', claim_deadline = NULL, updated_at = $4
WHERE id = $1 AND claim_token = $2 AND status = 'processing'`, id, token, lastErr, now)
}

func (s *PostgresStore) ReclaimExpired(ctx context.Context, now time.Time) (int, []Item, error) {
	q := `
UPDATE sync_queue
SET status = CASE WHEN attempts >= max_retries THEN 'dead_lettered' ELSE 'pending' END,
    scheduled_at = $1, last_error = 'claim deadline exceeded',
    claim_token = '', claim_deadline = NULL, updated_at = $1
WHERE status = 'processing' AND claim_deadline < $1
RETURNING ` + itemColumns
	rows, err := s.db.QueryContext(ctx, q, now)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()
	reclaimed := 0
	var dead []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return 0, nil, err
		}
		if it.Status == StatusDeadLettered {
			dead = append(dead, it)
			continue
		}
		reclaimed++
	}
	return reclaimed, dead, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, err
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]Item, error) {
	q := `SELECT ` + itemColumns + `
FROM sync_queue
WHERE status = 'dead_lettered' AND (cardinality($1::text[]) = 0 OR integration_id = ANY($1::text[]))
ORDER BY updated_at DESC, id
LIMIT $2 OFFSET $3`
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	// pq encodes a nil slice as NULL, which would match nothing.
	ids := f.IntegrationIDs
	if ids == nil {
		ids = []string{}
	}
	rows, err := s.db.QueryContext(ctx, q, pq.Array(ids), f.limit(), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OpenNativeIDs(ctx context.Context, integrationID string, nativeIDs []string) (map[string]bool, error) {
	out := map[string]bool{}
	if len(nativeIDs) == 0 {
		return out, nil
	}
	const q = `
SELECT DISTINCT entity_native_id
FROM sync_queue
WHERE integration_id = $1 AND status IN ('pending', 'processing') AND entity_native_id = ANY($2::text[])
`
	rows, err := s.db.QueryContext(ctx, q, integrationID, pq.Array(nativeIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context, integrationID string, since time.Time) (Stats, error) {
	const q = `
SELECT
  COUNT(*) FILTER (WHERE status = 'completed' AND updated_at >= $2),
  COUNT(*) FILTER (WHERE status = 'dead_lettered' AND updated_at >= $2),
  COUNT(*) FILTER (WHERE (status = 'pending' AND attempts > 0) OR (status = 'processing' AND attempts > 1)),
  COUNT(*) FILTER (WHERE status = 'pending')
FROM sync_queue
WHERE integration_id = $1 AND (updated_at >= $2 OR status IN ('pending', 'processing'))
`
	var st Stats
	err := s.db.QueryRowContext(ctx, q, integrationID, since).Scan(&st.Completed, &st.DeadLettered, &st.Retrying, &st.Pending)
	return st, err
}
