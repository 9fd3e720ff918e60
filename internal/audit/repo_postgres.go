package audit

import (
	"context"
	"database/sql"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, account_id, integration_id, type, actor_user_id, ip_address, queue_item_id, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.AccountID,
		e.IntegrationID,
		e.Type,
		e.ActorUserID,
		e.IPAddress,
		e.QueueItemID,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
