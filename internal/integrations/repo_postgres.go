package integrations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"telecom-ingest/internal/telephony"
	"telecom-ingest/pkg/utils"

	"github.com/lib/pq"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const integrationColumns = `
id, account_id, provider, capabilities, active, webhook_token, last_synced_at, webhook_received_at,
health_pct, degraded_reason, last_poll_error, last_poll_error_at, config, credentials_encrypted,
created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntegration(row rowScanner) (Integration, error) {
	var (
		in     Integration
		caps   []string
		config []byte
	)
	if err := row.Scan(
		&in.ID,
		&in.AccountID,
		&in.Provider,
		pq.Array(&caps),
		&in.Active,
		&in.WebhookToken,
		&in.LastSyncedAt,
		&in.WebhookReceivedAt,
		&in.HealthPct,
		&in.DegradedReason,
		&in.LastPollError,
		&in.LastPollErrorAt,
		&config,
		&in.CredentialsEncrypted,
		&in.CreatedAt,
		&in.UpdatedAt,
	); err != nil {
		return Integration{}, err
	}
	for _, c := range caps {
		in.Capabilities = append(in.Capabilities, telephony.Capability(c))
	}
	in.Config = json.RawMessage(config)
	return in, nil
}

func (r *PostgresRepo) Create(ctx context.Context, in Integration) error {
	const q = `
INSERT INTO integrations (
  id, account_id, provider, capabilities, active, webhook_token, config, credentials_encrypted, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9,$9
)
`
	caps := make([]string, 0, len(in.Capabilities))
	for _, c := range in.Capabilities {
		caps = append(caps, string(c))
	}
	config := in.Config
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}
	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, q,
		in.ID,
		in.AccountID,
		in.Provider,
		pq.Array(caps),
		in.Active,
		in.WebhookToken,
		string(config),
		in.CredentialsEncrypted,
		created,
	)
	if utils.IsUniqueViolation(err) {
		return fmt.Errorf("%w: duplicate integration or webhook token", ErrInvalidArgument)
	}
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Integration, error) {
	q := `SELECT ` + integrationColumns + ` FROM integrations WHERE id = $1`
	in, err := scanIntegration(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Integration{}, ErrNotFound
	}
	return in, err
}

func (r *PostgresRepo) GetByToken(ctx context.Context, provider telephony.Provider, token string) (Integration, error) {
	q := `SELECT ` + integrationColumns + ` FROM integrations WHERE provider = $1 AND webhook_token = $2`
	in, err := scanIntegration(r.db.QueryRowContext(ctx, q, provider, token))
	if errors.Is(err, sql.ErrNoRows) {
		return Integration{}, ErrNotFound
	}
	return in, err
}

func (r *PostgresRepo) ListActive(ctx context.Context) ([]Integration, error) {
	return r.list(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE active ORDER BY id`)
}

func (r *PostgresRepo) ListByAccount(ctx context.Context, accountID string) ([]Integration, error) {
	return r.list(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE account_id = $1 ORDER BY id`, accountID)
}

func (r *PostgresRepo) list(ctx context.Context, q string, args ...any) ([]Integration, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) exec(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) Deactivate(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, `UPDATE integrations SET active = FALSE, updated_at = $2 WHERE id = $1`, id, at)
}

func (r *PostgresRepo) MarkWebhookReceived(ctx context.Context, id string, at time.Time) error {
	// GREATEST keeps the marker monotonic when webhooks land out of order.
	return r.exec(ctx, `
UPDATE integrations
SET webhook_received_at = GREATEST(COALESCE(webhook_received_at, $2), $2), updated_at = $2
WHERE id = $1`, id, at)
}

func (r *PostgresRepo) MarkSynced(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, `
UPDATE integrations SET last_synced_at = $2, last_poll_error = '', updated_at = $2 WHERE id = $1`, id, at)
}

func (r *PostgresRepo) RecordPollError(ctx context.Context, id, msg string, at time.Time) error {
	return r.exec(ctx, `
UPDATE integrations SET last_poll_error = $2, last_poll_error_at = $3, updated_at = $3 WHERE id = $1`, id, msg, at)
}

func (r *PostgresRepo) UpdateHealth(ctx context.Context, id string, pct int, reason string, at time.Time) error {
	return r.exec(ctx, `
UPDATE integrations SET health_pct = $2, degraded_reason = $3, updated_at = $4 WHERE id = $1`, id, pct, reason, at)
}

func (r *PostgresRepo) UpsertAccount(ctx context.Context, a Account) error {
	const q = `
INSERT INTO accounts (id, reporting_currency) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET reporting_currency = EXCLUDED.reporting_currency
`
	_, err := r.db.ExecContext(ctx, q, a.ID, a.ReportingCurrency)
	return err
}

func (r *PostgresRepo) GetAccount(ctx context.Context, id string) (Account, error) {
	var a Account
	err := r.db.QueryRowContext(ctx, `SELECT id, reporting_currency FROM accounts WHERE id = $1`, id).Scan(&a.ID, &a.ReportingCurrency)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

func (r *PostgresRepo) UpsertAgent(ctx context.Context, a Agent) error {
	const q = `
INSERT INTO agents (id, integration_id, provider_agent_id, name) VALUES ($1,$2,$3,$4)
ON CONFLICT (integration_id, provider_agent_id) DO UPDATE SET name = EXCLUDED.name
`
	_, err := r.db.ExecContext(ctx, q, a.ID, a.IntegrationID, a.ProviderAgentID, a.Name)
	return err
}

func (r *PostgresRepo) FindAgent(ctx context.Context, integrationID, providerAgentID string) (Agent, bool, error) {
	const q = `
SELECT id, integration_id, provider_agent_id, name
FROM agents
WHERE integration_id = $1 AND provider_agent_id = $2
`
	var a Agent
	err := r.db.QueryRowContext(ctx, q, integrationID, providerAgentID).Scan(&a.ID, &a.IntegrationID, &a.ProviderAgentID, &a.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, false, nil
	}
	if err != nil {
		return Agent{}, false, err
	}
	return a, true, nil
}

func (r *PostgresRepo) Secrets(ctx context.Context, integrationID string) ([]WebhookSecret, error) {
	const q = `
SELECT id, integration_id, version, algorithm, secret_encrypted, activated_at, expires_at
FROM webhook_secrets
WHERE integration_id = $1
ORDER BY version DESC
`
	rows, err := r.db.QueryContext(ctx, q, integrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookSecret
	for rows.Next() {
		var s WebhookSecret
		if err := rows.Scan(&s.ID, &s.IntegrationID, &s.Version, &s.Algorithm, &s.SecretEncrypted, &s.ActivatedAt, &s.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) RotateSecret(ctx context.Context, integrationID string, next WebhookSecret, graceUntil time.Time) (WebhookSecret, error) {
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// Serialize rotations per integration on the parent row.
		var id string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM integrations WHERE id = $1 FOR UPDATE`, integrationID).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE webhook_secrets SET expires_at = $2 WHERE integration_id = $1 AND expires_at IS NULL`, integrationID, graceUntil); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(version), 0) + 1 FROM webhook_secrets WHERE integration_id = $1`, integrationID).Scan(&next.Version); err != nil {
			return err
		}
		next.IntegrationID = integrationID
		next.ExpiresAt = nil
		_, err := tx.ExecContext(ctx, `
INSERT INTO webhook_secrets (id, integration_id, version, algorithm, secret_encrypted, activated_at)
VALUES ($1,$2,$3,$4,$5,$6)`, next.ID, next.IntegrationID, next.Version, next.Algorithm, next.SecretEncrypted, next.ActivatedAt)
		return err
	})
	if err != nil {
		return WebhookSecret{}, err
	}
	return next, nil
}
