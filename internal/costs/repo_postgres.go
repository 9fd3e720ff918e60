package costs

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) FindRate(ctx context.Context, from, to string, at time.Time) (ExchangeRate, bool, error) {
	const q = `
SELECT id, from_currency, to_currency, rate_micros, effective_from, effective_to, status
FROM exchange_rates
WHERE from_currency = $1 AND to_currency = $2 AND status = 'active'
  AND effective_from <= $3 AND (effective_to IS NULL OR effective_to > $3)
ORDER BY effective_from DESC
LIMIT 1
`
	var rate ExchangeRate
	err := r.db.QueryRowContext(ctx, q, strings.ToUpper(from), strings.ToUpper(to), at).Scan(
		&rate.ID,
		&rate.From,
		&rate.To,
		&rate.RateMicros,
		&rate.EffectiveFrom,
		&rate.EffectiveTo,
		&rate.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ExchangeRate{}, false, nil
	}
	if err != nil {
		return ExchangeRate{}, false, err
	}
	return rate, true, nil
}
