package costs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrRateNotFound = errors.New("costs: exchange rate not found")
	ErrOverflow     = errors.New("costs: amount overflow")
)

// RateRepository resolves the exchange rate effective at a point in time.
type RateRepository interface {
	FindRate(ctx context.Context, from, to string, at time.Time) (ExchangeRate, bool, error)
}

// Converter converts amounts into a reporting currency and rolls up parent costs.
//
// Contract:
// - Same-currency conversion is the identity and never touches the repository.
// - Each amount is converted and rounded to whole micros before it is summed.
// - The rate used is the one effective at the event time, not at processing time,
//   so recomputing later gives the same answer.
type Converter struct {
	repo RateRepository
}

func NewConverter(repo RateRepository) *Converter {
	return &Converter{repo: repo}
}

func (c *Converter) Convert(ctx context.Context, m Money, to string, at time.Time) (Money, error) {
	to = strings.ToUpper(to)
	from := strings.ToUpper(m.Currency)
	if m.Micros == 0 {
		return Money{Currency: to}, nil
	}
	if from == "" {
		return Money{}, fmt.Errorf("costs: amount %d has no currency", m.Micros)
	}
	if from == to {
		return Money{Micros: m.Micros, Currency: to}, nil
	}
	if c.repo == nil {
		return Money{}, ErrRateNotFound
	}
	rate, ok, err := c.repo.FindRate(ctx, from, to, at)
	if err != nil {
		return Money{}, err
	}
	if !ok {
		return Money{}, fmt.Errorf("%w: %s->%s at %s", ErrRateNotFound, from, to, at.UTC().Format(time.RFC3339))
	}
	micros, err := applyRate(m.Micros, rate.RateMicros)
	if err != nil {
		return Money{}, err
	}
	return Money{Micros: micros, Currency: to}, nil
}

// Aggregate returns own plus every child, each converted to the reporting currency.
func (c *Converter) Aggregate(ctx context.Context, own Money, children []Money, to string, at time.Time) (Money, error) {
	total, err := c.Convert(ctx, own, to, at)
	if err != nil {
		return Money{}, err
	}
	for _, child := range children {
		conv, err := c.Convert(ctx, child, to, at)
		if err != nil {
			return Money{}, err
		}
		sum := total.Micros + conv.Micros
		if (conv.Micros > 0 && sum < total.Micros) || (conv.Micros < 0 && sum > total.Micros) {
			return Money{}, ErrOverflow
		}
		total.Micros = sum
	}
	return total, nil
}

var (
	minMicros = decimal.NewFromInt(math.MinInt64)
	maxMicros = decimal.NewFromInt(math.MaxInt64)
)

// applyRate computes round_half_up(amount * rate / 1e6) in exact decimal arithmetic.
func applyRate(amount, rateMicros int64) (int64, error) {
	if rateMicros <= 0 {
		return 0, fmt.Errorf("costs: invalid rate %d", rateMicros)
	}
	q := decimal.NewFromInt(amount).Mul(decimal.New(rateMicros, -6)).Round(0)
	if q.LessThan(minMicros) || q.GreaterThan(maxMicros) {
		return 0, ErrOverflow
	}
	return q.IntPart(), nil
}
