package costs

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryRepo is an in-memory rate repository for tests and local runs.
type MemoryRepo struct {
	mu    sync.Mutex
	Rates []ExchangeRate
}

func (r *MemoryRepo) Add(rate ExchangeRate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rate.Status == "" {
		rate.Status = RateStatusActive
	}
	r.Rates = append(r.Rates, rate)
}

func (r *MemoryRepo) FindRate(ctx context.Context, from, to string, at time.Time) (ExchangeRate, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Prefer the most recent effective row.
	var best ExchangeRate
	found := false
	for _, rate := range r.Rates {
		if !strings.EqualFold(rate.From, from) || !strings.EqualFold(rate.To, to) {
			continue
		}
		if !rate.EffectiveAt(at) {
			continue
		}
		if !found || rate.EffectiveFrom.After(best.EffectiveFrom) {
			best = rate
			found = true
		}
	}
	return best, found, nil
}
