package integrations

import (
	"context"
	"sort"
	"sync"
	"time"

	"telecom-ingest/internal/telephony"
)

// MemoryRepo is an in-memory repository for tests and local runs.
type MemoryRepo struct {
	mu           sync.Mutex
	integrations map[string]Integration
	accounts     map[string]Account
	agents       map[string]Agent
	secrets      map[string][]WebhookSecret
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		integrations: map[string]Integration{},
		accounts:     map[string]Account{},
		agents:       map[string]Agent{},
		secrets:      map[string][]WebhookSecret{},
	}
}

func (r *MemoryRepo) Create(ctx context.Context, in Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in.ID == "" || in.AccountID == "" || in.Provider == "" {
		return ErrInvalidArgument
	}
	for _, existing := range r.integrations {
		if in.WebhookToken != "" && existing.Provider == in.Provider && existing.WebhookToken == in.WebhookToken {
			return ErrInvalidArgument
		}
	}
	if in.HealthPct == 0 {
		in.HealthPct = 100
	}
	r.integrations[in.ID] = in
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.integrations[id]
	if !ok {
		return Integration{}, ErrNotFound
	}
	return in, nil
}

func (r *MemoryRepo) GetByToken(ctx context.Context, provider telephony.Provider, token string) (Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range r.integrations {
		if in.Provider == provider && in.WebhookToken == token {
			return in, nil
		}
	}
	return Integration{}, ErrNotFound
}

func (r *MemoryRepo) ListActive(ctx context.Context) ([]Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Integration
	for _, in := range r.integrations {
		if in.Active {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepo) ListByAccount(ctx context.Context, accountID string) ([]Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Integration
	for _, in := range r.integrations {
		if in.AccountID == accountID {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepo) update(id string, at time.Time, fn func(*Integration)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.integrations[id]
	if !ok {
		return ErrNotFound
	}
	fn(&in)
	in.UpdatedAt = at
	r.integrations[id] = in
	return nil
}

func (r *MemoryRepo) Deactivate(ctx context.Context, id string, at time.Time) error {
	return r.update(id, at, func(in *Integration) { in.Active = false })
}

func (r *MemoryRepo) MarkWebhookReceived(ctx context.Context, id string, at time.Time) error {
	return r.update(id, at, func(in *Integration) { in.WebhookReceivedAt = &at })
}

func (r *MemoryRepo) MarkSynced(ctx context.Context, id string, at time.Time) error {
	return r.update(id, at, func(in *Integration) {
		in.LastSyncedAt = &at
		in.LastPollError = ""
	})
}

func (r *MemoryRepo) RecordPollError(ctx context.Context, id, msg string, at time.Time) error {
	return r.update(id, at, func(in *Integration) {
		in.LastPollError = msg
		in.LastPollErrorAt = &at
	})
}

func (r *MemoryRepo) UpdateHealth(ctx context.Context, id string, pct int, reason string, at time.Time) error {
	return r.update(id, at, func(in *Integration) {
		in.HealthPct = pct
		in.DegradedReason = reason
	})
}

func (r *MemoryRepo) UpsertAccount(ctx context.Context, a Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[a.ID] = a
	return nil
}

func (r *MemoryRepo) GetAccount(ctx context.Context, id string) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func agentKey(integrationID, providerAgentID string) string {
	return integrationID + "\x00" + providerAgentID
}

func (r *MemoryRepo) UpsertAgent(ctx context.Context, a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentKey(a.IntegrationID, a.ProviderAgentID)] = a
	return nil
}

func (r *MemoryRepo) FindAgent(ctx context.Context, integrationID, providerAgentID string) (Agent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentKey(integrationID, providerAgentID)]
	return a, ok, nil
}

func (r *MemoryRepo) Secrets(ctx context.Context, integrationID string) ([]WebhookSecret, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]WebhookSecret(nil), r.secrets[integrationID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (r *MemoryRepo) RotateSecret(ctx context.Context, integrationID string, next WebhookSecret, graceUntil time.Time) (WebhookSecret, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.integrations[integrationID]; !ok {
		return WebhookSecret{}, ErrNotFound
	}
	versions := r.secrets[integrationID]
	maxVersion := 0
	for i := range versions {
		if versions[i].Version > maxVersion {
			maxVersion = versions[i].Version
		}
		if versions[i].ExpiresAt == nil {
			until := graceUntil
			versions[i].ExpiresAt = &until
		}
	}
	next.IntegrationID = integrationID
	next.Version = maxVersion + 1
	next.ExpiresAt = nil
	r.secrets[integrationID] = append(versions, next)
	return next, nil
}
