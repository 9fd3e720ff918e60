package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Item
	seq   map[string]int
	next  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]*Item{}, seq: map[string]int{}}
}

func (s *MemoryStore) Enqueue(ctx context.Context, in NewItem, now time.Time) (Item, error) {
	if in.IntegrationID == "" || len(in.Payload) == 0 {
		return Item{}, errors.New("queue: integration_id and payload required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	scheduled := in.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	it := &Item{
		ID:             uuid.NewString(),
		IntegrationID:  in.IntegrationID,
		Operation:      in.Operation,
		EntityType:     in.EntityType,
		EntityNativeID: in.EntityNativeID,
		EventType:      in.EventType,
		Payload:        append([]byte(nil), in.Payload...),
		Verification:   in.Verification,
		Status:         StatusPending,
		MaxRetries:     in.MaxRetries,
		ScheduledAt:    scheduled,
		ReplayOf:       in.ReplayOf,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.items[it.ID] = it
	s.next++
	s.seq[it.ID] = s.next
	return *it, nil
}

func (s *MemoryStore) Claim(ctx context.Context, now time.Time, lease time.Duration) (Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Item
	for _, it := range s.items {
		if it.Status != StatusPending || it.ScheduledAt.After(now) {
			continue
		}
		if best == nil || it.ScheduledAt.Before(best.ScheduledAt) ||
			(it.ScheduledAt.Equal(best.ScheduledAt) && s.seq[it.ID] < s.seq[best.ID]) {
			best = it
		}
	}
	if best == nil {
		return Item{}, false, nil
	}
	deadline := now.Add(lease)
	claimed := now
	best.Status = StatusProcessing
	best.Attempts++
	best.ClaimToken = uuid.NewString()
	best.ClaimedAt = &claimed
	best.ClaimDeadline = &deadline
	best.UpdatedAt = now
	return *best, true, nil
}

func (s *MemoryStore) owned(id, token string) (*Item, error) {
	it, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if it.Status != StatusProcessing || it.ClaimToken != token {
		return nil, ErrClaimLost
	}
	return it, nil
}

func releaseClaim(it *Item) {
	it.ClaimToken = ""
	it.ClaimDeadline = nil
}

func (s *MemoryStore) Complete(ctx context.Context, id, token string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.owned(id, token)
	if err != nil {
		return err
	}
	releaseClaim(it)
	it.Status = StatusCompleted
	it.CompletedAt = &now
	it.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Retry(ctx context.Context, id, token, lastErr string, at, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.owned(id, token)
	if err != nil {
		return err
	}
	releaseClaim(it)
	it.Status = StatusPending
	it.LastError = lastErr
	it.ScheduledAt = at
	it.UpdatedAt = now
	return nil
}

func (s *MemoryStore) DeadLetter(ctx context.Context, id, token, lastErr string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.owned(id, token)
	if err != nil {
		return err
	}
	releaseClaim(it)
	it.Status = StatusDeadLettered
	it.LastError = lastErr
	it.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ReclaimExpired(ctx context.Context, now time.Time) (int, []Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reclaimed := 0
	var dead []Item
	for _, it := range s.items {
		if it.Status != StatusProcessing || it.ClaimDeadline == nil || !it.ClaimDeadline.Before(now) {
			continue
		}
		releaseClaim(it)
		it.LastError = "claim deadline exceeded"
		it.UpdatedAt = now
		if it.Attempts >= it.MaxRetries {
			it.Status = StatusDeadLettered
			dead = append(dead, *it)
			continue
		}
		it.Status = StatusPending
		it.ScheduledAt = now
		reclaimed++
	}
	return reclaimed, dead, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return *it, nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed := map[string]bool{}
	for _, id := range f.IntegrationIDs {
		allowed[id] = true
	}
	var out []Item
	for _, it := range s.items {
		if it.Status != StatusDeadLettered {
			continue
		}
		if len(allowed) > 0 && !allowed[it.IntegrationID] {
			continue
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (s *MemoryStore) OpenNativeIDs(ctx context.Context, integrationID string, nativeIDs []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, id := range nativeIDs {
		want[id] = true
	}
	out := map[string]bool{}
	for _, it := range s.items {
		if it.IntegrationID != integrationID || it.Status.Terminal() {
			continue
		}
		if want[it.EntityNativeID] {
			out[it.EntityNativeID] = true
		}
	}
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context, integrationID string, since time.Time) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, it := range s.items {
		if it.IntegrationID != integrationID {
			continue
		}
		switch it.Status {
		case StatusCompleted:
			if !it.UpdatedAt.Before(since) {
				st.Completed++
			}
		case StatusDeadLettered:
			if !it.UpdatedAt.Before(since) {
				st.DeadLettered++
			}
		case StatusPending:
			st.Pending++
			if it.Attempts > 0 {
				st.Retrying++
			}
		case StatusProcessing:
			if it.Attempts > 1 {
				st.Retrying++
			}
		}
	}
	return st, nil
}

// Items returns a snapshot, for tests.
func (s *MemoryStore) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out
}
