package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"telecom-ingest/internal/telephony"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]Event
	Now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: map[string]Event{}, Now: time.Now}
}

func (s *MemoryStore) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *MemoryStore) Upsert(ctx context.Context, e Event) (UpsertResult, error) {
	if e.ID == "" {
		e.ID = EventID(e.IntegrationID, e.Provider, e.ProviderEventID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.events[e.ID]
	if !ok {
		e.ParentID = nil
		e.AggregateCost = nil
		e.IngestedAt = now
		e.UpdatedAt = now
		s.events[e.ID] = e
		return UpsertInserted, nil
	}
	if !newer(e, cur) {
		return UpsertUnchanged, nil
	}
	e.ParentID = cur.ParentID
	e.AggregateCost = cur.AggregateCost
	e.IngestedAt = cur.IngestedAt
	e.UpdatedAt = now
	s.events[e.ID] = e
	return UpsertUpdated, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) Children(ctx context.Context, parentID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Parent() == parentID {
			out = append(out, e)
		}
	}
	sortChronological(out)
	return out, nil
}

func (s *MemoryStore) Fingerprints(ctx context.Context, integrationID string, provider telephony.Provider, nativeIDs []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(nativeIDs))
	for _, id := range nativeIDs {
		if e, ok := s.events[EventID(integrationID, provider, id)]; ok {
			out[id] = e.Fingerprint
		}
	}
	return out, nil
}

func (s *MemoryStore) Reconcile(ctx context.Context, key GroupKey, plan PlanFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var group []Event
	for _, e := range s.events {
		if key.CorrelationID == "" {
			if e.ID == key.EventID {
				group = append(group, e)
			}
			continue
		}
		if e.AccountID == key.AccountID && e.CorrelationID == key.CorrelationID {
			group = append(group, e)
		}
	}
	if len(group) == 0 {
		return nil
	}
	sortChronological(group)

	updates, err := plan(group)
	if err != nil {
		return err
	}
	now := s.now()
	for _, u := range updates {
		e, ok := s.events[u.EventID]
		if !ok {
			continue
		}
		if sameParent(e.ParentID, u.ParentID) && sameMoney(e.AggregateCost, u.AggregateCost) {
			continue
		}
		e.ParentID = u.ParentID
		e.AggregateCost = u.AggregateCost
		e.UpdatedAt = now
		s.events[e.ID] = e
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]Event, error) {
	s.mu.Lock()
	var out []Event
	for _, e := range s.events {
		if f.match(e) {
			out = append(out, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.After(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Offset >= len(out) {
		return []Event{}, nil
	}
	out = out[f.Offset:]
	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortChronological(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.Before(events[j].OccurredAt)
		}
		return events[i].ID < events[j].ID
	})
}
