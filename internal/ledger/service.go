package ledger

import (
	"context"
	"errors"
)

// QueryService is the read side of the ledger. Every call is scoped to an account.
type QueryService struct {
	store Store
}

func NewQueryService(store Store) *QueryService { return &QueryService{store: store} }

type EventPage struct {
	Events []Event `json:"events"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

type EventDetail struct {
	Event
	Children []Event `json:"children"`
}

func (s *QueryService) List(ctx context.Context, f Filter) (EventPage, error) {
	if f.AccountID == "" {
		return EventPage{}, ErrInvalidRequest
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.To.After(f.From) {
		return EventPage{}, ErrInvalidRequest
	}
	if f.Offset < 0 {
		return EventPage{}, ErrInvalidRequest
	}
	if s.store == nil {
		return EventPage{}, errors.New("ledger: store not configured")
	}
	f.Limit = normalizeLimit(f.Limit)

	events, err := s.store.Query(ctx, f)
	if err != nil {
		return EventPage{}, err
	}
	return EventPage{Events: events, Limit: f.Limit, Offset: f.Offset}, nil
}

// Get returns an event and its direct children. Events of other accounts are
// reported as not found.
func (s *QueryService) Get(ctx context.Context, accountID, id string) (EventDetail, error) {
	if accountID == "" || id == "" {
		return EventDetail{}, ErrInvalidRequest
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return EventDetail{}, err
	}
	if e.AccountID != accountID {
		return EventDetail{}, ErrNotFound
	}
	children, err := s.store.Children(ctx, id)
	if err != nil {
		return EventDetail{}, err
	}
	if children == nil {
		children = []Event{}
	}
	return EventDetail{Event: e, Children: children}, nil
}
