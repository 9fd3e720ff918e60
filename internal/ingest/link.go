package ingest

import (
	"context"

	"telecom-ingest/internal/costs"
	"telecom-ingest/internal/ledger"
	"telecom-ingest/internal/telephony"
)

// anchor picks the parent of a correlation group: the agent-layer call if
// there is one, otherwise a carrier call. Within a layer the call the group is
// named after (a dialed leg's parent) wins, then earliest, then smallest id, so
// the choice depends only on the group's contents.
func anchor(group []ledger.Event) (ledger.Event, bool) {
	var (
		best  ledger.Event
		found bool
	)
	for _, e := range group {
		if e.Type != telephony.EventTypeCall {
			continue
		}
		if !found || better(e, best) {
			best = e
			found = true
		}
	}
	return best, found
}

func better(a, b ledger.Event) bool {
	if (a.Layer == telephony.LayerAgent) != (b.Layer == telephony.LayerAgent) {
		return a.Layer == telephony.LayerAgent
	}
	if aOwn, bOwn := a.ProviderEventID == a.CorrelationID, b.ProviderEventID == b.CorrelationID; aOwn != bOwn {
		return aOwn
	}
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	return a.ID < b.ID
}

// planGroup derives parent links and root aggregates for a whole group. It is
// a pure function of the group so any order of arrival ends in the same state.
func planGroup(ctx context.Context, conv *costs.Converter, currency string) ledger.PlanFunc {
	return func(group []ledger.Event) ([]ledger.GroupUpdate, error) {
		out := make([]ledger.GroupUpdate, 0, len(group))
		root, ok := anchor(group)
		if !ok {
			for _, e := range group {
				agg, err := conv.Convert(ctx, e.Cost(), currency, e.OccurredAt)
				if err != nil {
					return nil, err
				}
				out = append(out, ledger.GroupUpdate{EventID: e.ID, AggregateCost: &agg})
			}
			return out, nil
		}

		parentID := root.ID
		var children []costs.Money
		for _, e := range group {
			if e.ID == root.ID {
				continue
			}
			children = append(children, e.Cost())
			out = append(out, ledger.GroupUpdate{EventID: e.ID, ParentID: &parentID})
		}
		agg, err := conv.Aggregate(ctx, root.Cost(), children, currency, root.OccurredAt)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.GroupUpdate{EventID: root.ID, AggregateCost: &agg})
		return out, nil
	}
}
