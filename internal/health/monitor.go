package health

import (
	"context"
	"log/slog"
	"math"
	"time"

	"telecom-ingest/internal/integrations"
	"telecom-ingest/internal/metrics"
	"telecom-ingest/internal/queue"
	"telecom-ingest/internal/telephony"
)

// Degraded reasons, most severe first.
const (
	ReasonDeadLetters        = "dead_letters"
	ReasonStaleSync          = "stale_sync"
	ReasonPollErrors         = "poll_errors"
	ReasonProcessingFailures = "processing_failures"
)

const (
	deadLetterPenalty    = 5.0
	deadLetterPenaltyCap = 50.0
	retryPenalty         = 2.0
	retryPenaltyCap      = 20.0
	pollErrorPenalty     = 20.0
)

type StatsSource interface {
	Stats(ctx context.Context, integrationID string, since time.Time) (queue.Stats, error)
}

// Input is everything one health computation looks at.
type Input struct {
	Integration  integrations.Integration
	Stats        queue.Stats
	Pollable     bool
	PollInterval time.Duration
	Now          time.Time
}

type Score struct {
	IntegrationID string             `json:"integration_id"`
	Provider      telephony.Provider `json:"provider"`
	Pct           int                `json:"health_pct"`
	Reason        string             `json:"degraded_reason"`
}

// Compute scores an integration from 0 to 100.
//
// base is the completed share of retired items (100 with none). Dead letters
// and retrying items subtract capped penalties. For pollable providers the
// score is scaled down once the last sync is older than two poll intervals,
// reaching zero at twelve, and a poll error newer than the last sync costs a
// further penalty.
func Compute(in Input) Score {
	it := in.Integration
	st := in.Stats
	out := Score{IntegrationID: it.ID, Provider: it.Provider}

	base := 100.0
	if retired := st.Completed + st.DeadLettered; retired > 0 {
		base = 100 * float64(st.Completed) / float64(retired)
	}
	dlPenalty := math.Min(deadLetterPenalty*float64(st.DeadLettered), deadLetterPenaltyCap)
	rtPenalty := math.Min(retryPenalty*float64(st.Retrying), retryPenaltyCap)
	score := base - dlPenalty - rtPenalty

	stale := false
	pollErr := false
	if in.Pollable && in.PollInterval > 0 {
		ref := it.CreatedAt
		if it.LastSyncedAt != nil {
			ref = *it.LastSyncedAt
		}
		age := in.Now.Sub(ref)
		grace := 2 * in.PollInterval
		if age > grace {
			factor := math.Max(0, 1-float64(age-grace)/float64(10*in.PollInterval))
			score *= factor
			stale = true
		}
		if it.LastPollErrorAt != nil && (it.LastSyncedAt == nil || it.LastPollErrorAt.After(*it.LastSyncedAt)) {
			score -= pollErrorPenalty
			pollErr = true
		}
	}

	out.Pct = int(math.Round(math.Max(0, math.Min(100, score))))
	switch {
	case st.DeadLettered > 0:
		out.Reason = ReasonDeadLetters
	case stale:
		out.Reason = ReasonStaleSync
	case pollErr:
		out.Reason = ReasonPollErrors
	case st.Retrying > 0:
		out.Reason = ReasonProcessingFailures
	}
	return out
}

// Monitor recomputes health for every active integration. Results are
// advisory: they are stored on the integration and exported as a gauge.
type Monitor struct {
	Integrations integrations.Repository
	Queue        StatsSource
	Registry     *telephony.Registry
	Window       time.Duration
	PollInterval time.Duration
	Log          *slog.Logger
	Now          func() time.Time
}

func (m *Monitor) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

func (m *Monitor) log() *slog.Logger {
	if m.Log == nil {
		return slog.Default()
	}
	return m.Log
}

// RunOnce scores every active integration. A failure for one integration is
// logged and does not stop the others.
func (m *Monitor) RunOnce(ctx context.Context) ([]Score, error) {
	list, err := m.Integrations.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	window := m.Window
	if window <= 0 {
		window = 24 * time.Hour
	}

	out := make([]Score, 0, len(list))
	for _, in := range list {
		st, err := m.Queue.Stats(ctx, in.ID, now.Add(-window))
		if err != nil {
			m.log().Error("health stats failed", "integration_id", in.ID, "err", err)
			continue
		}
		s := Compute(Input{
			Integration:  in,
			Stats:        st,
			Pollable:     m.Registry != nil && m.Registry.Pollable(in.Provider),
			PollInterval: m.PollInterval,
			Now:          now,
		})
		if err := m.Integrations.UpdateHealth(ctx, in.ID, s.Pct, s.Reason, now); err != nil {
			m.log().Error("health update failed", "integration_id", in.ID, "err", err)
			continue
		}
		metrics.IntegrationHealth.WithLabelValues(in.ID, string(in.Provider)).Set(float64(s.Pct))
		if s.Reason != "" && s.Reason != in.DegradedReason {
			m.log().Warn("integration degraded", "integration_id", in.ID, "health_pct", s.Pct, "reason", s.Reason)
		}
		out = append(out, s)
	}
	return out, nil
}

// Run recomputes on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.log().Error("health run failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
