package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"telecom-ingest/internal/ingest"
	"telecom-ingest/internal/integrations"
	"telecom-ingest/internal/ledger"
	"telecom-ingest/internal/metrics"
	"telecom-ingest/internal/queue"
	"telecom-ingest/internal/telephony"

	"golang.org/x/sync/errgroup"
)

type Mode string

const (
	ModeInterval Mode = "interval"
	ModeBackfill Mode = "backfill"
)

var (
	ErrInvalidDays  = errors.New("poller: backfill days out of range")
	ErrNotPollable  = errors.New("poller: provider has no list API")
	ErrProviderBusy = errors.New("poller: provider concurrency cap reached")
)

// Queue is the part of the sync queue the poller writes to.
type Queue interface {
	Enqueue(ctx context.Context, in queue.NewItem, now time.Time) (queue.Item, error)
	OpenNativeIDs(ctx context.Context, integrationID string, nativeIDs []string) (map[string]bool, error)
}

// Poller pulls events from provider list APIs and enqueues the ones the
// ledger does not already hold in the same version.
type Poller struct {
	Integrations *integrations.Service
	Registry     *telephony.Registry
	Ledger       ledger.Store
	Queue        Queue

	// Limiter caps concurrent polls per provider across instances; nil disables it.
	Limiter     Limiter
	ProviderCap int
	CapTTL      time.Duration

	Concurrency         int
	RecentLimit         int
	BackfillDefaultDays int
	BackfillMaxDays     int
	MaxRetries          int

	Log *slog.Logger
	Now func() time.Time
}

// Result is the outcome of polling one integration.
type Result struct {
	IntegrationID string             `json:"integration_id"`
	Provider      telephony.Provider `json:"provider"`
	Mode          Mode               `json:"mode"`
	Candidates    int                `json:"candidates"`
	Known         int                `json:"known"`
	InFlight      int                `json:"in_flight"`
	Enqueued      int                `json:"enqueued"`
	Skipped       bool               `json:"skipped,omitempty"`
	Err           error              `json:"-"`
}

func (p *Poller) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now().UTC()
}

func (p *Poller) log() *slog.Logger {
	if p.Log == nil {
		return slog.Default()
	}
	return p.Log
}

// BackfillDays applies the default and rejects values above the maximum.
func (p *Poller) BackfillDays(days int) (int, error) {
	def, max := p.BackfillDefaultDays, p.BackfillMaxDays
	if def <= 0 {
		def = 30
	}
	if max <= 0 {
		max = 90
	}
	if days == 0 {
		return def, nil
	}
	if days < 0 || days > max {
		return 0, fmt.Errorf("%w: %d (max %d)", ErrInvalidDays, days, max)
	}
	return days, nil
}

// PollAll polls every active integration whose provider has a list API.
// Failures are per integration and never stop the batch.
func (p *Poller) PollAll(ctx context.Context, mode Mode, days int) ([]Result, error) {
	list, err := p.Integrations.Repo().ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var targets []integrations.Integration
	for _, in := range list {
		if p.Registry.Pollable(in.Provider) {
			targets = append(targets, in)
		}
	}

	results := make([]Result, len(targets))
	limit := p.Concurrency
	if limit <= 0 {
		limit = 4
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, in := range targets {
		g.Go(func() error {
			results[i] = p.PollIntegration(ctx, in, mode, days)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// PollIntegration runs one poll. Errors are recorded on the integration and
// returned in the Result; there is no retry inside a cycle.
func (p *Poller) PollIntegration(ctx context.Context, in integrations.Integration, mode Mode, days int) Result {
	res := Result{IntegrationID: in.ID, Provider: in.Provider, Mode: mode}
	log := p.log().With("integration_id", in.ID, "provider", in.Provider, "mode", mode)

	client, ok := p.Registry.Client(in.Provider)
	norm, nok := p.Registry.Normalizer(in.Provider)
	if !ok || !nok {
		res.Skipped = true
		res.Err = ErrNotPollable
		return res
	}

	if p.Limiter != nil {
		key := "poll:cap:" + string(in.Provider)
		ttl := p.CapTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		capLimit := p.ProviderCap
		if capLimit <= 0 {
			capLimit = 2
		}
		acquired, err := p.Limiter.Acquire(ctx, key, capLimit, ttl)
		if err != nil {
			log.Warn("provider cap unavailable, polling uncapped", "err", err)
		} else if !acquired {
			res.Skipped = true
			res.Err = ErrProviderBusy
			metrics.PollRuns.WithLabelValues(string(in.Provider), string(mode), "throttled").Inc()
			log.Info("poll skipped", "reason", "provider_busy")
			return res
		} else {
			defer func() { _ = p.Limiter.Release(context.WithoutCancel(ctx), key) }()
		}
	}

	if err := p.poll(ctx, in, client, norm, mode, days, &res); err != nil {
		res.Err = err
		metrics.PollRuns.WithLabelValues(string(in.Provider), string(mode), "error").Inc()
		log.Error("poll failed", "err", err)
		if rerr := p.Integrations.Repo().RecordPollError(ctx, in.ID, err.Error(), p.now()); rerr != nil {
			log.Error("record poll error failed", "err", rerr)
		}
		return res
	}

	metrics.PollRuns.WithLabelValues(string(in.Provider), string(mode), "ok").Inc()
	metrics.PollEnqueued.WithLabelValues(string(in.Provider)).Add(float64(res.Enqueued))
	if err := p.Integrations.Repo().MarkSynced(ctx, in.ID, p.now()); err != nil {
		log.Error("mark synced failed", "err", err)
	}
	log.Info("poll finished", "candidates", res.Candidates, "known", res.Known, "in_flight", res.InFlight, "enqueued", res.Enqueued)
	return res
}

type candidate struct {
	polled telephony.PolledEvent
	raw    telephony.RawEvent
	events []telephony.CanonicalEvent
	entity telephony.EventType
}

func (p *Poller) poll(ctx context.Context, in integrations.Integration, client telephony.Client, norm telephony.Normalizer, mode Mode, days int, res *Result) error {
	now := p.now()
	req := telephony.ListRequest{Limit: p.RecentLimit}
	if req.Limit <= 0 {
		req.Limit = 100
	}
	if mode == ModeBackfill {
		d, err := p.BackfillDays(days)
		if err != nil {
			return err
		}
		req = telephony.ListRequest{Since: now.Add(-time.Duration(d) * 24 * time.Hour)}
	}

	// Decrypted for this call only.
	creds, err := p.Integrations.Credentials(ctx, in)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	polled, err := client.ListEvents(ctx, creds, in.Config, req)
	if err != nil {
		return err
	}
	res.Candidates = len(polled)
	if len(polled) == 0 {
		return nil
	}

	var (
		cands     []candidate
		nativeIDs []string
		itemIDs   []string
	)
	for _, pe := range polled {
		raw := telephony.RawEvent{
			Provider:   in.Provider,
			EventType:  pe.EventType,
			Source:     "poll",
			Body:       pe.Body,
			ReceivedAt: now,
		}
		events, err := ingest.Canonicalize(norm, raw)
		if err != nil {
			p.log().Warn("poll candidate skipped", "integration_id", in.ID, "native_id", pe.NativeID, "err", err)
			continue
		}
		c := candidate{polled: pe, raw: raw, events: events, entity: telephony.EventTypeUnclassified}
		if env, err := norm.Envelope(pe.Body); err == nil && env.EntityType != "" {
			c.entity = env.EntityType
		}
		cands = append(cands, c)
		itemIDs = append(itemIDs, pe.NativeID)
		for _, e := range events {
			nativeIDs = append(nativeIDs, e.NativeID)
		}
	}

	stored, err := p.Ledger.Fingerprints(ctx, in.ID, in.Provider, nativeIDs)
	if err != nil {
		return fmt.Errorf("ledger intersection: %w", err)
	}
	open, err := p.Queue.OpenNativeIDs(ctx, in.ID, itemIDs)
	if err != nil {
		return fmt.Errorf("queue intersection: %w", err)
	}

	for _, c := range cands {
		if known(c.events, stored) {
			res.Known++
			continue
		}
		if open[c.polled.NativeID] {
			res.InFlight++
			continue
		}
		payload, err := json.Marshal(c.raw)
		if err != nil {
			return err
		}
		entity := string(c.entity)
		if c.entity == telephony.EventTypeUnclassified {
			entity = "unknown"
		}
		if _, err := p.Queue.Enqueue(ctx, queue.NewItem{
			IntegrationID:  in.ID,
			Operation:      queue.OperationPollBackfill,
			EntityType:     entity,
			EntityNativeID: c.polled.NativeID,
			EventType:      c.polled.EventType,
			Payload:        payload,
			Verification:   queue.VerificationPoll,
			MaxRetries:     p.MaxRetries,
		}, now); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		res.Enqueued++
	}
	return nil
}

// known reports whether every event the candidate would produce is already
// stored with the same content.
func known(events []telephony.CanonicalEvent, stored map[string]string) bool {
	if len(events) == 0 {
		return false
	}
	for _, e := range events {
		if fp, ok := stored[e.NativeID]; !ok || fp != e.Fingerprint() {
			return false
		}
	}
	return true
}
