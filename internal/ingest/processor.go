package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"telecom-ingest/internal/costs"
	"telecom-ingest/internal/integrations"
	"telecom-ingest/internal/ledger"
	"telecom-ingest/internal/metrics"
	"telecom-ingest/internal/queue"
	"telecom-ingest/internal/telephony"
	"telecom-ingest/pkg/logger"
	"telecom-ingest/pkg/utils"
)

// Processor is the queue handler that turns a raw provider payload into
// ledger events, links them to their group and recomputes aggregates.
type Processor struct {
	integrations    *integrations.Service
	registry        *telephony.Registry
	ledger          ledger.Store
	costs           *costs.Converter
	defaultCurrency string
}

func NewProcessor(integ *integrations.Service, reg *telephony.Registry, store ledger.Store, conv *costs.Converter, defaultCurrency string) *Processor {
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}
	return &Processor{
		integrations:    integ,
		registry:        reg,
		ledger:          store,
		costs:           conv,
		defaultCurrency: defaultCurrency,
	}
}

var _ queue.Handler = (*Processor)(nil)

func (p *Processor) Handle(ctx context.Context, it queue.Item) error {
	log := logger.From(ctx)

	var raw telephony.RawEvent
	if err := json.Unmarshal(it.Payload, &raw); err != nil {
		return Persistent(fmt.Errorf("%w: queue payload: %v", ErrMalformedPayload, err))
	}

	in, err := p.integrations.Repo().Get(ctx, it.IntegrationID)
	if errors.Is(err, integrations.ErrNotFound) {
		return Persistent(err)
	}
	if err != nil {
		return Transient(err)
	}
	if raw.Provider == "" {
		raw.Provider = in.Provider
	}
	if raw.Provider != in.Provider {
		return Persistent(fmt.Errorf("ingest: payload provider %q does not match integration provider %q", raw.Provider, in.Provider))
	}
	norm, ok := p.registry.Normalizer(in.Provider)
	if !ok {
		return Persistent(fmt.Errorf("ingest: no normalizer for %q", in.Provider))
	}

	canon, err := Canonicalize(norm, raw)
	if err != nil {
		return Persistent(err)
	}

	currency, err := p.integrations.ReportingCurrency(ctx, in.AccountID, p.defaultCurrency)
	if err != nil {
		return Transient(err)
	}

	groups := map[ledger.GroupKey]struct{}{}
	for _, ce := range canon {
		e, err := p.toEvent(ctx, in, ce, raw.ReceivedAt)
		if err != nil {
			return err
		}
		// A new version may have moved to another group; the old one needs its aggregate redone.
		if prev, err := p.ledger.Get(ctx, e.ID); err == nil && prev.CorrelationID != e.CorrelationID {
			groups[groupKey(prev)] = struct{}{}
		} else if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return Transient(err)
		}

		res, err := p.ledger.Upsert(ctx, e)
		if utils.IsIntegrityViolation(err) {
			return Persistent(fmt.Errorf("ingest: upsert %s: %w", e.ProviderEventID, err))
		}
		if err != nil {
			return Transient(fmt.Errorf("ingest: upsert %s: %w", e.ProviderEventID, err))
		}
		metrics.EventsUpserted.WithLabelValues(string(e.Type), string(res)).Inc()
		log.Debug("event upserted", "event_id", e.ID, "provider_event_id", e.ProviderEventID, "event_type", e.Type, "result", res)
		groups[groupKey(e)] = struct{}{}
	}

	// Reconcile even when the upsert was a no-op so a retry can finish an
	// earlier attempt that failed after writing.
	plan := planGroup(ctx, p.costs, currency)
	for key := range groups {
		if err := p.ledger.Reconcile(ctx, key, plan); err != nil {
			if errors.Is(err, costs.ErrRateNotFound) {
				return &TransientError{Err: err, RetryAfter: time.Minute}
			}
			return Transient(fmt.Errorf("ingest: reconcile: %w", err))
		}
	}
	log.Info("queue item ingested", "events", len(canon), "provider", in.Provider, "operation", it.Operation)
	return nil
}

func groupKey(e ledger.Event) ledger.GroupKey {
	if e.CorrelationID == "" {
		return ledger.GroupKey{AccountID: e.AccountID, EventID: e.ID}
	}
	return ledger.GroupKey{AccountID: e.AccountID, CorrelationID: e.CorrelationID}
}

// toEvent builds the ledger row. The fingerprint is taken before receivedAt
// stands in for a missing event time, so it never depends on when a payload arrived.
func (p *Processor) toEvent(ctx context.Context, in integrations.Integration, ce telephony.CanonicalEvent, receivedAt time.Time) (ledger.Event, error) {
	normalized, err := json.Marshal(ce.Fields)
	if err != nil {
		return ledger.Event{}, Persistent(fmt.Errorf("ingest: normalized fields: %w", err))
	}
	var agentID string
	if ce.ProviderAgentID != "" {
		agent, ok, err := p.integrations.Repo().FindAgent(ctx, in.ID, ce.ProviderAgentID)
		if err != nil {
			return ledger.Event{}, Transient(err)
		}
		if ok {
			agentID = agent.ID
		} else {
			logger.From(ctx).Debug("agent not registered", "integration_id", in.ID, "provider_agent_id", ce.ProviderAgentID)
		}
	}
	fingerprint := ce.Fingerprint()
	if ce.OccurredAt.IsZero() {
		ce.OccurredAt = receivedAt.UTC()
	}
	return ledger.Event{
		ID:              ledger.EventID(in.ID, in.Provider, ce.NativeID),
		IntegrationID:   in.ID,
		AccountID:       in.AccountID,
		Provider:        in.Provider,
		ProviderEventID: ce.NativeID,
		Type:            ce.Type,
		Direction:       ce.Direction,
		Layer:           ce.Layer,
		CorrelationID:   ce.CorrelationID,
		AgentID:         agentID,
		Status:          ce.Status,
		DurationSeconds: ce.DurationSeconds,
		CostMicros:      ce.CostMicros,
		CostCurrency:    ce.Currency,
		OccurredAt:      ce.OccurredAt,
		SourceUpdatedAt: ce.SourceUpdatedAt,
		Normalized:      normalized,
		Fingerprint:     fingerprint,
	}, nil
}

// Canonicalize normalizes a raw payload into the events that will be stored.
// Payloads the normalizer cannot map become one unclassified event. The
// poller uses the same function so its fingerprints match what is stored;
// nothing here may depend on transport metadata such as ReceivedAt.
func Canonicalize(norm telephony.Normalizer, raw telephony.RawEvent) ([]telephony.CanonicalEvent, error) {
	events, err := norm.Normalize(raw)
	switch {
	case errors.Is(err, ErrUnrecognizedEventShape):
		ev, uerr := unclassified(norm, raw)
		if uerr != nil {
			return nil, uerr
		}
		events = []telephony.CanonicalEvent{ev}
	case err != nil:
		return nil, err
	}
	for i := range events {
		if events[i].Direction == "" {
			events[i].Direction = telephony.DirectionUnknown
		}
		if events[i].Layer == "" {
			events[i].Layer = norm.Layer()
		}
	}
	return events, nil
}

func unclassified(norm telephony.Normalizer, raw telephony.RawEvent) (telephony.CanonicalEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(raw.Body))
	dec.UseNumber()
	var body any
	if err := dec.Decode(&body); err != nil {
		return telephony.CanonicalEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	native := ""
	if env, err := norm.Envelope(raw.Body); err == nil {
		native = env.NativeID
	}
	if native == "" {
		sum := sha256.Sum256(raw.Body)
		native = hex.EncodeToString(sum[:16])
	}
	return telephony.CanonicalEvent{
		NativeID:  "unclassified:" + native,
		Type:      telephony.EventTypeUnclassified,
		Direction: telephony.DirectionUnknown,
		Layer:     norm.Layer(),
		Fields: map[string]any{
			"provider_event_type": raw.EventType,
			"payload":             body,
		},
	}, nil
}
