// Package metrics holds the Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is process-wide; collectors register once at init.
var Registry = prometheus.NewRegistry()

var (
	WebhookRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "webhook_requests_total",
		Help:      "Webhook requests by provider and outcome.",
	}, []string{"provider", "outcome"})

	QueueTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "queue_transitions_total",
		Help:      "Sync queue item transitions by resulting status.",
	}, []string{"status"})

	ProcessDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ingest",
		Name:      "queue_process_seconds",
		Help:      "Time spent processing one queue item.",
		Buckets:   prometheus.DefBuckets,
	})

	PollRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "poll_runs_total",
		Help:      "Poll runs by provider, mode and outcome.",
	}, []string{"provider", "mode", "outcome"})

	PollEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "poll_enqueued_total",
		Help:      "Candidates enqueued by the poller after ledger intersection.",
	}, []string{"provider"})

	EventsUpserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Name:      "ledger_upserts_total",
		Help:      "Ledger upserts by event type and result.",
	}, []string{"event_type", "result"})

	IntegrationHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ingest",
		Name:      "integration_health_pct",
		Help:      "Last computed health percentage per integration.",
	}, []string{"integration_id", "provider"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		WebhookRequests,
		QueueTransitions,
		ProcessDuration,
		PollRuns,
		PollEnqueued,
		EventsUpserted,
		IntegrationHealth,
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
