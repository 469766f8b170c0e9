package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-level operational metrics, exposed on /metrics. Distinct from the
// query-surface metrics API, which aggregates ingested events.
var (
	EventsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetlens_events_accepted_total",
		Help: "Events that passed structural validation.",
	})

	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetlens_events_rejected_total",
		Help: "Events rejected by structural validation.",
	})

	EventsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetlens_events_inserted_total",
		Help: "Events newly inserted (accepted minus duplicates).",
	})

	IngestBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetlens_ingest_batches_total",
		Help: "Ingestion batches processed.",
	})

	AlertsFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetlens_alerts_fired_total",
		Help: "Alert rule firings.",
	})

	BroadcastMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetlens_broadcast_messages_total",
		Help: "Messages pushed to websocket subscribers.",
	})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetlens_ws_connections",
		Help: "Live websocket subscriber connections.",
	})
)
