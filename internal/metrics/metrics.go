// Package metrics holds the Prometheus collectors for the ingestion
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingest groups the ingestion pipeline's collectors. A single instance is
// shared by the syncer and the webhook receiver.
type Ingest struct {
	MessagesIngested  *prometheus.CounterVec
	MessagesDuplicate *prometheus.CounterVec
	MessagesSkipped   *prometheus.CounterVec
	TicketsCreated    *prometheus.CounterVec
	TicketsReopened   *prometheus.CounterVec
	ThreadMatches     *prometheus.CounterVec
	IngestDuration    *prometheus.HistogramVec
	SyncErrors        *prometheus.CounterVec
}

// NewIngest registers the ingestion collectors on reg and returns them.
func NewIngest(reg prometheus.Registerer) *Ingest {
	factory := promauto.With(reg)
	return &Ingest{
		MessagesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskhub_messages_ingested_total",
			Help: "Messages successfully written, by provider.",
		}, []string{"provider"}),
		MessagesDuplicate: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskhub_messages_duplicate_total",
			Help: "Messages dropped as already-ingested duplicates.",
		}, []string{"provider"}),
		MessagesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskhub_messages_skipped_total",
			Help: "Messages skipped after a per-item failure.",
		}, []string{"provider", "kind"}),
		TicketsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskhub_tickets_created_total",
			Help: "Tickets opened by inbound messages.",
		}, []string{"provider"}),
		TicketsReopened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskhub_tickets_reopened_total",
			Help: "Closed tickets reopened by a contact reply.",
		}, []string{"provider"}),
		ThreadMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskhub_thread_matches_total",
			Help: "Thread resolution outcomes, by match strategy.",
		}, []string{"strategy"}),
		IngestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deskhub_ingest_duration_seconds",
			Help:    "Wall time to ingest one message.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		SyncErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskhub_channel_sync_errors_total",
			Help: "Channel poll failures, by error kind.",
		}, []string{"provider", "kind"}),
	}
}
