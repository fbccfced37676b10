package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics exposed by hub and shard processes.
// Each Metrics carries its own registry so a process (or test) can hold more
// than one instance without colliding in the default registry.
type Metrics struct {
	registry *prometheus.Registry

	PeersConnectedTotal    *prometheus.CounterVec
	PeersActive            prometheus.Gauge
	HandshakeFailuresTotal prometheus.Counter

	ChunksStoredTotal     prometheus.Counter
	ChunksServedTotal     prometheus.Counter
	IngestDuplicatesTotal prometheus.Counter
	ChunkIngestDuration   prometheus.Histogram
	BytesStoredTotal      prometheus.Counter

	PingTimeoutsTotal prometheus.Counter

	CatalogOperationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		PeersConnectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardhub_peers_connected_total",
				Help: "Total peer connections accepted",
			},
			[]string{"result"},
		),

		PeersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shardhub_peers_active",
				Help: "Currently serving peer connections",
			},
		),

		HandshakeFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shardhub_handshake_failures_total",
				Help: "Channel handshakes that failed before reaching the serving state",
			},
		),

		ChunksStoredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shardhub_chunks_stored_total",
				Help: "Chunks newly written to a shard's store",
			},
		),

		ChunksServedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shardhub_chunks_served_total",
				Help: "Chunks read from a shard's store",
			},
		),

		IngestDuplicatesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shardhub_ingest_duplicates_total",
				Help: "Chunk ingests short-circuited by an already-present hash",
			},
		),

		ChunkIngestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shardhub_chunk_ingest_duration_seconds",
				Help:    "Time to accept and persist one chunk",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		BytesStoredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shardhub_bytes_stored_total",
				Help: "Total chunk bytes written to storage",
			},
		),

		PingTimeoutsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shardhub_ping_timeouts_total",
				Help: "Peer connections closed for missing a keep-alive deadline",
			},
		),

		CatalogOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardhub_catalog_operations_total",
				Help: "Catalog adapter operations by kind and result",
			},
			[]string{"operation", "result"},
		),
	}
}

// RecordPeerConnected updates connection-acceptance metrics.
func (m *Metrics) RecordPeerConnected(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.PeersConnectedTotal.WithLabelValues(result).Inc()
	if success {
		m.PeersActive.Inc()
	}
}

// RecordPeerClosed decrements the active peer gauge.
func (m *Metrics) RecordPeerClosed() {
	m.PeersActive.Dec()
}

// RecordHandshakeFailure increments the handshake failure counter.
func (m *Metrics) RecordHandshakeFailure() {
	m.HandshakeFailuresTotal.Inc()
}

// RecordChunkIngest records a completed ingest, whether newly stored or a
// duplicate of a chunk already present in the store.
func (m *Metrics) RecordChunkIngest(bytes int, duplicate bool, durationSeconds float64) {
	if duplicate {
		m.IngestDuplicatesTotal.Inc()
		return
	}
	m.ChunksStoredTotal.Inc()
	m.BytesStoredTotal.Add(float64(bytes))
	m.ChunkIngestDuration.Observe(durationSeconds)
}

// RecordChunkServed increments the served-chunk counter.
func (m *Metrics) RecordChunkServed() {
	m.ChunksServedTotal.Inc()
}

// RecordPingTimeout increments the ping timeout counter.
func (m *Metrics) RecordPingTimeout() {
	m.PingTimeoutsTotal.Inc()
}

// RecordCatalogOperation records a catalog adapter call.
func (m *Metrics) RecordCatalogOperation(operation string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.CatalogOperationsTotal.WithLabelValues(operation, result).Inc()
}

// Handler exposes the Prometheus metrics endpoint for this instance's
// registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
