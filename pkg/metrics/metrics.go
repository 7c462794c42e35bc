package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Peer / discovery metrics.
	PeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warren_sync_peers_total",
			Help: "Total number of known peers by reachability state",
		},
		[]string{"reachability"},
	)

	// Replication metrics.
	EventsCapturedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_sync_events_captured_total",
			Help: "Total number of change events captured locally by the tracker",
		},
	)

	EventsSyncedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_sync_events_synced_total",
			Help: "Total number of change events applied from peers, by outcome",
		},
		[]string{"outcome"},
	)

	SyncCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warren_sync_cycle_duration_seconds",
			Help:    "Duration of a full per-peer sync cycle (authenticate/pull/apply/push)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"peer_id"},
	)

	SyncCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_sync_cycles_total",
			Help: "Total number of per-peer sync cycles, by outcome",
		},
		[]string{"outcome"},
	)

	ConflictsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_sync_conflicts_resolved_total",
			Help: "Total number of conflict resolutions, by kind",
		},
		[]string{"kind"},
	)

	EventsQuarantinedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_sync_events_quarantined_total",
			Help: "Total number of received events quarantined for checksum or key-hash mismatch",
		},
	)

	// Security metrics.
	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_sync_auth_attempts_total",
			Help: "Total number of authentication handshake attempts, by outcome",
		},
		[]string{"outcome"},
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_sync_rate_limited_total",
			Help: "Total number of authentication attempts refused by the rate limiter",
		},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_sync_sessions_active",
			Help: "Number of currently active peer sessions",
		},
	)

	// Partition and recovery metrics.
	PartitionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_sync_partitions_open",
			Help: "Number of currently open network partitions",
		},
	)

	RecoverySessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_sync_recovery_sessions_total",
			Help: "Total number of bulk snapshot recovery sessions, by outcome",
		},
		[]string{"outcome"},
	)

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_sync_recovery_duration_seconds",
			Help:    "Duration of completed bulk snapshot recovery sessions",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	RecoveryBytesTransferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_sync_recovery_bytes_transferred_total",
			Help: "Total bytes transferred by the bulk snapshot protocol",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PeersTotal,
		EventsCapturedTotal,
		EventsSyncedTotal,
		SyncCycleDuration,
		SyncCyclesTotal,
		ConflictsResolvedTotal,
		EventsQuarantinedTotal,
		AuthAttemptsTotal,
		RateLimitedTotal,
		SessionsActive,
		PartitionsOpen,
		RecoverySessionsTotal,
		RecoveryDuration,
		RecoveryBytesTransferred,
	)
}

// Handler returns the Prometheus HTTP handler, mounted on the health port
// alongside /health and /status on the admin port.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing sync operations and recording the
// elapsed duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
