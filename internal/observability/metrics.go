package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Invocations        *prometheus.CounterVec
	Flushes            *prometheus.CounterVec
	CompletionErrors   *prometheus.CounterVec
	AttachmentFailures *prometheus.CounterVec
	AncestorLookups    *prometheus.CounterVec
	NodeCacheEntries   prometheus.Gauge
	NodeCacheEvictions prometheus.Counter
	NodeCacheLookups   *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	FirstDeltaLatency  prometheus.Histogram

	stages *stageWindow
}

// NewMetrics registers the instruments under namespace on the default registry.
func NewMetrics(namespace string) *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer), namespace)
}

// NewMetricsWithRegistry registers the instruments on reg; tests pass a fresh registry.
func NewMetricsWithRegistry(reg prometheus.Registerer, namespace string) *Metrics {
	return newMetrics(promauto.With(reg), namespace)
}

func newMetrics(f promauto.Factory, namespace string) *Metrics {
	return &Metrics{
		Invocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Chat pipeline invocations by outcome.",
		}, []string{"outcome"}),
		Flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_flushes_total",
			Help:      "Delivery flushes by mode and kind (reply, edit).",
		}, []string{"mode", "kind"}),
		CompletionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_errors_total",
			Help:      "Completion failures by provider and code.",
		}, []string{"provider", "code"}),
		AttachmentFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachment_failures_total",
			Help:      "Attachment fetches dropped by reason.",
		}, []string{"reason"}),
		AncestorLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ancestor_lookups_total",
			Help:      "Parent message lookups by result.",
		}, []string{"result"}),
		NodeCacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_cache_entries",
			Help:      "Conversation chains held in the node cache.",
		}),
		NodeCacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_cache_evictions_total",
			Help:      "Chains evicted from the node cache by capacity.",
		}),
		NodeCacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_cache_lookups_total",
			Help:      "Node cache lookups by result.",
		}, []string{"result"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of connected chat surface sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		FirstDeltaLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_delta_latency_ms",
			Help:      "Latency from invocation start to the first completion delta in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000, 10000},
		}),
		stages: newStageWindow(256),
	}
}

// ObserveFirstDeltaLatency records time-to-first-token for an invocation.
func (m *Metrics) ObserveFirstDeltaLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstDeltaLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageFirstDelta, float64(d.Milliseconds()))
}

// ObserveStage records a latency sample for a named pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

// ObserveIndicator counts a discrete pipeline event (cache hit, lock refusal, ...).
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

// SnapshotStages returns rolling per-stage latency statistics.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
