package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage names recorded in the latency window.
const (
	StageFirstText  = "turn_to_first_text"
	StageFirstAudio = "turn_to_first_audio"
	StageFirstVideo = "turn_to_first_video"
	StageTurnTotal  = "turn_total"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	Turns             *prometheus.CounterVec
	StageErrors       *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram
	TurnDriftMeanMS   prometheus.Histogram
	DriftOverBudget   prometheus.Counter

	window *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer), namespace)
}

// NewMetricsWithRegistry registers on reg instead of the default registerer.
func NewMetricsWithRegistry(reg prometheus.Registerer, namespace string) *Metrics {
	return newMetrics(promauto.With(reg), namespace)
}

func newMetrics(f promauto.Factory, namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open sessions.",
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
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns by outcome.",
		}, []string{"outcome"}),
		StageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Turn failures by stage and code.",
		}, []string{"stage", "code"}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from turn start to the first audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		TurnDriftMeanMS: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_drift_mean_ms",
			Help:      "Mean video minus audio drift per completed turn in milliseconds.",
			Buckets:   []float64{-160, -80, -40, -20, 0, 20, 40, 80, 160},
		}),
		DriftOverBudget: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_over_budget_total",
			Help:      "Completed turns whose mean drift exceeded the budget.",
		}),
		window: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	m.window.observeStage(stage, float64(d.Microseconds())/1000)
}

// ObserveTurnDrift records one completed turn's mean drift on both the
// histogram and the latency window.
func (m *Metrics) ObserveTurnDrift(meanMs float64, withinBudget bool) {
	m.TurnDriftMeanMS.Observe(meanMs)
	if !withinBudget {
		m.DriftOverBudget.Inc()
	}
	m.window.observeDrift(meanMs, withinBudget)
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	m.window.observeIndicator(name)
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	return m.window.snapshot()
}

func (m *Metrics) ResetLatency() {
	m.window.reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
