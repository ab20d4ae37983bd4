package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn stages observed by the orchestrator.
const (
	StageGeneration = "generation"
	StageFirstAudio = "first_audio"
	StageTotal      = "total"
)

// Metrics groups all Prometheus instruments used by the gateway.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	DroppedUtterances *prometheus.CounterVec
	TurnStageLatency  *prometheus.HistogramVec

	Window *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of connected voice sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session and turn lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream provider errors by provider and code.",
		}, []string{"provider", "code"}),
		DroppedUtterances: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_utterances_total",
			Help:      "Final transcripts that did not start a turn, by reason.",
		}, []string{"reason"}),
		TurnStageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_seconds",
			Help:      "Latency from final transcript to each turn stage.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.5, 0.7, 1, 1.5, 2, 3, 5, 8},
		}, []string{"stage"}),
		Window: NewLatencyWindow(256),
	}
}

// ObserveStage records d for stage in both the histogram and the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnStageLatency.WithLabelValues(stage).Observe(d.Seconds())
	m.Window.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) Event(name string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(name).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedUtterances.WithLabelValues(reason).Inc()
	m.Window.Count("dropped_" + reason)
}

func (m *Metrics) ProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) Message(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
