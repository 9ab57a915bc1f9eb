package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes for MessagesTotal.
const (
	OutcomeOK       = "ok"
	OutcomeFallback = "fallback"
	OutcomeDegraded = "degraded"
	OutcomeRejected = "rejected"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing, so tests can leave it out.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	MessagesTotal   *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	WSWriteErrors   *prometheus.CounterVec
	OutboundQueue   *prometheus.CounterVec
	UpstreamErrors  *prometheus.CounterVec
	GenerateLatency prometheus.Histogram
	EmotionTags     *prometheus.CounterVec
	StageAdvances   prometheus.Counter
	Milestones      prometheus.Counter
	RetargetJobs    *prometheus.CounterVec

	turnStages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active websocket chat sessions.",
		}),
		MessagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Processed user messages by outcome.",
		}, []string{"outcome"}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Chat session lifecycle events.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by kind.",
		}, []string{"kind"}),
		OutboundQueue: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_outbound_queue_total",
			Help:      "Outbound websocket frames queued or dropped at the session boundary.",
		}, []string{"type", "disposition"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream failures by operation and kind.",
		}, []string{"operation", "kind"}),
		GenerateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generate_latency_ms",
			Help:      "Latency of the full generation call in milliseconds.",
			Buckets:   []float64{100, 250, 500, 900, 1400, 2000, 3000, 5000},
		}),
		EmotionTags: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emotion_tags_total",
			Help:      "Classified emotions by tag.",
		}, []string{"tag"}),
		StageAdvances: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_advances_total",
			Help:      "Growth stage advances.",
		}),
		Milestones: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "milestones_total",
			Help:      "Milestones created.",
		}),
		RetargetJobs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retarget_jobs_total",
			Help:      "Retention retarget jobs by terminal status.",
		}, []string{"status"}),
		turnStages: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveMessage(outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveWSWriteError(kind string) {
	if m == nil {
		return
	}
	m.WSWriteErrors.WithLabelValues(kind).Inc()
}

// ObserveOutboundMessage records what happened to an outbound frame at
// the queue boundary: queued for the writer, or dropped because the
// connection was already torn down.
func (m *Metrics) ObserveOutboundMessage(msgType, disposition string) {
	if m == nil {
		return
	}
	m.OutboundQueue.WithLabelValues(msgType, disposition).Inc()
}

func (m *Metrics) ObserveUpstreamError(operation, kind string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(operation, kind).Inc()
}

func (m *Metrics) ObserveGenerateLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.GenerateLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveEmotion(tag string) {
	if m == nil {
		return
	}
	m.EmotionTags.WithLabelValues(tag).Inc()
}

func (m *Metrics) ObserveStageAdvance() {
	if m == nil {
		return
	}
	m.StageAdvances.Inc()
}

func (m *Metrics) ObserveMilestone() {
	if m == nil {
		return
	}
	m.Milestones.Inc()
}

func (m *Metrics) ObserveRetargetJob(status string) {
	if m == nil {
		return
	}
	m.RetargetJobs.WithLabelValues(status).Inc()
}

// ObserveTurnStage records one pipeline stage latency into the rolling
// window behind /v1/perf/latency.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil || m.turnStages == nil {
		return
	}
	m.turnStages.Observe(stage, float64(d.Microseconds())/1000.0)
}

// ObserveTurnIndicator bumps a named counter in the latency snapshot,
// used for degradation markers like fallback_reply.
func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil || m.turnStages == nil {
		return
	}
	m.turnStages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil || m.turnStages == nil {
		return TurnStageSnapshot{}
	}
	return m.turnStages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil || m.turnStages == nil {
		return
	}
	m.turnStages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
