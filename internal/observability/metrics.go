package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ChatRequests      *prometheus.CounterVec
	Degradations      *prometheus.CounterVec
	MemoryWrites      *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ModelLatency      prometheus.Histogram
	BufferTurns       prometheus.Histogram
	ConversationLocks prometheus.Gauge
	PersistBacklog    prometheus.Gauge

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ChatRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat turns processed by outcome.",
		}, []string{"outcome"}),
		Degradations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_degradations_total",
			Help:      "Non-fatal pipeline failures by stage.",
		}, []string{"stage"}),
		MemoryWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_writes_total",
			Help:      "Long-term memory writes by result.",
		}, []string{"result"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ModelLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_latency_ms",
			Help:      "Language model call latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		BufferTurns: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "buffer_turns",
			Help:      "Conversation buffer length after each exchange.",
			Buckets:   []float64{2, 4, 8, 16, 32, 64, 128},
		}),
		ConversationLocks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversation_locks",
			Help:      "Conversations currently holding a processing lock.",
		}),
		PersistBacklog: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persist_backlog",
			Help:      "Asynchronous memory writes queued or running.",
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) CountRequest(outcome string) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CountDegradation(stage string) {
	if m == nil {
		return
	}
	m.Degradations.WithLabelValues(stage).Inc()
	m.stages.ObserveIndicator(stage + "_degraded")
}

func (m *Metrics) CountMemoryWrite(result string) {
	if m == nil {
		return
	}
	m.MemoryWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) CountWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveModelLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ModelLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe("model", durationMS(d))
}

func (m *Metrics) ObserveBufferTurns(n int) {
	if m == nil {
		return
	}
	m.BufferTurns.Observe(float64(n))
}

// ObserveStage records a pipeline stage latency in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, durationMS(d))
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) LockAcquired() {
	if m == nil {
		return
	}
	m.ConversationLocks.Inc()
}

func (m *Metrics) LockReleased() {
	if m == nil {
		return
	}
	m.ConversationLocks.Dec()
}

func (m *Metrics) PersistQueued() {
	if m == nil {
		return
	}
	m.PersistBacklog.Inc()
}

func (m *Metrics) PersistDone() {
	if m == nil {
		return
	}
	m.PersistBacklog.Dec()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
