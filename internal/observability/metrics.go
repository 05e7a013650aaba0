package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	captureDecisions *prometheus.CounterVec
	captureSweeps    *prometheus.CounterVec
	captureDuration  prometheus.Histogram
	memoriesStored   prometheus.Counter

	recallTotal      *prometheus.CounterVec
	recallDuration   prometheus.Histogram
	memoriesInjected prometheus.Counter

	serverUp          prometheus.Gauge
	serverTransitions *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	chatTurnTotal    *prometheus.CounterVec
	chatTurnDuration *prometheus.HistogramVec
	chatErrorsTotal  *prometheus.CounterVec

	journalEventsTotal *prometheus.CounterVec
	journalPrunedTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			captureDecisions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "capture_decisions_total",
					Help: "Total capture decisions by reason.",
				},
				[]string{"reason"},
			),
			captureSweeps: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "capture_sweeps_total",
					Help: "Total capture sweeps by status.",
				},
				[]string{"status"},
			),
			captureDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "capture_sweep_duration_seconds",
					Help:    "Capture sweep duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoriesStored: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memories_stored_total",
					Help: "Total memories extracted and stored.",
				},
			),
			recallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recall_total",
					Help: "Total recall lookups by status.",
				},
				[]string{"status"},
			),
			recallDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_search_duration_seconds",
					Help:    "Memory search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoriesInjected: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memories_injected_total",
					Help: "Total memories injected into prompts.",
				},
			),
			serverUp: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_server_up",
					Help: "Memory server readiness (1 ready, 0 otherwise).",
				},
			),
			serverTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_server_transitions_total",
					Help: "Total memory server state transitions by target state.",
				},
				[]string{"state"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			chatTurnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chat_turn_total",
					Help: "Total chat turns by provider and status.",
				},
				[]string{"provider", "status"},
			),
			chatTurnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "chat_turn_duration_seconds",
					Help:    "Chat turn duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			chatErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chat_errors_total",
					Help: "Total chat turn errors by provider.",
				},
				[]string{"provider"},
			),
			journalEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "journal_events_total",
					Help: "Total journal events by kind.",
				},
				[]string{"kind"},
			),
			journalPrunedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "journal_pruned_total",
					Help: "Total journal entries removed by retention sweeps.",
				},
			),
		}

		prometheus.MustRegister(
			m.captureDecisions,
			m.captureSweeps,
			m.captureDuration,
			m.memoriesStored,
			m.recallTotal,
			m.recallDuration,
			m.memoriesInjected,
			m.serverUp,
			m.serverTransitions,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.chatTurnTotal,
			m.chatTurnDuration,
			m.chatErrorsTotal,
			m.journalEventsTotal,
			m.journalPrunedTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordCaptureDecision(reason string) {
	m := getMetrics()
	m.captureDecisions.WithLabelValues(reason).Inc()
}

func RecordCaptureSweep(duration time.Duration, stored int, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.captureSweeps.WithLabelValues(status).Inc()
	m.captureDuration.Observe(duration.Seconds())
	if stored > 0 {
		m.memoriesStored.Add(float64(stored))
	}
}

func RecordRecall(duration time.Duration, injected int, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.recallTotal.WithLabelValues(status).Inc()
	m.recallDuration.Observe(duration.Seconds())
	if injected > 0 {
		m.memoriesInjected.Add(float64(injected))
	}
}

func SetMemoryServerUp(up bool) {
	m := getMetrics()
	value := 0.0
	if up {
		value = 1.0
	}
	m.serverUp.Set(value)
}

func RecordMemoryServerTransition(state string) {
	m := getMetrics()
	m.serverTransitions.WithLabelValues(state).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordChatTurn(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.chatTurnTotal.WithLabelValues(provider, status).Inc()
	m.chatTurnDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if !success {
		m.chatErrorsTotal.WithLabelValues(provider).Inc()
	}
}

func RecordJournalEvent(kind string) {
	m := getMetrics()
	m.journalEventsTotal.WithLabelValues(kind).Inc()
}

func RecordJournalPrune(deleted int) {
	m := getMetrics()
	if deleted > 0 {
		m.journalPrunedTotal.Add(float64(deleted))
	}
}
