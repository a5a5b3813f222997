package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "valedesk"

type moduleMetrics struct {
	activeRuns       prometheus.Gauge
	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	modelCallTotal   *prometheus.CounterVec
	modelCallLatency *prometheus.HistogramVec
	tokensTotal      *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	loopEpisodesTotal       *prometheus.CounterVec
	permissionDecisionTotal *prometheus.CounterVec

	taskTotal       *prometheus.CounterVec
	taskThreadTotal *prometheus.CounterVec

	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	memoryWriteDuration prometheus.Histogram
	memoryBytes         prometheus.Gauge

	schedulerRunsTotal *prometheus.CounterVec
	eventsDropped      prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Agent runs currently in progress.",
			}),
			agentRunTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_run_total",
				Help:      "Finished agent runs by provider and terminal status.",
			}, []string{"provider", "status"}),
			agentRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "agent_run_duration_seconds",
				Help:      "Agent run duration in seconds by provider.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			}, []string{"provider"}),
			modelCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_call_total",
				Help:      "Streaming completions by provider and status.",
			}, []string{"provider", "status"}),
			modelCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_call_duration_seconds",
				Help:      "Streaming completion duration in seconds by provider.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider"}),
			tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens consumed by provider and direction.",
			}, []string{"provider", "direction"}),
			toolExecutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_execution_total",
				Help:      "Total tool executions by tool and status.",
			}, []string{"tool", "status"}),
			toolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_execution_duration_seconds",
				Help:      "Tool execution duration in seconds by tool.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"tool"}),
			toolErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_errors_total",
				Help:      "Total tool execution errors by tool.",
			}, []string{"tool"}),
			loopEpisodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_episodes_total",
				Help:      "Detected tool-call loops by tool and outcome (hint or fatal).",
			}, []string{"tool", "outcome"}),
			permissionDecisionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "permission_decisions_total",
				Help:      "Permission gate decisions.",
			}, []string{"decision"}),
			taskTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_total",
				Help:      "Finished multi-thread tasks by mode and status.",
			}, []string{"mode", "status"}),
			taskThreadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_thread_total",
				Help:      "Finished task threads by status.",
			}, []string{"status"}),
			sessionLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_load_duration_seconds",
				Help:      "Session history load duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			}),
			sessionSaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_save_duration_seconds",
				Help:      "Session message write duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			}),
			memoryWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "memory_write_duration_seconds",
				Help:      "Memory file write duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			}),
			memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_bytes",
				Help:      "Size of the long-term memory file.",
			}),
			schedulerRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_runs_total",
				Help:      "Scheduled task executions by status.",
			}, []string{"status"}),
			eventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "events_dropped",
				Help:      "Events dropped because a subscriber was too slow.",
			}),
		}

		prometheus.MustRegister(
			m.activeRuns,
			m.agentRunTotal,
			m.agentRunDuration,
			m.modelCallTotal,
			m.modelCallLatency,
			m.tokensTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.loopEpisodesTotal,
			m.permissionDecisionTotal,
			m.taskTotal,
			m.taskThreadTotal,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.memoryWriteDuration,
			m.memoryBytes,
			m.schedulerRunsTotal,
			m.eventsDropped,
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

func IncActiveRuns() {
	getMetrics().activeRuns.Inc()
}

func DecActiveRuns() {
	getMetrics().activeRuns.Dec()
}

// RecordAgentRun counts a finished run under its terminal status.
func RecordAgentRun(provider, status string, duration time.Duration) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(provider, status).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.modelCallLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordTokens(provider string, input, output int64) {
	m := getMetrics()
	if input > 0 {
		m.tokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	}
	if output > 0 {
		m.tokensTotal.WithLabelValues(provider, "output").Add(float64(output))
	}
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordLoopEpisode(tool string, fatal bool) {
	outcome := "hint"
	if fatal {
		outcome = "fatal"
	}
	getMetrics().loopEpisodesTotal.WithLabelValues(tool, outcome).Inc()
}

func RecordPermissionDecision(decision string) {
	getMetrics().permissionDecisionTotal.WithLabelValues(decision).Inc()
}

func RecordTaskOutcome(mode, status string) {
	getMetrics().taskTotal.WithLabelValues(mode, status).Inc()
}

func RecordTaskThread(status string) {
	getMetrics().taskThreadTotal.WithLabelValues(status).Inc()
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordMemoryWrite(duration time.Duration, size int) {
	m := getMetrics()
	m.memoryWriteDuration.Observe(duration.Seconds())
	m.memoryBytes.Set(float64(size))
}

func SetMemoryBytes(size int) {
	getMetrics().memoryBytes.Set(float64(size))
}

func RecordSchedulerRun(success bool) {
	getMetrics().schedulerRunsTotal.WithLabelValues(statusLabel(success)).Inc()
}

func SetEventsDropped(n int64) {
	getMetrics().eventsDropped.Set(float64(n))
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
