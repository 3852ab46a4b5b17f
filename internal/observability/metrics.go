package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toolrelay"

type moduleMetrics struct {
	sessionsCreated  *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	requestsEnqueued prometheus.Counter
	requestsDeliver  *prometheus.CounterVec
	responsesStored  *prometheus.CounterVec
	storeErrors      *prometheus.CounterVec
	activeStreams    *prometheus.GaugeVec

	connectionStates *prometheus.CounterVec

	queueSize    *prometheus.GaugeVec
	queueDropped *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			sessionsCreated: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "sessions_created_total",
					Help:      "Session create attempts by outcome.",
				},
				[]string{"status"},
			),
			rateLimited: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "rate_limited_total",
					Help:      "Requests rejected by the per-client rate limiter, by route.",
				},
				[]string{"route"},
			),
			requestsEnqueued: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "requests_enqueued_total",
					Help:      "Tool requests accepted into a session queue.",
				},
			),
			requestsDeliver: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "requests_delivered_total",
					Help:      "Tool requests drained from session queues, by binding.",
				},
				[]string{"binding"},
			),
			responsesStored: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "responses_stored_total",
					Help:      "Tool responses written, by outcome.",
				},
				[]string{"status"},
			),
			storeErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "store_errors_total",
					Help:      "Backing store failures by operation.",
				},
				[]string{"op"},
			),
			activeStreams: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_streams",
					Help:      "Open push connections by binding.",
				},
				[]string{"binding"},
			),
			connectionStates: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "connection_transitions_total",
					Help:      "Worker connection state transitions by target state and transport.",
				},
				[]string{"state", "transport"},
			),
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "execution_queue_size",
					Help:      "Pending executions per worker session.",
				},
				[]string{"session"},
			),
			queueDropped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "execution_queue_rejected_total",
					Help:      "Executions rejected by a worker queue, by reason.",
				},
				[]string{"reason"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_errors_total",
					Help:      "Tool execution failures by tool and error kind.",
				},
				[]string{"tool", "kind"},
			),
		}

		prometheus.MustRegister(
			m.sessionsCreated,
			m.rateLimited,
			m.requestsEnqueued,
			m.requestsDeliver,
			m.responsesStored,
			m.storeErrors,
			m.activeStreams,
			m.connectionStates,
			m.queueSize,
			m.queueDropped,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
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

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordSessionCreated(success bool) {
	getMetrics().sessionsCreated.WithLabelValues(statusLabel(success)).Inc()
}

func RecordRateLimited(route string) {
	getMetrics().rateLimited.WithLabelValues(route).Inc()
}

func RecordRequestEnqueued() {
	getMetrics().requestsEnqueued.Inc()
}

func RecordRequestsDelivered(binding string, count int) {
	if count <= 0 {
		return
	}
	getMetrics().requestsDeliver.WithLabelValues(binding).Add(float64(count))
}

func RecordResponseStored(success bool) {
	getMetrics().responsesStored.WithLabelValues(statusLabel(success)).Inc()
}

func RecordStoreError(op string) {
	getMetrics().storeErrors.WithLabelValues(op).Inc()
}

// StreamOpened bumps the active stream gauge and returns the matching decrement.
func StreamOpened(binding string) func() {
	g := getMetrics().activeStreams.WithLabelValues(binding)
	g.Inc()
	return g.Dec
}

func RecordConnectionTransition(state, transport string) {
	getMetrics().connectionStates.WithLabelValues(state, transport).Inc()
}

func SetQueueSize(session string, size int) {
	getMetrics().queueSize.WithLabelValues(session).Set(float64(size))
}

func RecordQueueRejected(reason string) {
	getMetrics().queueDropped.WithLabelValues(reason).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, errKind string) {
	m := getMetrics()
	success := errKind == ""
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool, errKind).Inc()
	}
}
