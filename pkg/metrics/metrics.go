// Package metrics exposes Prometheus counters for flow execution.
package metrics

import (
	"net/http"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatflow"

// Inbound outcomes.
const (
	OutcomeResumed   = "resumed"
	OutcomeTriggered = "triggered"
	OutcomeIgnored   = "ignored"
)

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	inbound          *prometheus.CounterVec
	instancesStarted prometheus.Counter
	instancesEnded   *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	timeoutsSwept    prometheus.Counter
	conflicts        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages by outcome.",
		}, []string{"outcome"}),
		instancesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_started_total",
			Help:      "Flow instances created.",
		}),
		instancesEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_finished_total",
			Help:      "Flow instances that completed or failed, by status and failure reason.",
		}, []string{"status", "reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_dispatched_total",
			Help:      "Outbound actions by delivery status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Time spent in one start or resume call, dispatch included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		timeoutsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_swept_total",
			Help:      "Waiting instances handed to the timeout handler.",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_conflicts_total",
			Help:      "Instance writes rejected by the store, by kind.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inbound,
		m.instancesStarted,
		m.instancesEnded,
		m.deliveries,
		m.duration,
		m.timeoutsSwept,
		m.conflicts,
	)

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Inbound(outcome string) {
	if m == nil {
		return
	}

	m.inbound.WithLabelValues(outcome).Inc()
}

// Execution records one engine call and its deliveries.
func (m *Metrics) Execution(operation string, result *models.ExecutionResult, started bool, elapsed time.Duration) {
	if m == nil || result == nil {
		return
	}

	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())

	if started {
		m.instancesStarted.Inc()
	}

	for _, delivery := range result.Deliveries {
		m.deliveries.WithLabelValues(string(delivery.Status)).Inc()
	}

	if result.Noop || result.Instance == nil || !result.Instance.IsTerminal() {
		return
	}

	m.instancesEnded.WithLabelValues(string(result.Instance.Status), string(result.Instance.FailureReason)).Inc()
}

func (m *Metrics) TimeoutsSwept(n int) {
	if m == nil {
		return
	}

	m.timeoutsSwept.Add(float64(n))
}

// Conflict counts a rejected write; kind is "already_exists" or "version".
func (m *Metrics) Conflict(kind string) {
	if m == nil {
		return
	}

	m.conflicts.WithLabelValues(kind).Inc()
}
