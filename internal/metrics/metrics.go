// ABOUTME: Prometheus metrics for an operator process
// ABOUTME: Message outcomes, publish results, dispatch latency and worker pool occupancy

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "emissary"

// Inbound outcomes recorded by RecordReceived.
const (
	OutcomeAcked     = "acked"
	OutcomeRejected  = "rejected"
	OutcomeMalformed = "malformed"
	OutcomeDuplicate = "duplicate"
)

// Metrics holds every collector an operator updates. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived  *prometheus.CounterVec
	MessagesPublished prometheus.Counter
	PublishFailures   prometheus.Counter
	LoopsSuppressed   prometheus.Counter
	DispatchDuration  *prometheus.HistogramVec
	PoolWorkers       *prometheus.GaugeVec
	PoolBusy          *prometheus.GaugeVec
	PoolPanics        *prometheus.CounterVec
	OperatorState     prometheus.Gauge
}

// New creates metrics for one operator, labelled with its signature, on a
// fresh registry that also carries the Go and process collectors.
func New(signature string) *Metrics {
	labels := prometheus.Labels{"operator": signature}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "messages",
			Name:        "received_total",
			Help:        "Inbound deliveries by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),

		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "messages",
			Name:        "published_total",
			Help:        "Messages handed to the bus",
			ConstLabels: labels,
		}),

		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "messages",
			Name:        "publish_failures_total",
			Help:        "Publish attempts the bus refused",
			ConstLabels: labels,
		}),

		LoopsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "messages",
			Name:        "loops_suppressed_total",
			Help:        "Outbound messages dropped because they were addressed to their originator",
			ConstLabels: labels,
		}),

		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "dispatch",
			Name:        "duration_seconds",
			Help:        "Agent activation time",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"agent"}),

		PoolWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "workers",
			Help:        "Live workers per pool",
			ConstLabels: labels,
		}, []string{"pool"}),

		PoolBusy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "busy",
			Help:        "Workers currently running a task",
			ConstLabels: labels,
		}, []string{"pool"}),

		PoolPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "panics_total",
			Help:        "Tasks that panicked",
			ConstLabels: labels,
		}, []string{"pool"}),

		OperatorState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "operator",
			Name:        "state",
			Help:        "Operator state (0=disconnected, 1=connecting, 2=connected, 3=running, 4=shutting_down)",
			ConstLabels: labels,
		}),
	}

	m.registry.MustRegister(
		m.MessagesReceived,
		m.MessagesPublished,
		m.PublishFailures,
		m.LoopsSuppressed,
		m.DispatchDuration,
		m.PoolWorkers,
		m.PoolBusy,
		m.PoolPanics,
		m.OperatorState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the prometheus registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordReceived counts one inbound delivery.
func (m *Metrics) RecordReceived(outcome string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(outcome).Inc()
}

// RecordPublished counts one successful publish.
func (m *Metrics) RecordPublished() {
	if m == nil {
		return
	}
	m.MessagesPublished.Inc()
}

// RecordPublishFailure counts one failed publish.
func (m *Metrics) RecordPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

// RecordLoop counts one suppressed self-addressed message.
func (m *Metrics) RecordLoop() {
	if m == nil {
		return
	}
	m.LoopsSuppressed.Inc()
}

// RecordDispatch observes one activation.
func (m *Metrics) RecordDispatch(agent string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// SetPool publishes a pool's occupancy.
func (m *Metrics) SetPool(pool string, workers, busy int) {
	if m == nil {
		return
	}
	m.PoolWorkers.WithLabelValues(pool).Set(float64(workers))
	m.PoolBusy.WithLabelValues(pool).Set(float64(busy))
}

// RecordPanic counts one recovered task panic.
func (m *Metrics) RecordPanic(pool string) {
	if m == nil {
		return
	}
	m.PoolPanics.WithLabelValues(pool).Inc()
}

// SetState publishes the operator state.
func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.OperatorState.Set(float64(state))
}
