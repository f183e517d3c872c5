// Package metrics holds the Prometheus instruments of the threads service.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values.
const (
	ResultOK        = "ok"
	ResultNotFound  = "not_found"
	ResultConflict  = "conflict"
	ResultInvariant = "invariant"
	ResultError     = "error"
)

type Metrics struct {
	Operations          *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	ShiftedPositions    prometheus.Histogram
	DeletedComments     prometheus.Histogram
	Retries             *prometheus.CounterVec
	InvariantViolations prometheus.Counter
	CommandsProcessed   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers every instrument on reg. A nil reg gets a private registry
// with the Go and process collectors attached.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threads_operations_total",
			Help: "Engine operations by outcome.",
		}, []string{"op", "result"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "threads_operation_duration_seconds",
			Help:    "Engine operation latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		ShiftedPositions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "threads_shifted_positions",
			Help:    "Comments moved down by a single reply insert.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		DeletedComments: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "threads_deleted_comments",
			Help:    "Comments removed by a single subtree delete.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threads_retries_total",
			Help: "Engine operations retried after a store conflict.",
		}, []string{"op"}),
		InvariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threads_invariant_violations_total",
			Help: "Position collisions detected on insert.",
		}),
		CommandsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threads_commands_total",
			Help: "Asynchronous commands handled by the consumer.",
		}, []string{"command", "outcome"}),
		gatherer: reg,
	}

	for _, c := range []prometheus.Collector{
		m.Operations, m.OperationDuration, m.ShiftedPositions, m.DeletedComments,
		m.Retries, m.InvariantViolations, m.CommandsProcessed,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return nil, errors.New("metrics: instruments already registered on this registry")
			}
			return nil, err
		}
	}
	return m, nil
}

// Observe records one finished engine operation. A nil receiver is a no-op.
func (m *Metrics) Observe(op, result string, started time.Time) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) Retry(op string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(op).Inc()
}

func (m *Metrics) Shifted(n int64) {
	if m == nil {
		return
	}
	m.ShiftedPositions.Observe(float64(n))
}

func (m *Metrics) Deleted(n int) {
	if m == nil {
		return
	}
	m.DeletedComments.Observe(float64(n))
}

func (m *Metrics) Invariant() {
	if m == nil {
		return
	}
	m.InvariantViolations.Inc()
}

func (m *Metrics) Command(command, outcome string) {
	if m == nil {
		return
	}
	m.CommandsProcessed.WithLabelValues(command, outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
