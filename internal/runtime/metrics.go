package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "flotilla"

// Handler outcomes recorded by Metrics.
const (
	OutcomeHandled   = "handled"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
	OutcomeDiscarded = "discarded"
	OutcomeLeft      = "left"
)

// Metrics holds the Prometheus collectors of one service.
type Metrics struct {
	mu sync.Mutex

	received        *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	receiveErrors   *prometheus.CounterVec
	rebinds         *prometheus.CounterVec
	scheduleInvoked *prometheus.CounterVec
	scheduleSkipped *prometheus.CounterVec
	scheduleFailed  *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. Nothing is registered until Register.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:    registerer,
		received:      newCounterVec("messages", "received_total", "Messages received per queue, drain sentinels included.", "queue"),
		outcomes:      newCounterVec("messages", "outcomes_total", "Message handler outcomes.", "handler", "outcome"),
		receiveErrors: newCounterVec("messages", "receive_errors_total", "Failed receive calls per queue.", "queue"),
		rebinds:       newCounterVec("messages", "rebinds_total", "Queues recreated after vanishing.", "queue"),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "handler",
			Name:      "duration_seconds",
			Help:      "Handler invocation time, middlewares included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "handler",
			Name:      "in_flight",
			Help:      "Handler invocations currently running.",
		}, []string{"handler"}),
		scheduleInvoked: newCounterVec("schedule", "invocations_total", "Scheduled handler invocations.", "job"),
		scheduleSkipped: newCounterVec("schedule", "skipped_total", "Ticks skipped because the concurrency cap was reached.", "job"),
		scheduleFailed:  newCounterVec("schedule", "failures_total", "Scheduled invocations that returned an error or panicked.", "job"),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.received,
		m.outcomes,
		m.duration,
		m.inFlight,
		m.receiveErrors,
		m.rebinds,
		m.scheduleInvoked,
		m.scheduleSkipped,
		m.scheduleFailed,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) Received(queue string) {
	m.received.WithLabelValues(queue).Inc()
}

func (m *Metrics) Outcome(handler, outcome string) {
	m.outcomes.WithLabelValues(handler, outcome).Inc()
}

func (m *Metrics) ReceiveError(queue string) {
	m.receiveErrors.WithLabelValues(queue).Inc()
}

func (m *Metrics) Rebound(queue string) {
	m.rebinds.WithLabelValues(queue).Inc()
}

// Track marks an invocation as started and returns the func that ends it.
func (m *Metrics) Track(handler string) func() {
	start := time.Now()
	gauge := m.inFlight.WithLabelValues(handler)
	gauge.Inc()
	return func() {
		gauge.Dec()
		m.duration.WithLabelValues(handler).Observe(time.Since(start).Seconds())
	}
}

// The following satisfy schedule.Observer.

func (m *Metrics) Invoked(job string) { m.scheduleInvoked.WithLabelValues(job).Inc() }
func (m *Metrics) Skipped(job string) { m.scheduleSkipped.WithLabelValues(job).Inc() }
func (m *Metrics) Failed(job string)  { m.scheduleFailed.WithLabelValues(job).Inc() }
