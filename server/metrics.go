package server

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"go-polyglot/bridge"
)

// Metrics collects engine statistics. It doubles as the bridge observer.
type Metrics struct {
	mu         sync.Mutex
	registered bool
	registerer prometheus.Registerer

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	validationErrors *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	rejectedTotal    *prometheus.CounterVec
	discardedTotal   *prometheus.CounterVec
	activeStreams    *prometheus.GaugeVec
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "polyglot",
		Subsystem: "engine",
		Name:      name,
		Help:      help,
	}, labels)
}

func newHistogramVec(name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "polyglot",
		Subsystem: "engine",
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, labels)
}

// NewMetrics builds the collectors. A nil registerer uses the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:       registerer,
		requestsTotal:    newCounterVec("requests_total", "HTTP requests by route, method and status", []string{"route", "method", "status"}),
		requestDuration:  newHistogramVec("request_duration_seconds", "Time from routing to the end of the response", []string{"route"}),
		validationErrors: newCounterVec("validation_failures_total", "Requests rejected with 422", []string{"route"}),
		dispatchTotal:    newCounterVec("dispatch_total", "Guest dispatches by handler and outcome", []string{"handler", "outcome"}),
		dispatchDuration: newHistogramVec("dispatch_duration_seconds", "Time spent waiting for guest handlers", []string{"handler"}),
		rejectedTotal:    newCounterVec("dispatch_rejected_total", "Dispatches refused because the bridge was saturated", []string{"handler"}),
		discardedTotal:   newCounterVec("dispatch_discarded_total", "Guest results dropped after cancellation", []string{"handler"}),
		activeStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "polyglot",
			Subsystem: "engine",
			Name:      "active_streams",
			Help:      "Open long-lived responses by kind",
		}, []string{"kind"}),
	}
}

// Register registers the collectors. Safe to call more than once.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.requestsTotal, m.requestDuration, m.validationErrors,
		m.dispatchTotal, m.dispatchDuration, m.rejectedTotal,
		m.discardedTotal, m.activeStreams,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) request(route, method string, status int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) rejected(route string) {
	m.validationErrors.WithLabelValues(route).Inc()
}

func (m *Metrics) streamOpened(kind Streaming) func() {
	g := m.activeStreams.WithLabelValues(kind.String())
	g.Inc()
	return g.Dec
}

// Dispatched implements bridge.Observer.
func (m *Metrics) Dispatched(handler string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(bridge.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	m.dispatchTotal.WithLabelValues(handler, outcome).Inc()
	m.dispatchDuration.WithLabelValues(handler).Observe(elapsed.Seconds())
}

// Rejected implements bridge.Observer.
func (m *Metrics) Rejected(handler string) {
	m.rejectedTotal.WithLabelValues(handler).Inc()
}

// Discarded implements bridge.Observer.
func (m *Metrics) Discarded(handler string) {
	m.discardedTotal.WithLabelValues(handler).Inc()
}

var _ bridge.Observer = (*Metrics)(nil)
