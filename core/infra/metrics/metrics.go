package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BridgeMetrics captures request metrics for the compile bridge.
type BridgeMetrics interface {
	ObserveRequest(mode, status string, durationSeconds float64)
	IncDispatched(queue string)
	IncRetries()
}

// RelayMetrics captures fan-out metrics for the result relay.
type RelayMetrics interface {
	IncConnections()
	DecConnections()
	IncForwarded()
	IncForwardFailed()
	IncNoListener()
}

// Noop implements both metric interfaces without emitting anything.
type Noop struct{}

func (Noop) ObserveRequest(string, string, float64) {}
func (Noop) IncDispatched(string)                   {}
func (Noop) IncRetries()                            {}
func (Noop) IncConnections()                        {}
func (Noop) DecConnections()                        {}
func (Noop) IncForwarded()                          {}
func (Noop) IncForwardFailed()                      {}
func (Noop) IncNoListener()                         {}

// BridgeProm implements BridgeMetrics backed by Prometheus collectors.
type BridgeProm struct {
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	dispatched *prometheus.CounterVec
	retries    prometheus.Counter
	once       sync.Once
}

func NewBridgeProm(namespace string) *BridgeProm {
	b := &BridgeProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Compile requests by mode and status",
		}, []string{"mode", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Compile request latency by mode",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs deposited by queue",
		}, []string{"queue"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_retries_total",
			Help:      "Connect/subscribe/wait cycles retried",
		}),
	}
	b.once.Do(func() {
		prometheus.MustRegister(b.requests, b.latency, b.dispatched, b.retries)
	})
	return b
}

func (b *BridgeProm) ObserveRequest(mode, status string, durationSeconds float64) {
	b.requests.WithLabelValues(mode, status).Inc()
	b.latency.WithLabelValues(mode).Observe(durationSeconds)
}

func (b *BridgeProm) IncDispatched(queue string) {
	b.dispatched.WithLabelValues(queue).Inc()
}

func (b *BridgeProm) IncRetries() {
	b.retries.Inc()
}

// RelayProm implements RelayMetrics backed by Prometheus collectors.
type RelayProm struct {
	connections   prometheus.Gauge
	forwarded     prometheus.Counter
	forwardFailed prometheus.Counter
	noListener    prometheus.Counter
	once          sync.Once
}

func NewRelayProm(namespace string) *RelayProm {
	r := &RelayProm{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open gateway connections",
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_forwarded_total",
			Help:      "Result frames forwarded to subscribers",
		}),
		forwardFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwards_failed_total",
			Help:      "Forward attempts that found the connection gone",
		}),
		noListener: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_listener_total",
			Help:      "Results published with no subscriber registered",
		}),
	}
	r.once.Do(func() {
		prometheus.MustRegister(r.connections, r.forwarded, r.forwardFailed, r.noListener)
	})
	return r
}

func (r *RelayProm) IncConnections()   { r.connections.Inc() }
func (r *RelayProm) DecConnections()   { r.connections.Dec() }
func (r *RelayProm) IncForwarded()     { r.forwarded.Inc() }
func (r *RelayProm) IncForwardFailed() { r.forwardFailed.Inc() }
func (r *RelayProm) IncNoListener()    { r.noListener.Inc() }

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
