package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsRegistry instruments the realtime layer. It owns a private
// prometheus registry so tests can construct it without global state.
type metricsRegistry struct {
	reg *prometheus.Registry

	connections     prometheus.Gauge
	handshakes      *prometheus.CounterVec
	broadcasts      prometheus.Counter
	droppedEvents   prometheus.Counter
	httpRequests    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func newMetricsRegistry() *metricsRegistry {
	m := &metricsRegistry{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_ws_connections",
			Help: "Currently open websocket connections.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_ws_handshakes_total",
			Help: "Websocket authentication handshakes by result.",
		}, []string{"result"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_broadcast_total",
			Help: "Chat messages fanned out to rooms.",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_events_dropped_total",
			Help: "Events dropped because a connection's send queue was full.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "HTTP requests by method and status class.",
		}, []string{"method", "class"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.handshakes,
		m.broadcasts,
		m.droppedEvents,
		m.httpRequests,
		m.requestDuration,
	)
	return m
}

func (m *metricsRegistry) ConnectionOpened() { m.connections.Inc() }
func (m *metricsRegistry) ConnectionClosed() { m.connections.Dec() }
func (m *metricsRegistry) HandshakeResult(result string) {
	m.handshakes.WithLabelValues(result).Inc()
}
func (m *metricsRegistry) MessageBroadcast() { m.broadcasts.Inc() }
func (m *metricsRegistry) EventDropped()     { m.droppedEvents.Inc() }

func (m *metricsRegistry) observeHTTP(method, class string, seconds float64) {
	m.httpRequests.WithLabelValues(method, class).Inc()
	m.requestDuration.WithLabelValues(method).Observe(seconds)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *metricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
