package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the relay server.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	activeSessions      prometheus.Gauge
	attachedViewers     prometheus.Gauge
	sessionsStarted     prometheus.Counter
	sessionsTornDown    *prometheus.CounterVec
	encoderExits        *prometheus.CounterVec
	relayBytesSent      prometheus.Counter
	relayBytesDropped   prometheus.Counter
	relayViewerFailures prometheus.Counter
	proxyRequests       *prometheus.CounterVec
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iptv_relay_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iptv_relay_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iptv_relay_active_sessions",
			Help: "Number of sessions with a live encoder",
		}),
		attachedViewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iptv_relay_attached_viewers",
			Help: "Number of viewer sockets attached across all relays",
		}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iptv_relay_sessions_started_total",
			Help: "Total number of sessions created (encoders spawned)",
		}),
		sessionsTornDown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_relay_sessions_torn_down_total",
			Help: "Total number of sessions torn down, by reason",
		}, []string{"reason"}),
		encoderExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_relay_encoder_exits_total",
			Help: "Total number of encoder process exits, by result",
		}, []string{"result"}),
		relayBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iptv_relay_bytes_sent_total",
			Help: "Total number of media bytes handed to viewer sockets",
		}),
		relayBytesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iptv_relay_bytes_dropped_total",
			Help: "Total number of buffered bytes evicted by the drop-oldest policy",
		}),
		relayViewerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iptv_relay_viewer_failures_total",
			Help: "Total number of viewer sockets removed after a transport error",
		}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_relay_proxy_requests_total",
			Help: "Total number of proxy requests, by kind and outcome",
		}, []string{"kind", "outcome"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.activeSessions,
		m.attachedViewers,
		m.sessionsStarted,
		m.sessionsTornDown,
		m.encoderExits,
		m.relayBytesSent,
		m.relayBytesDropped,
		m.relayViewerFailures,
		m.proxyRequests,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// SetAttachedViewers sets the attached viewers gauge.
func (m *Metrics) SetAttachedViewers(n int) {
	m.attachedViewers.Set(float64(n))
}

// IncSessionsStarted increments the sessions started counter.
func (m *Metrics) IncSessionsStarted() {
	m.sessionsStarted.Inc()
}

// IncSessionsTornDown increments the teardown counter for reason
// ("last_viewer", "encoder_exit", "idle", "shutdown").
func (m *Metrics) IncSessionsTornDown(reason string) {
	m.sessionsTornDown.WithLabelValues(reason).Inc()
}

// IncEncoderExits increments the encoder exit counter for result
// ("clean", "crash", "stopped").
func (m *Metrics) IncEncoderExits(result string) {
	m.encoderExits.WithLabelValues(result).Inc()
}

// AddRelayBytesSent adds n to the bytes sent counter.
func (m *Metrics) AddRelayBytesSent(n int) {
	m.relayBytesSent.Add(float64(n))
}

// AddRelayBytesDropped adds n to the evicted bytes counter.
func (m *Metrics) AddRelayBytesDropped(n int) {
	m.relayBytesDropped.Add(float64(n))
}

// IncViewerFailures increments the viewer transport failure counter.
func (m *Metrics) IncViewerFailures() {
	m.relayViewerFailures.Inc()
}

// IncProxyRequests increments the proxy counter for kind ("manifest",
// "segment", "video") and outcome ("ok", "upstream_error", "redirect_limit",
// "bad_request", "too_large", "aborted", "stalled").
func (m *Metrics) IncProxyRequests(kind, outcome string) {
	m.proxyRequests.WithLabelValues(kind, outcome).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
