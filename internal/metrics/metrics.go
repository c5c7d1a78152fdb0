// Package metrics defines the Prometheus collectors of SmartTrash Core and
// the adapters that feed them: an auth event sink and HTTP middleware.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smarttrash"

// Metrics holds every collector the core exports.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Refresh-token lifecycle
	AuthEventsTotal    *prometheus.CounterVec
	TokensRevokedTotal *prometheus.CounterVec
	TokensPurgedTotal  prometheus.Counter
	SweepFailuresTotal prometheus.Counter

	// Telemetry ingest
	ReadingsTotal    *prometheus.CounterVec
	WebSocketClients prometheus.Gauge
}

// New creates the collectors without registering them.
func New() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests in flight",
			},
		),
		AuthEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "events_total",
				Help:      "Auth events by kind (logins, rotations, rejections, reuse detections)",
			},
			[]string{"kind"},
		),
		TokensRevokedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "tokens_revoked_total",
				Help:      "Refresh tokens revoked, by the event that revoked them",
			},
			[]string{"cause"},
		),
		TokensPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "tokens_purged_total",
				Help:      "Expired refresh tokens removed by purge",
			},
		),
		SweepFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "sweep_failures_total",
				Help:      "Tokens a reuse sweep failed to revoke",
			},
		),
		ReadingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "readings_total",
				Help:      "Sensor readings received over MQTT, by result",
			},
			[]string{"result"},
		),
		WebSocketClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "websocket_clients",
				Help:      "Connected WebSocket clients",
			},
		),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.AuthEventsTotal,
		m.TokensRevokedTotal,
		m.TokensPurgedTotal,
		m.SweepFailuresTotal,
		m.ReadingsTotal,
		m.WebSocketClients,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding m plus the Go runtime and process collectors.
func NewRegistry(m *Metrics) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return reg, nil
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ReadingAccepted counts a decoded telemetry message.
func (m *Metrics) ReadingAccepted() { m.ReadingsTotal.WithLabelValues("accepted").Inc() }

// ReadingRejected counts a telemetry message that failed to decode.
func (m *Metrics) ReadingRejected() { m.ReadingsTotal.WithLabelValues("rejected").Inc() }

// ClientConnected increments the WebSocket client gauge.
func (m *Metrics) ClientConnected() { m.WebSocketClients.Inc() }

// ClientDisconnected decrements the WebSocket client gauge.
func (m *Metrics) ClientDisconnected() { m.WebSocketClients.Dec() }
