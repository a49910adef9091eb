// Package observability collects Prometheus metrics for the engine, its
// WebSocket sessions and the static file cache.
package observability

import (
	"io"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Config configures Metrics.
type Config struct {
	// Namespace prefixes every metric name (default: "rawserve").
	Namespace string
	// Buckets are the request duration histogram buckets.
	Buckets []float64
	// Registry receives the collectors. A fresh registry when nil.
	Registry *prometheus.Registry
}

// Option configures Metrics.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the registry collectors are registered with.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// WithBuckets sets the request duration buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// Metrics holds the collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	routeResponses  *prometheus.CounterVec
	connections     prometheus.Gauge
	sessions        prometheus.Gauge
	frames          *prometheus.CounterVec
	protocolErrors  prometheus.Counter
	cacheEvents     *prometheus.CounterVec
}

// New registers the collectors and returns them.
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "rawserve",
		Buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	factory := promauto.With(cfg.Registry)

	return &Metrics{
		registry: cfg.Registry,

		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method and status code",
		}, []string{"method", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Time from request head to the last response byte",
			Buckets:   cfg.Buckets,
		}, []string{"method"}),

		routeResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "route_responses_total",
			Help:      "Responses produced by instrumented routes, by route and status code",
		}, []string{"route", "status"}),

		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "open_connections",
			Help:      "Connections currently being served",
		}),

		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "websocket_sessions",
			Help:      "Open WebSocket sessions",
		}),

		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "websocket_frames_total",
			Help:      "WebSocket frames by direction",
		}, []string{"direction"}),

		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "websocket_protocol_errors_total",
			Help:      "WebSocket sessions ended by a protocol violation",
		}),

		cacheEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "static_cache_events_total",
			Help:      "Static response cache hits, misses, evictions and invalidations",
		}, []string{"event"}),
	}
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RouteResponse records a response produced by route.
func (m *Metrics) RouteResponse(route string, status int) {
	if m == nil {
		return
	}
	m.routeResponses.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// ConnOpened and ConnClosed track open connections.
func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// SessionOpened and SessionClosed track WebSocket sessions.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

// Frame counts one WebSocket frame; direction is "in" or "out".
func (m *Metrics) Frame(direction string) {
	if m != nil {
		m.frames.WithLabelValues(direction).Inc()
	}
}

// ProtocolError counts a session ended by a protocol violation.
func (m *Metrics) ProtocolError() {
	if m != nil {
		m.protocolErrors.Inc()
	}
}

// Cache event labels.
const (
	CacheHit        = "hit"
	CacheMiss       = "miss"
	CacheEviction   = "eviction"
	CacheInvalidate = "invalidation"
)

// CacheEvent counts a static cache event.
func (m *Metrics) CacheEvent(event string) {
	if m != nil {
		m.cacheEvents.WithLabelValues(event).Inc()
	}
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// TextFormat is the Prometheus text exposition format, also used as the
// Content-Type of WriteText output.
var TextFormat = expfmt.NewFormat(expfmt.TypeTextPlain)

// WriteText writes every metric in the Prometheus text exposition format.
func (m *Metrics) WriteText(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics")
	}
	enc := expfmt.NewEncoder(w, TextFormat)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return errors.Wrapf(err, "encode metric family %s", mf.GetName())
		}
	}
	return nil
}
