// Package metrics defines the Prometheus collectors for the audio server.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lacylights_audio"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	clients      *prometheus.GaugeVec
	broadcasts   *prometheus.CounterVec
	sendsSkipped *prometheus.CounterVec
	triggers     *prometheus.CounterVec
	oscSends     *prometheus.CounterVec
	waveform     *prometheus.CounterVec
	probes       *prometheus.CounterVec
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		clients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Connected WebSocket clients per channel.",
		}, []string{"channel"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Messages queued to clients, by channel and message kind.",
		}, []string{"channel", "kind"}),
		sendsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_skipped_total",
			Help:      "Messages dropped for closed or saturated clients.",
		}, []string{"channel"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Trigger requests by source and outcome.",
		}, []string{"source", "outcome"}),
		oscSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "osc_sends_total",
			Help:      "OSC messages sent to mixers, by outcome.",
		}, []string{"outcome"}),
		waveform: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waveform_attempts_total",
			Help:      "Waveform generation attempts by outcome.",
		}, []string{"outcome"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duration_probes_total",
			Help:      "Audio duration probes by method and outcome.",
		}, []string{"method", "outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "API requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "API request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.clients, m.broadcasts, m.sendsSkipped, m.triggers, m.oscSends, m.waveform, m.probes,
		m.requests, m.latency,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ClientConnected(channel string) {
	if m != nil {
		m.clients.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) ClientDisconnected(channel string) {
	if m != nil {
		m.clients.WithLabelValues(channel).Dec()
	}
}

func (m *Metrics) Broadcast(channel, kind string) {
	if m != nil {
		m.broadcasts.WithLabelValues(channel, kind).Inc()
	}
}

func (m *Metrics) SendSkipped(channel string) {
	if m != nil {
		m.sendsSkipped.WithLabelValues(channel).Inc()
	}
}

// Trigger counts a trigger request. outcome is relayed, debounced or locked.
func (m *Metrics) Trigger(source, outcome string) {
	if m != nil {
		m.triggers.WithLabelValues(source, outcome).Inc()
	}
}

func (m *Metrics) OSCSend(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.oscSends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WaveformAttempt(outcome string) {
	if m != nil {
		m.waveform.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) DurationProbe(method, outcome string) {
	if m != nil {
		m.probes.WithLabelValues(method, outcome).Inc()
	}
}

// Middleware records request count and latency per route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.latency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
