// Package metrics exposes engine counters on a private Prometheus registry.
//
// All methods are safe on a nil *Metrics so that packages can take an optional collector.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Connection status label values; kept in sync with realtime.Status.
var connStatuses = []string{"disconnected", "connecting", "connected", "error"}

type Metrics struct {
	reg *prometheus.Registry

	eventsIn      *prometheus.CounterVec
	eventsOut     *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	connStatus    *prometheus.GaugeVec
	staleFetches  prometheus.Counter
	duplicates    prometheus.Counter
	notifications prometheus.Counter
	stubs         prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		eventsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "events_in_total",
			Help: "Inbound envelopes delivered to listeners, by type.",
		}, []string{"type"}),
		eventsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "events_out_total",
			Help: "Outbound envelopes written, by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "events_dropped_total",
			Help: "Inbound events dropped before reaching the store, by reason.",
		}, []string{"reason"}),
		connStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connection_status",
			Help: "1 for the current connection status, 0 otherwise.",
		}, []string{"status"}),
		staleFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "stale_fetches_total",
			Help: "History responses discarded because the selection changed.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "duplicate_messages_total",
			Help: "Inbound messages whose id was already stored.",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "notifications_total",
			Help: "Notifications raised for messages in background conversations.",
		}),
		stubs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "stub_conversations_total",
			Help: "Conversations materialized from inbound references.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "api", Name: "requests_total",
			Help: "Collaborator HTTP calls, by operation and status code.",
		}, []string{"op", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "api", Name: "request_duration_seconds",
			Help:    "Collaborator HTTP call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsIn, m.eventsOut, m.dropped, m.connStatus,
		m.staleFetches, m.duplicates, m.notifications, m.stubs,
		m.httpRequests, m.httpDuration,
	)
	m.SetConnStatus("disconnected")
	return m
}

// Registry returns the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) EventIn(typ string) {
	if m == nil {
		return
	}
	m.eventsIn.WithLabelValues(typ).Inc()
}

func (m *Metrics) EventOut(typ string) {
	if m == nil {
		return
	}
	m.eventsOut.WithLabelValues(typ).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// SetConnStatus flips the status gauge so exactly one label reads 1.
func (m *Metrics) SetConnStatus(status string) {
	if m == nil {
		return
	}
	for _, s := range connStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.connStatus.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) StaleFetch() {
	if m == nil {
		return
	}
	m.staleFetches.Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) Notification() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

func (m *Metrics) Stub() {
	if m == nil {
		return
	}
	m.stubs.Inc()
}

// ObserveHTTP records one collaborator call. status is 0 when no response arrived.
func (m *Metrics) ObserveHTTP(op string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(op, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(op).Observe(took.Seconds())
}
