// Package metrics defines the Prometheus collectors exported on /metrics.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "atweet"

// Metrics holds the service collectors.
type Metrics struct {
	events          *prometheus.CounterVec
	stored          *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	handlerFailures prometheus.Counter
	cursorFailures  prometheus.Counter
	cursor          prometheus.Gauge
	httpRequests    *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firehose",
			Name:      "events_total",
			Help:      "Decoded firehose events by kind.",
		}, []string{"kind"}),
		stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeline",
			Name:      "items_stored_total",
			Help:      "Timeline items handed to the repository by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firehose",
			Name:      "events_dropped_total",
			Help:      "Firehose frames skipped without producing an item, by reason.",
		}, []string{"reason"}),
		handlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firehose",
			Name:      "handler_failures_total",
			Help:      "Events whose handler returned an error.",
		}),
		cursorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cursor",
			Name:      "persist_failures_total",
			Help:      "Failed attempts to persist the firehose cursor.",
		}),
		cursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cursor",
			Name:      "latest_time_us",
			Help:      "Latest firehose cursor observed, in microseconds since the epoch.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
	}

	reg.MustRegister(
		m.events,
		m.stored,
		m.dropped,
		m.handlerFailures,
		m.cursorFailures,
		m.cursor,
		m.httpRequests,
	)
	return m
}

// EventDecoded counts a decoded frame by event kind.
func (m *Metrics) EventDecoded(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// ItemStored counts a timeline item written by ingestion.
func (m *Metrics) ItemStored(itemType string) {
	if m == nil {
		return
	}
	m.stored.WithLabelValues(itemType).Inc()
}

// EventDropped counts a frame skipped for reason.
func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// HandlerFailed counts an event whose repository write failed.
func (m *Metrics) HandlerFailed() {
	if m == nil {
		return
	}
	m.handlerFailures.Inc()
}

// CursorPersistFailed counts a cursor write that the backend rejected.
func (m *Metrics) CursorPersistFailed() {
	if m == nil {
		return
	}
	m.cursorFailures.Inc()
}

// CursorAdvanced sets the in-memory cursor watermark.
func (m *Metrics) CursorAdvanced(timeUS int64) {
	if m == nil {
		return
	}
	m.cursor.Set(float64(timeUS))
}

// HTTPRequest counts a served request by route pattern and status.
func (m *Metrics) HTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
