package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.EventDecoded("twit")
	m.EventDecoded("twit")
	m.EventDropped("non_create")
	m.ItemStored("retwit")
	m.HandlerFailed()
	m.CursorPersistFailed()
	m.CursorAdvanced(1700000000000000)
	m.HTTPRequest("/api/feed", 200)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("twit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("non_create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stored.WithLabelValues("retwit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cursorFailures))
	assert.Equal(t, 1.7e15, testutil.ToFloat64(m.cursor))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/api/feed", "200")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventDecoded("twit")
		m.EventDropped("x")
		m.ItemStored("twit")
		m.HandlerFailed()
		m.CursorPersistFailed()
		m.CursorAdvanced(1)
		m.HTTPRequest("/", 500)
	})
}
