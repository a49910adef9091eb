package observability

import (
	"bytes"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	m := New(WithNamespace("test"))

	m.ObserveRequest("GET", 200, 10*time.Millisecond)
	m.ObserveRequest("GET", 200, 20*time.Millisecond)
	m.ObserveRequest("POST", 400, time.Millisecond)
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.Frame("in")
	m.CacheEvent(CacheHit)
	m.CacheEvent(CacheMiss)
	m.CacheEvent(CacheHit)

	require.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("POST", "400")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.sessions))
	require.Equal(t, 2.0, testutil.ToFloat64(m.cacheEvents.WithLabelValues(CacheHit)))

	var buf bytes.Buffer
	require.NoError(t, m.WriteText(&buf))
	require.Contains(t, buf.String(), `test_http_requests_total{method="GET",status="200"} 2`)
	require.Contains(t, buf.String(), "test_websocket_frames_total")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	require.NotPanics(t, func() {
		m.ObserveRequest("GET", 200, time.Second)
		m.RouteResponse("x", 200)
		m.ConnOpened()
		m.ConnClosed()
		m.SessionOpened()
		m.SessionClosed()
		m.Frame("out")
		m.ProtocolError()
		m.CacheEvent(CacheEviction)
	})
	require.NoError(t, m.WriteText(&bytes.Buffer{}))
	require.Nil(t, m.Registry())
}
