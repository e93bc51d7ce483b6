package stats

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/metrics"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /metrics to be set")
	assert.Equal(t, "GET /metrics", pattern, "expected handler to be registered for GET method on /metrics")
}

func TestMetricName(t *testing.T) {
	tcases := []struct {
		in       string
		expected string
	}{
		{ActiveClients, "gochat_active_clients"},
		{SlowSubscribersDropped, "gochat_slow_subscribers_dropped"},
		{"x", "gochat_x"},
	}

	for _, tc := range tcases {
		assert.Equal(t, tc.expected, metricName(tc.in))
	}
}

func TestIncrDecr(t *testing.T) {
	su := NewStatsUpdater(http.NewServeMux())
	su.RegisterMetric(ActiveClients)
	su.RegisterMetric(ActiveClients)
	su.Run()
	t.Cleanup(su.Stop)

	su.Incr(ActiveClients)
	su.Incr(ActiveClients)
	su.Decr(ActiveClients)

	assert.Eventually(t, func() bool {
		su.mu.RLock()
		defer su.mu.RUnlock()
		return testutil.ToFloat64(su.gauges[ActiveClients]) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	su.RegisterMetric(MessagesSent)
	mux.Handle("GET /ping", su.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), "gochat_messages_sent"))
	assert.True(t, strings.Contains(string(body), `gochat_http_requests_total{method="GET",status="418"} 1`))
}
