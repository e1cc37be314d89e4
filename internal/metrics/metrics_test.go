package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecord(t *testing.T) {
	m := New()

	m.SetConnections(3)
	m.SetOnlineUsers(2)
	m.Delivered("users:online")
	m.Delivered("users:online")
	m.Dropped(ReasonUnknownRecipient)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.onlineUsers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues("users:online")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues(ReasonUnknownRecipient)))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetConnections(1)
		m.SetOnlineUsers(1)
		m.Delivered("x")
		m.Dropped("y")
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.SetOnlineUsers(4)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatrelay_online_users 4")
}
