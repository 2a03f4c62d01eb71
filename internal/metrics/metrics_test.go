package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.TokenEvent("office-1", "token.created")
	m.TokenEvent("office-1", "token.created")
	m.EngineError("call_next", "office_busy")
	m.LockWait(3 * time.Millisecond)
	m.HTTPRequest("POST", "/api/tokens", 201, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tokens.WithLabelValues("office-1", "token.created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("call_next", "office_busy")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "token_service_token_events_total")
	assert.Contains(t, string(body), "token_service_office_lock_wait_seconds")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.TokenEvent("office-1", "token.created")
	m.EngineError("book", "internal")
	m.LockWait(time.Second)
	m.HTTPRequest("GET", "/healthz", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
