package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/fixloop/internal/logging"
	"github.com/fyrsmithlabs/fixloop/internal/secrets"
	"github.com/fyrsmithlabs/fixloop/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestRequestMetrics(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	scrubber, err := secrets.New(nil)
	require.NoError(t, err)

	srv, err := NewServer(scrubber, logging.NewNop(), &Config{
		Host:  "localhost",
		Port:  9464,
		Meter: tel.Meter(httpInstrumentationName),
	})
	require.NoError(t, err)

	requests := []struct {
		method string
		target string
		body   string
		status int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/api/v1/session", "", http.StatusServiceUnavailable},
		{http.MethodPost, "/api/v1/scrub", `{"content":"x"}`, http.StatusOK},
		{http.MethodGet, "/wp-admin/setup.php", "", http.StatusNotFound},
	}
	for _, r := range requests {
		req := httptest.NewRequest(r.method, r.target, strings.NewReader(r.body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		srv.echo.ServeHTTP(rec, req)
		require.Equal(t, r.status, rec.Code, "%s %s", r.method, r.target)
	}

	const name = "fixloop.http.requests"
	assert.Equal(t, int64(5), tel.CounterValue(t, name))
	assert.Equal(t, int64(2), tel.CounterValueWhere(t, name,
		attribute.String("route", "/health"), attribute.String("status_class", "2xx")))
	assert.Equal(t, int64(1), tel.CounterValueWhere(t, name,
		attribute.String("route", "/api/v1/session"), attribute.String("status_class", "5xx")))
	assert.Equal(t, int64(1), tel.CounterValueWhere(t, name,
		attribute.String("route", unmatchedRoute), attribute.String("status_class", "4xx")))
	assert.Zero(t, tel.CounterValueWhere(t, name, attribute.String("route", "/wp-admin/setup.php")))

	assert.Equal(t, uint64(5), tel.HistogramCount(t, "fixloop.http.request.duration"))
	assert.Zero(t, tel.CounterValue(t, "fixloop.http.requests.in_flight"))
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		200: "2xx",
		204: "2xx",
		301: "3xx",
		404: "4xx",
		503: "5xx",
		0:   "unknown",
		700: "unknown",
	}
	for status, want := range tests {
		assert.Equal(t, want, statusClass(status), "status %d", status)
	}
}
