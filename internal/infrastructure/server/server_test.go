package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webext/internal/domain/app"
	"github.com/GriffinCanCode/webext/internal/infrastructure/config"
	"github.com/GriffinCanCode/webext/internal/infrastructure/monitoring"
)

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetricsWithRegistry(reg)
	rt := app.New(app.Config{Metrics: metrics})

	srv := New(Options{
		Config:   cfg,
		Runtime:  rt,
		Metrics:  metrics,
		Gatherer: reg,
	})
	t.Cleanup(func() { _ = srv.Close(context.Background()) })
	return srv
}

func get(srv *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:5555"
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestRoutes(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Development = true
	srv := newTestServer(t, cfg)

	tests := []struct {
		path     string
		code     int
		contains string
	}{
		{"/health", http.StatusOK, `"healthy"`},
		{"/extensions", http.StatusOK, `"count":0`},
		{"/metrics/json", http.StatusOK, `"runtime"`},
		{"/metrics", http.StatusOK, "webext_http_requests_total"},
		{"/missing", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := get(srv, tt.path)
			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, w.Body.String(), tt.contains)
		})
	}
}

func TestRateLimitApplied(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.RequestsPerSecond = 1
	cfg.RateLimit.Burst = 1
	srv := newTestServer(t, cfg)

	require.Equal(t, http.StatusOK, get(srv, "/health").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(srv, "/health").Code)
}
