package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgingest/internal/config"
	"msgingest/internal/logger"
	"msgingest/pkg/health"
	"msgingest/pkg/metrics"
	"msgingest/pkg/middleware"
)

type checker struct {
	name string
	err  error
}

func (c checker) Name() string                    { return c.name }
func (c checker) Check(ctx context.Context) error { return c.err }

func newTestServer(t *testing.T, cfg config.ServerConfig, checkers ...health.Checker) *Server {
	t.Helper()
	registry := health.NewCheckerRegistry()
	for _, c := range checkers {
		registry.Register(c)
	}
	return New(t.Context(), cfg, registry, Options{ServiceName: "test"}, logger.NopLogger())
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.1:1234"
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   int
		wantStatus health.Status
	}{
		{"healthy", nil, http.StatusOK, health.StatusHealthy},
		{"unhealthy", errors.New("down"), http.StatusServiceUnavailable, health.StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, config.ServerConfig{Port: 8080}, checker{name: "mongodb", err: tt.err})

			rec := get(t, s, "/health")
			assert.Equal(t, tt.wantCode, rec.Code)

			var body health.Health
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Contains(t, body.Checks, "mongodb")
			assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
		})
	}
}

func TestHealth_RecordsRequests(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{Port: 8080})
	before := testutil.ToFloat64(metrics.OpsRequestsTotal.WithLabelValues("/health", "200"))

	get(t, s, "/health")

	after := testutil.ToFloat64(metrics.OpsRequestsTotal.WithLabelValues("/health", "200"))
	assert.Equal(t, before+1, after)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{Port: 8080})

	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{Port: 8080})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-42")
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get(middleware.RequestIDHeader))
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{
		Port:      8080,
		RateLimit: config.RateLimitConfig{RPS: 0.001, Burst: 2},
	})

	assert.Equal(t, http.StatusOK, get(t, s, "/health").Code)
	assert.Equal(t, http.StatusOK, get(t, s, "/health").Code)

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{Port: 8080})
	assert.Equal(t, http.StatusNotFound, get(t, s, "/nope").Code)
}

func TestStartAndShutdown(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{Port: 0, ReadTimeout: time.Second, WriteTimeout: time.Second})
	s.server.Addr = "127.0.0.1:0"

	done := make(chan error, 1)
	go func() { done <- s.Start(t.Context()) }()

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return s.Shutdown(ctx) == nil
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}
