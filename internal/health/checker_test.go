package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/novita"
)

func fastConfig() CheckConfig {
	return CheckConfig{
		Timeout:       2 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    5 * time.Millisecond,
	}
}

func TestHealthChecksAllHealthy(t *testing.T) {
	var sawHeaders atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Health-Check") == "true" && r.Header.Get("User-Agent") == "HealthChecker/1.0" {
			sawHeaders.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewChecker(zap.NewNop())
	result := checker.PerformHealthChecks(context.Background(), []novita.PortMapping{
		{Port: 8080, Endpoint: server.URL, Type: "http"},
		{Port: 8081, Endpoint: server.URL, Type: "http"},
	}, fastConfig())

	assert.Equal(t, StatusHealthy, result.OverallStatus)
	require.Len(t, result.Endpoints, 2)
	for _, ep := range result.Endpoints {
		assert.True(t, ep.Healthy)
		assert.Equal(t, http.StatusOK, ep.StatusCode)
		assert.Equal(t, 1, ep.Attempts)
	}
	assert.True(t, sawHeaders.Load(), "probe headers must be sent")
	assert.Greater(t, result.TotalResponseTime, time.Duration(0))
}

func TestHealthChecksRedirectStatusIsHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/elsewhere")
		w.WriteHeader(http.StatusFound)
	}))
	defer server.Close()

	checker := NewChecker(zap.NewNop())
	result := checker.PerformHealthChecks(context.Background(), []novita.PortMapping{
		{Port: 8080, Endpoint: server.URL, Type: "http"},
	}, fastConfig())

	assert.Equal(t, StatusHealthy, result.OverallStatus, "3xx without following the redirect is healthy")
	assert.Equal(t, http.StatusFound, result.Endpoints[0].StatusCode)
}

func TestHealthChecksPartial(t *testing.T) {
	healthyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthyServer.Close()

	unhealthyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer unhealthyServer.Close()

	checker := NewChecker(zap.NewNop())
	result := checker.PerformHealthChecks(context.Background(), []novita.PortMapping{
		{Port: 8080, Endpoint: healthyServer.URL, Type: "http"},
		{Port: 8081, Endpoint: unhealthyServer.URL, Type: "http"},
	}, fastConfig())

	assert.Equal(t, StatusPartial, result.OverallStatus)

	var unhealthy EndpointResult
	var healthyTime time.Duration
	for _, ep := range result.Endpoints {
		if ep.Healthy {
			healthyTime = ep.ResponseTime
		} else {
			unhealthy = ep
		}
	}
	require.NotNil(t, unhealthy.Error)
	assert.Equal(t, KindClientError, unhealthy.Error.Kind)
	assert.Equal(t, 1, unhealthy.Attempts, "client errors are not retried")
	assert.Equal(t, time.Duration(0), unhealthy.ResponseTime, "unhealthy endpoints contribute zero")
	assert.Equal(t, healthyTime, result.TotalResponseTime)
}

func TestHealthChecksRetryOnServerError(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewChecker(zap.NewNop())
	result := checker.PerformHealthChecks(context.Background(), []novita.PortMapping{
		{Port: 8080, Endpoint: server.URL, Type: "http"},
	}, fastConfig())

	assert.Equal(t, StatusHealthy, result.OverallStatus)
	assert.Equal(t, 3, result.Endpoints[0].Attempts)
}

func TestHealthChecksConnectionRefused(t *testing.T) {
	// Grab a port with nothing listening on it.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := server.URL
	server.Close()

	checker := NewChecker(zap.NewNop())
	result := checker.PerformHealthChecks(context.Background(), []novita.PortMapping{
		{Port: 8080, Endpoint: deadURL, Type: "http"},
	}, fastConfig())

	assert.Equal(t, StatusUnhealthy, result.OverallStatus)
	ep := result.Endpoints[0]
	require.NotNil(t, ep.Error)
	assert.Equal(t, KindConnectionRefused, ep.Error.Kind)
	assert.True(t, ep.Error.Retryable)
	assert.Equal(t, 3, ep.Attempts, "retryable failures exhaust all attempts")
}

func TestHealthChecksEmptyMappings(t *testing.T) {
	checker := NewChecker(zap.NewNop())

	result := checker.PerformHealthChecks(context.Background(), nil, fastConfig())
	assert.Equal(t, StatusUnhealthy, result.OverallStatus)
	assert.Empty(t, result.Endpoints)
	assert.Equal(t, time.Duration(0), result.TotalResponseTime)
}

func TestHealthChecksTargetPortFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewChecker(zap.NewNop())
	mappings := []novita.PortMapping{
		{Port: 8080, Endpoint: server.URL, Type: "http"},
		{Port: 22, Endpoint: "http://127.0.0.1:1", Type: "tcp"},
	}

	config := fastConfig()
	config.TargetPort = 8080
	result := checker.PerformHealthChecks(context.Background(), mappings, config)
	assert.Equal(t, StatusHealthy, result.OverallStatus)
	require.Len(t, result.Endpoints, 1)
	assert.Equal(t, 8080, result.Endpoints[0].Port)

	// A target port that matches nothing probes nothing.
	config.TargetPort = 9999
	result = checker.PerformHealthChecks(context.Background(), mappings, config)
	assert.Equal(t, StatusUnhealthy, result.OverallStatus)
	assert.Empty(t, result.Endpoints)
}

func TestClassifyStatusTaxonomy(t *testing.T) {
	tests := []struct {
		statusCode int
		wantKind   ErrorKind
		retryable  bool
		severity   Severity
	}{
		{502, KindBadGateway, true, SeverityMedium},
		{503, KindServiceUnavailable, true, SeverityMedium},
		{500, KindServerError, true, SeverityMedium},
		{404, KindClientError, false, SeverityLow},
	}
	for _, tt := range tests {
		err := classifyStatus(tt.statusCode)
		assert.Equal(t, tt.wantKind, err.Kind, "status %d", tt.statusCode)
		assert.Equal(t, tt.retryable, err.Retryable, "status %d", tt.statusCode)
		assert.Equal(t, tt.severity, err.Severity, "status %d", tt.statusCode)
	}
}
