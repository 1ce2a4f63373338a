package health

import (
	"context"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/novita"
	"github.com/crosslogic/gpu-control-plane/pkg/metrics"
)

// OverallStatus aggregates the results of one health check round.
type OverallStatus string

const (
	StatusHealthy   OverallStatus = "healthy"
	StatusPartial   OverallStatus = "partial"
	StatusUnhealthy OverallStatus = "unhealthy"
)

// CheckConfig tunes one round of endpoint probes.
type CheckConfig struct {
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	MaxWaitTime   time.Duration
	TargetPort    int // 0 probes every mapping
}

// DefaultCheckConfig mirrors the production probe defaults.
func DefaultCheckConfig() CheckConfig {
	return CheckConfig{
		Timeout:       10 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    2 * time.Second,
		MaxWaitTime:   5 * time.Minute,
	}
}

// EndpointResult is the outcome of probing one port mapping.
type EndpointResult struct {
	Port         int           `json:"port"`
	Endpoint     string        `json:"endpoint"`
	Healthy      bool          `json:"healthy"`
	StatusCode   int           `json:"statusCode,omitempty"`
	ResponseTime time.Duration `json:"responseTime"`
	Attempts     int           `json:"attempts"`
	Error        *CheckError   `json:"error,omitempty"`
}

// Result is the aggregate of one health check round.
type Result struct {
	OverallStatus     OverallStatus    `json:"overallStatus"`
	Endpoints         []EndpointResult `json:"endpoints"`
	TotalResponseTime time.Duration    `json:"totalResponseTime"`
}

// Checker probes instance endpoints over HTTP.
type Checker struct {
	httpClient *http.Client
	logger     *zap.Logger
}

func NewChecker(logger *zap.Logger) *Checker {
	return &Checker{
		httpClient: &http.Client{
			// Redirects would probe a different endpoint than the one asked for.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// PerformHealthChecks probes every port mapping concurrently and aggregates
// the results. An empty mapping set, or a target port that matches nothing,
// is unhealthy without issuing any probes.
func (c *Checker) PerformHealthChecks(ctx context.Context, portMappings []novita.PortMapping, config CheckConfig) *Result {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RetryAttempts == 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 2 * time.Second
	}

	targets := portMappings
	if config.TargetPort != 0 {
		targets = nil
		for _, mapping := range portMappings {
			if mapping.Port == config.TargetPort {
				targets = append(targets, mapping)
			}
		}
	}
	if len(targets) == 0 {
		return &Result{OverallStatus: StatusUnhealthy, Endpoints: []EndpointResult{}}
	}

	results := make([]EndpointResult, len(targets))
	var wg sync.WaitGroup
	for i, mapping := range targets {
		wg.Add(1)
		go func(i int, mapping novita.PortMapping) {
			defer wg.Done()
			results[i] = c.checkEndpoint(ctx, mapping, config)
		}(i, mapping)
	}
	wg.Wait()

	healthy := 0
	var totalResponseTime time.Duration
	for _, r := range results {
		if r.Healthy {
			healthy++
			totalResponseTime += r.ResponseTime
		}
	}

	overall := StatusPartial
	switch healthy {
	case len(results):
		overall = StatusHealthy
	case 0:
		overall = StatusUnhealthy
	}

	metrics.HealthCheckRounds.WithLabelValues(string(overall)).Inc()
	c.logger.Debug("health check round finished",
		zap.String("overall_status", string(overall)),
		zap.Int("healthy", healthy),
		zap.Int("total", len(results)),
		zap.Duration("total_response_time", totalResponseTime),
	)

	return &Result{
		OverallStatus:     overall,
		Endpoints:         results,
		TotalResponseTime: totalResponseTime,
	}
}

// checkEndpoint probes one endpoint, retrying retryable failures with
// exponential backoff.
func (c *Checker) checkEndpoint(ctx context.Context, mapping novita.PortMapping, config CheckConfig) EndpointResult {
	result := EndpointResult{
		Port:     mapping.Port,
		Endpoint: mapping.Endpoint,
	}

	for attempt := 1; attempt <= config.RetryAttempts; attempt++ {
		result.Attempts = attempt

		statusCode, responseTime, checkErr := c.probe(ctx, mapping.Endpoint, config.Timeout)
		result.StatusCode = statusCode
		if checkErr == nil {
			result.Healthy = true
			result.ResponseTime = responseTime
			result.Error = nil
			return result
		}

		result.Error = checkErr
		if !checkErr.Retryable || attempt == config.RetryAttempts {
			break
		}

		delay := backoffDelay(config.RetryDelay, attempt)
		c.logger.Debug("endpoint probe failed, retrying",
			zap.String("endpoint", mapping.Endpoint),
			zap.String("kind", string(checkErr.Kind)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return result
		}
	}
	return result
}

// probe issues one GET and classifies the outcome. Statuses in [200,399]
// count as healthy.
func (c *Checker) probe(ctx context.Context, endpoint string, timeout time.Duration) (int, time.Duration, *CheckError) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, 0, newCheckError(KindInvalidResponse, err.Error())
	}
	req.Header.Set("User-Agent", "HealthChecker/1.0")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "close")
	req.Header.Set("X-Health-Check", "true")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	responseTime := time.Since(start)
	if err != nil {
		return 0, responseTime, classifyTransport(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode <= 399 {
		return resp.StatusCode, responseTime, nil
	}
	return resp.StatusCode, responseTime, classifyStatus(resp.StatusCode)
}

// backoffDelay is retryDelay * 2^(attempt-1) scaled by jitter in [0.5, 1.5).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	jitter := 0.5 + rand.Float64()
	return time.Duration(delay * jitter)
}
