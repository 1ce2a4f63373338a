package novita

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/pkg/metrics"
)

// Client is a production-ready HTTP client for the Novita GPU API.
// All requests go through a shared circuit breaker; categorized client
// errors (4xx) do not trip it.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger

	maxRetries    int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// Config holds Novita API client configuration
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // per-request timeout (default: 30s)

	MaxRetries    int           // retries for transient failures (default: 3)
	RetryDelay    time.Duration // initial retry delay (default: 1s)
	RetryMaxDelay time.Duration // cap for exponential backoff (default: 30s)

	BreakerThreshold int           // consecutive failures before the breaker opens (default: 5)
	BreakerCooldown  time.Duration // open duration before half-open (default: 30s)
}

// NewClient creates a new Novita API client with production-ready defaults
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 1 * time.Second
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "novita-api",
		MaxRequests: 1, // serialize probing while half-open
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.CircuitBreakerOpen.Set(1)
			} else {
				metrics.CircuitBreakerOpen.Set(0)
			}
			logger.Warn("upstream circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		breaker:       breaker,
		logger:        logger,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
	}
}

// GetProducts lists products matching the filters, normalized to the
// internal model. Filter region is attached to each returned product.
func (c *Client) GetProducts(ctx context.Context, filters ProductFilters) ([]Product, error) {
	query := url.Values{}
	if filters.BillingMethod != "" {
		query.Set("billingMethod", filters.BillingMethod)
	}
	if filters.ProductName != "" {
		query.Set("productName", filters.ProductName)
	}
	if filters.Region != "" {
		query.Set("region", filters.Region)
	}

	var envelope productsEnvelope
	if err := c.requestWithRetry(ctx, "getProducts", http.MethodGet, "/v1/products", query, nil, &envelope); err != nil {
		return nil, err
	}

	products := make([]Product, 0, len(envelope.Data))
	for _, wire := range envelope.Data {
		region := filters.Region
		if region == "" && len(wire.Regions) > 0 {
			region = wire.Regions[0]
		}
		products = append(products, wire.normalize(region))
	}

	c.logger.Debug("fetched products",
		zap.String("product_name", filters.ProductName),
		zap.String("region", filters.Region),
		zap.Int("count", len(products)),
	)
	return products, nil
}

// GetTemplate fetches one template by id.
func (c *Client) GetTemplate(ctx context.Context, templateID string) (*Template, error) {
	query := url.Values{"templateId": []string{templateID}}

	var envelope templateEnvelope
	if err := c.requestWithRetry(ctx, "getTemplate", http.MethodGet, "/v1/template", query, nil, &envelope); err != nil {
		return nil, err
	}

	template := envelope.Template.normalize()
	return &template, nil
}

// GetRegistryAuth resolves registry credentials by auth id.
func (c *Client) GetRegistryAuth(ctx context.Context, authID string) (*RegistryAuth, error) {
	var envelope registryAuthsEnvelope
	if err := c.requestWithRetry(ctx, "getRegistryAuth", http.MethodGet, "/v1/repository/auths", nil, nil, &envelope); err != nil {
		return nil, err
	}

	for _, auth := range envelope.Data {
		if auth.ID == authID {
			return &auth, nil
		}
	}
	return nil, &APIError{Kind: KindNotFound, StatusCode: http.StatusNotFound, Message: fmt.Sprintf("registry auth %s not found", authID)}
}

// CreateInstance provisions a new GPU instance and returns its upstream id.
func (c *Client) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*CreateInstanceResponse, error) {
	c.logger.Info("creating instance via Novita API",
		zap.String("name", req.Name),
		zap.String("product_id", req.ProductID),
		zap.Int("gpu_num", req.GPUNum),
	)

	billingMode := req.BillingMode
	if billingMode == "" {
		billingMode = "spot"
	}

	body := createInstanceWire{
		Name:        req.Name,
		ProductID:   req.ProductID,
		GPUNum:      req.GPUNum,
		RootfsSize:  req.RootfsSize,
		ImageURL:    req.ImageURL,
		Kind:        "gpu",
		BillingMode: billingMode,
		ImageAuth:   req.ImageAuth,
		Ports:       encodePorts(req.Ports),
		Envs:        req.Envs,
		ClusterID:   req.ClusterID,
	}

	var result CreateInstanceResponse
	if err := c.requestWithRetry(ctx, "createInstance", http.MethodPost, "/v1/gpu/instance/create", nil, body, &result); err != nil {
		c.logger.Error("failed to create instance",
			zap.String("name", req.Name),
			zap.Error(err),
		)
		return nil, err
	}

	c.logger.Info("instance created",
		zap.String("name", req.Name),
		zap.String("novita_instance_id", result.ID),
	)
	return &result, nil
}

// StartInstance issues a single start request without retries.
func (c *Client) StartInstance(ctx context.Context, instanceID string) error {
	body := map[string]string{"instanceId": instanceID}
	return c.request(ctx, "startInstance", http.MethodPost, "/v1/gpu/instance/start", nil, body, nil)
}

// StopInstance issues a stop request.
func (c *Client) StopInstance(ctx context.Context, instanceID string) error {
	body := map[string]string{"instanceId": instanceID}
	return c.requestWithRetry(ctx, "stopInstance", http.MethodPost, "/v1/gpu/instance/stop", nil, body, nil)
}

// DeleteInstance removes an instance upstream.
func (c *Client) DeleteInstance(ctx context.Context, instanceID string) error {
	body := map[string]string{"instanceId": instanceID}
	return c.requestWithRetry(ctx, "deleteInstance", http.MethodPost, "/v1/gpu/instance/delete", nil, body, nil)
}

// StartInstanceWithRetry retries transient start failures with
// exponential backoff and jitter. Only rate-limit, timeout, network and
// server errors are retried; the last categorized error is surfaced.
func (c *Client) StartInstanceWithRetry(ctx context.Context, instanceID string, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoffWithJitter(attempt - 1)
			c.logger.Warn("retrying instance start",
				zap.String("novita_instance_id", instanceID),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.StartInstance(ctx, instanceID)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
	}
	return lastErr
}

// GetInstance fetches one instance by upstream id. A 404 is authoritative:
// the instance no longer exists.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	query := url.Values{"instanceId": []string{instanceID}}

	var wire instanceWire
	if err := c.requestWithRetry(ctx, "getInstance", http.MethodGet, "/v1/gpu/instance", query, nil, &wire); err != nil {
		return nil, err
	}

	instance := wire.normalize()
	return &instance, nil
}

// InstanceExists reports whether the upstream still knows the instance.
func (c *Client) InstanceExists(ctx context.Context, instanceID string) (bool, error) {
	_, err := c.GetInstance(ctx, instanceID)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// ListInstances fetches one page of instances.
func (c *Client) ListInstances(ctx context.Context, page, pageSize int) (*InstanceList, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 100
	}
	query := url.Values{
		"page":     []string{strconv.Itoa(page)},
		"pageSize": []string{strconv.Itoa(pageSize)},
	}

	var envelope instanceListEnvelope
	if err := c.requestWithRetry(ctx, "listInstances", http.MethodGet, "/v1/gpu/instances", query, nil, &envelope); err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(envelope.Instances))
	for _, wire := range envelope.Instances {
		instances = append(instances, wire.normalize())
	}
	total, _ := envelope.Total.Int64()
	if total == 0 {
		total = int64(len(instances))
	}
	return &InstanceList{Instances: instances, Total: int(total)}, nil
}

// ListAllInstances walks every page.
func (c *Client) ListAllInstances(ctx context.Context) ([]Instance, error) {
	const pageSize = 100

	var all []Instance
	for page := 1; ; page++ {
		list, err := c.ListInstances(ctx, page, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, list.Instances...)
		if len(list.Instances) < pageSize || len(all) >= list.Total {
			return all, nil
		}
	}
}

// MigrateInstance migrates a reclaimed spot instance.
func (c *Client) MigrateInstance(ctx context.Context, instanceID string) (*MigrateInstanceResponse, error) {
	c.logger.Info("migrating spot instance",
		zap.String("novita_instance_id", instanceID),
	)

	body := map[string]string{"instanceId": instanceID}
	var result MigrateInstanceResponse
	if err := c.requestWithRetry(ctx, "migrateInstance", http.MethodPost, "/gpu-instance/openapi/v1/gpu/instance/migrate", nil, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthCheck probes upstream reachability with a minimal list call.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.ListInstances(ctx, 1, 1)
	return err
}

// requestWithRetry executes a request with exponential backoff on
// retryable categorized errors.
func (c *Client) requestWithRetry(ctx context.Context, operation, method, path string, query url.Values, body, result interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoffWithJitter(attempt)
			c.logger.Debug("retrying upstream request",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.request(ctx, operation, method, path, query, body, result)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("request failed after %d retries: %w", c.maxRetries, lastErr)
}

// request executes one attempt through the circuit breaker. Categorized
// 4xx responses pass through without counting as breaker failures.
func (c *Client) request(ctx context.Context, operation, method, path string, query url.Values, body, result interface{}) error {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		reqErr := c.doRequest(ctx, operation, method, path, query, body, result)
		if reqErr == nil {
			return nil, nil
		}
		if apiErr, ok := AsAPIError(reqErr); ok {
			switch apiErr.Kind {
			case KindServer, KindNetwork, KindTimeout:
				return nil, reqErr
			}
			return reqErr, nil
		}
		return nil, reqErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &APIError{Kind: KindNetwork, Message: "upstream circuit breaker open"}
		}
		return err
	}
	if res != nil {
		return res.(error)
	}
	return nil
}

// doRequest executes a single HTTP request and categorizes failures.
func (c *Client) doRequest(ctx context.Context, operation, method, path string, query url.Values, body, result interface{}) error {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		metrics.ObserveUpstream(operation, "transport_error", duration.Seconds())
		apiErr := categorizeTransport(err)
		c.logger.Error("upstream request failed",
			zap.String("operation", operation),
			zap.String("url", fullURL),
			zap.Duration("duration", duration),
			zap.String("kind", string(apiErr.Kind)),
			zap.Error(err),
		)
		return apiErr
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveUpstream(operation, "read_error", duration.Seconds())
		return &APIError{Kind: KindNetwork, Message: fmt.Sprintf("read response body: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.ObserveUpstream(operation, fmt.Sprintf("http_%d", resp.StatusCode), duration.Seconds())

		message := extractErrorMessage(respBody)
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		apiErr := categorizeStatus(resp.StatusCode, message, retryAfter)

		c.logger.Warn("upstream returned error",
			zap.String("operation", operation),
			zap.Int("status_code", resp.StatusCode),
			zap.String("kind", string(apiErr.Kind)),
			zap.String("message", message),
		)
		return apiErr
	}

	metrics.ObserveUpstream(operation, "ok", duration.Seconds())

	if result != nil {
		decoder := json.NewDecoder(bytes.NewReader(respBody))
		decoder.UseNumber()
		if err := decoder.Decode(result); err != nil {
			c.logger.Error("failed to parse upstream response",
				zap.String("operation", operation),
				zap.ByteString("body", respBody),
				zap.Error(err),
			)
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// backoffWithJitter computes baseDelay * 2^(attempt-1) scaled by a
// jitter factor in [0.5, 1.5), capped at retryMaxDelay.
func (c *Client) backoffWithJitter(attempt int) time.Duration {
	delay := time.Duration(float64(c.retryDelay) * math.Pow(2, float64(attempt-1)))
	if delay > c.retryMaxDelay {
		delay = c.retryMaxDelay
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func extractErrorMessage(body []byte) string {
	var wire struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(body, &wire); err == nil {
		if wire.Error != "" {
			return wire.Error
		}
		if wire.Message != "" {
			return wire.Message
		}
		if wire.Reason != "" {
			return wire.Reason
		}
	}
	return string(body)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
