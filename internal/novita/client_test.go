package novita

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	return NewClient(Config{
		BaseURL:    baseURL,
		APIKey:     "test-key",
		Timeout:    5 * time.Second,
		MaxRetries: -1, // disable retries unless a test opts in
	}, zap.NewNop())
}

func TestGetProductsNormalization(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/products", r.URL.Path)
		assert.Equal(t, "spot", r.URL.Query().Get("billingMethod"))
		assert.Equal(t, "RTX 4090 24GB", r.URL.Query().Get("productName"))
		assert.Equal(t, "CN-HK-01", r.URL.Query().Get("region"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[
			{"id":"prod_123","name":"RTX 4090 24GB","availableDeploy":true,"price":"1.2","spotPrice":"0.5","regions":["CN-HK-01"]},
			{"id":"prod_456","name":"RTX 4090 24GB","availableDeploy":false,"price":"1.1","spotPrice":"0.4","regions":["CN-HK-01"]}
		]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	products, err := client.GetProducts(context.Background(), ProductFilters{
		ProductName:   "RTX 4090 24GB",
		Region:        "CN-HK-01",
		BillingMethod: "spot",
	})
	require.NoError(t, err)
	require.Len(t, products, 2)

	assert.Equal(t, "prod_123", products[0].ID)
	assert.Equal(t, "CN-HK-01", products[0].Region)
	assert.Equal(t, 0.5, products[0].SpotPrice)
	assert.Equal(t, 1.2, products[0].OnDemandPrice)
	assert.Equal(t, AvailabilityAvailable, products[0].Availability)
	assert.Equal(t, AvailabilityUnavailable, products[1].Availability)
}

func TestGetTemplateFlattensPorts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/template", r.URL.Path)
		assert.Equal(t, "107672", r.URL.Query().Get("templateId"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"template":{
			"Id":107672,
			"name":"pytorch",
			"image":"docker.io/pytorch/pytorch:latest",
			"ports":[{"type":"http","ports":[8080,8081]},{"type":"tcp","ports":[22]}],
			"envs":[{"key":"MODE","value":"train"}]
		}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	template, err := client.GetTemplate(context.Background(), "107672")
	require.NoError(t, err)

	assert.Equal(t, "107672", template.ID)
	assert.Equal(t, "docker.io/pytorch/pytorch:latest", template.ImageURL)
	require.Len(t, template.Ports, 3)
	assert.Equal(t, TemplatePort{Port: 22, Type: "tcp"}, template.Ports[0])
	assert.Equal(t, TemplatePort{Port: 8080, Type: "http"}, template.Ports[1])
	assert.Equal(t, TemplatePort{Port: 8081, Type: "http"}, template.Ports[2])
	require.Len(t, template.Envs, 1)
	assert.Equal(t, "MODE", template.Envs[0].Key)
}

func TestCreateInstanceEncodesPorts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/gpu/instance/create", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, decodeJSONBody(r, &body))
		assert.Equal(t, "gpu", body["kind"])
		assert.Equal(t, "spot", body["billingMode"])
		assert.Equal(t, "8080/http,22/tcp", body["ports"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"novita_789"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.CreateInstance(context.Background(), CreateInstanceRequest{
		Name:       "test",
		ProductID:  "prod_123",
		GPUNum:     1,
		RootfsSize: 60,
		ImageURL:   "docker.io/pytorch/pytorch:latest",
		Ports: []TemplatePort{
			{Port: 8080, Type: "http"},
			{Port: 22, Type: "tcp"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "novita_789", resp.ID)
}

func TestGetInstanceNormalization(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/gpu/instance", r.URL.Path)
		assert.Equal(t, "novita_456", r.URL.Query().Get("instanceId"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id":"novita_456",
			"name":"test",
			"status":"RUNNING",
			"clusterName":"CN-HK-01",
			"gpuNum":"2",
			"createdAt":1700000000,
			"endpoints":[{"port":8080,"endpoint":"http://h:8080","type":"http"}],
			"spotStatus":"reclaimed",
			"spotReclaimTime":"1640995200"
		}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	instance, err := client.GetInstance(context.Background(), "novita_456")
	require.NoError(t, err)

	assert.Equal(t, "running", instance.Status, "status is lowercased")
	assert.Equal(t, "CN-HK-01", instance.Region, "clusterName becomes region")
	assert.Equal(t, 2, instance.GPUNum, "string gpuNum is parsed")
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), instance.CreatedAt)
	require.Len(t, instance.PortMappings, 1)
	assert.Equal(t, "http://h:8080", instance.PortMappings[0].Endpoint)
	assert.Equal(t, "reclaimed", instance.SpotStatus)
}

func TestErrorCategorization(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		headers    map[string]string
		wantKind   ErrorKind
		retryable  bool
	}{
		{
			name:       "401 authentication",
			statusCode: http.StatusUnauthorized,
			body:       `{"error":"invalid api key"}`,
			wantKind:   KindAuthentication,
		},
		{
			name:       "404 not found",
			statusCode: http.StatusNotFound,
			body:       `{"error":"instance not found"}`,
			wantKind:   KindNotFound,
		},
		{
			name:       "429 rate limit with retry-after",
			statusCode: http.StatusTooManyRequests,
			body:       `{"error":"rate limit exceeded"}`,
			headers:    map[string]string{"Retry-After": "7"},
			wantKind:   KindRateLimit,
			retryable:  true,
		},
		{
			name:       "500 server error",
			statusCode: http.StatusInternalServerError,
			body:       `{"error":"boom"}`,
			wantKind:   KindServer,
			retryable:  true,
		},
		{
			name:       "400 client error",
			statusCode: http.StatusBadRequest,
			body:       `{"error":"bad request"}`,
			wantKind:   KindClient,
		},
		{
			name:       "400 resource constraints",
			statusCode: http.StatusBadRequest,
			body:       `{"error":"insufficient GPU capacity in region"}`,
			wantKind:   KindResourceConstraints,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := newTestClient(t, server.URL)
			_, err := client.GetInstance(context.Background(), "x")
			require.Error(t, err)

			apiErr, ok := AsAPIError(err)
			require.True(t, ok, "expected *APIError, got %T", err)
			assert.Equal(t, tt.wantKind, apiErr.Kind)
			assert.Equal(t, tt.retryable, apiErr.Retryable())

			if tt.wantKind == KindRateLimit {
				assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
			}
		})
	}
}

func TestStartInstanceWithRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"upstream unavailable"}`))
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:          server.URL,
		APIKey:           "test-key",
		MaxRetries:       -1,
		RetryDelay:       time.Millisecond,
		RetryMaxDelay:    5 * time.Millisecond,
		BreakerThreshold: 100,
	}, zap.NewNop())

	err := client.StartInstanceWithRetry(context.Background(), "novita_1", 3)
	require.Error(t, err)
	assert.Equal(t, 3, attempts)

	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, KindServer, apiErr.Kind)
}

func TestStartInstanceWithRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"instance is not startable"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	err := client.StartInstanceWithRetry(context.Background(), "novita_1", 5)
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "client errors must not be retried")
}

func TestStartInstanceWithRetrySucceedsAfterTransientFailure(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit"}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:          server.URL,
		APIKey:           "test-key",
		MaxRetries:       -1,
		RetryDelay:       time.Millisecond,
		RetryMaxDelay:    5 * time.Millisecond,
		BreakerThreshold: 100,
	}, zap.NewNop())

	err := client.StartInstanceWithRetry(context.Background(), "novita_1", 5)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestInstanceExists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("instanceId") == "gone" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"not found"}`))
			return
		}
		w.Write([]byte(`{"id":"alive","status":"running","clusterName":"CN-HK-01","gpuNum":"1","createdAt":1700000000}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	exists, err := client.InstanceExists(context.Background(), "alive")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = client.InstanceExists(context.Background(), "gone")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"down"}`))
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:          server.URL,
		APIKey:           "test-key",
		MaxRetries:       -1,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
	}, zap.NewNop())
	ctx := context.Background()

	_, err := client.GetInstance(ctx, "a")
	require.Error(t, err)
	_, err = client.GetInstance(ctx, "a")
	require.Error(t, err)

	// Breaker is now open; the request must be short-circuited.
	_, err = client.GetInstance(ctx, "a")
	require.Error(t, err)
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, KindNetwork, apiErr.Kind)
	assert.Contains(t, apiErr.Message, "circuit breaker")
	assert.Equal(t, 2, requests, "open breaker must not hit the upstream")
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:          server.URL,
		APIKey:           "test-key",
		MaxRetries:       -1,
		BreakerThreshold: 2,
	}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := client.GetInstance(ctx, "gone")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	}
	assert.Equal(t, 5, requests, "404s pass through without opening the breaker")
}

func TestListInstancesPagination(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/gpu/instances", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "50", r.URL.Query().Get("pageSize"))

		w.Write([]byte(`{"instances":[{"id":"i1","status":"exited","clusterName":"CN-HK-01","gpuNum":"1","createdAt":1700000000}],"total":51}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	list, err := client.ListInstances(context.Background(), 2, 50)
	require.NoError(t, err)
	assert.Equal(t, 51, list.Total)
	require.Len(t, list.Instances, 1)
	assert.Equal(t, "exited", list.Instances[0].Status)
}

func decodeJSONBody(r *http.Request, dest interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dest)
}
