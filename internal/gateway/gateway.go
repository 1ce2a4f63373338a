// Package gateway is the HTTP surface of the control plane: instance
// lifecycle endpoints, queue stats, health and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/instance"
	"github.com/crosslogic/gpu-control-plane/internal/jobs"
	"github.com/crosslogic/gpu-control-plane/internal/novita"
	"github.com/crosslogic/gpu-control-plane/internal/templates"
)

// QueueStats exposes queue depth for the stats endpoint.
type QueueStats interface {
	GetStats(ctx context.Context) (jobs.Stats, error)
}

// HealthReporter is implemented by components with a liveness opinion.
type HealthReporter interface {
	IsHealthy() bool
}

// Gateway routes API requests to the instance service.
type Gateway struct {
	service   *instance.Service
	queue     QueueStats
	scheduler HealthReporter
	router    *chi.Mux
	logger    *zap.Logger
}

func New(service *instance.Service, queue QueueStats, scheduler HealthReporter, logger *zap.Logger) *Gateway {
	g := &Gateway{
		service:   service,
		queue:     queue,
		scheduler: scheduler,
		router:    chi.NewRouter(),
		logger:    logger,
	}
	g.setupRoutes()
	return g
}

// Router returns the configured handler for the HTTP server.
func (g *Gateway) Router() http.Handler { return g.router }

func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	g.router.Get("/health", g.handleHealth)
	g.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	g.router.Route("/api", func(r chi.Router) {
		r.Post("/instances", g.handleCreateInstance)
		r.Get("/instances", g.handleListInstances)
		r.Get("/instances/{id}", g.handleGetInstance)
		r.Post("/instances/{id}/start", g.handleStartInstance)
		r.Post("/instances/{id}/stop", g.handleStopInstance)
		r.Get("/jobs/stats", g.handleJobStats)
	})
}

func (g *Gateway) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req instance.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := g.service.CreateInstance(r.Context(), req)
	if err != nil {
		g.writeMappedError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, resp)
}

type startRequest struct {
	ByName            bool                               `json:"byName,omitempty"`
	HealthCheckConfig *instance.HealthCheckConfigPayload `json:"healthCheckConfig,omitempty"`
}

func (g *Gateway) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req startRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	resp, err := g.service.StartInstance(r.Context(), id, req.HealthCheckConfig, req.ByName)
	if err != nil {
		g.writeMappedError(w, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, resp)
}

func (g *Gateway) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	state, err := g.service.StopInstance(r.Context(), id)
	if err != nil {
		g.writeMappedError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, state)
}

func (g *Gateway) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	state, err := g.service.GetInstanceStatus(r.Context(), id)
	if err != nil {
		g.writeMappedError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, state)
}

func (g *Gateway) handleListInstances(w http.ResponseWriter, r *http.Request) {
	status := instance.Status(r.URL.Query().Get("status"))
	states := g.service.ListInstances(status)
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"instances": states,
		"count":     len(states),
	})
}

func (g *Gateway) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.queue.GetStats(r.Context())
	if err != nil {
		g.writeMappedError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]interface{}{
		"status":    "ok",
		"instances": g.service.Store().Count(),
	}
	if g.scheduler != nil {
		healthy := g.scheduler.IsHealthy()
		body["migrationScheduler"] = healthy
		if !healthy {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	g.writeJSON(w, status, body)
}

// writeMappedError translates domain errors into HTTP statuses.
func (g *Gateway) writeMappedError(w http.ResponseWriter, err error) {
	var (
		validationErr   *instance.ValidationError
		templateErr     *templates.ValidationError
		notFoundErr     *instance.NotFoundError
		notStartableErr *instance.NotStartableError
		inProgressErr   *instance.OperationInProgressError
		timeoutErr      *instance.HealthCheckTimeoutError
		startupErr      *instance.StartupFailedError
		apiErr          *novita.APIError
	)

	switch {
	case errors.As(err, &validationErr), errors.As(err, &templateErr):
		g.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFoundErr):
		g.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &notStartableErr), errors.As(err, &inProgressErr):
		g.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &timeoutErr):
		g.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &apiErr):
		g.writeUpstreamError(w, apiErr)
	case errors.As(err, &startupErr):
		g.writeError(w, http.StatusBadGateway, err.Error())
	default:
		g.logger.Error("unmapped error", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (g *Gateway) writeUpstreamError(w http.ResponseWriter, apiErr *novita.APIError) {
	switch apiErr.Kind {
	case novita.KindNotFound:
		g.writeError(w, http.StatusNotFound, apiErr.Message)
	case novita.KindRateLimit:
		if apiErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(apiErr.RetryAfter.Seconds())))
		}
		g.writeError(w, http.StatusTooManyRequests, apiErr.Message)
	case novita.KindTimeout:
		g.writeError(w, http.StatusGatewayTimeout, apiErr.Message)
	case novita.KindResourceConstraints:
		g.writeError(w, http.StatusConflict, apiErr.Message)
	case novita.KindClient:
		g.writeError(w, http.StatusBadRequest, apiErr.Message)
	default:
		// Authentication, network and server failures all surface as a
		// bad upstream.
		g.writeError(w, http.StatusBadGateway, apiErr.Message)
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
