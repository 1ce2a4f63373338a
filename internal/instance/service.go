package instance

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/health"
	"github.com/crosslogic/gpu-control-plane/internal/jobs"
	"github.com/crosslogic/gpu-control-plane/internal/novita"
	"github.com/crosslogic/gpu-control-plane/internal/products"
	"github.com/crosslogic/gpu-control-plane/internal/templates"
	"github.com/crosslogic/gpu-control-plane/internal/webhooks"
	"github.com/crosslogic/gpu-control-plane/pkg/cache"
	"github.com/crosslogic/gpu-control-plane/pkg/events"
	"github.com/crosslogic/gpu-control-plane/pkg/metrics"
)

// Upstream is the slice of the Novita client the service needs.
type Upstream interface {
	CreateInstance(ctx context.Context, req novita.CreateInstanceRequest) (*novita.CreateInstanceResponse, error)
	StartInstance(ctx context.Context, instanceID string) error
	StartInstanceWithRetry(ctx context.Context, instanceID string, maxAttempts int) error
	StopInstance(ctx context.Context, instanceID string) error
	GetInstance(ctx context.Context, instanceID string) (*novita.Instance, error)
	GetRegistryAuth(ctx context.Context, authID string) (*novita.RegistryAuth, error)
	ListAllInstances(ctx context.Context) ([]novita.Instance, error)
}

// ProductResolver resolves a product name to the cheapest available SKU.
type ProductResolver interface {
	GetOptimalProductWithFallback(ctx context.Context, name, preferredRegion string, regions []string) (*products.Result, error)
}

// TemplateResolver resolves and validates instance templates.
type TemplateResolver interface {
	GetTemplateConfiguration(ctx context.Context, id string) (*templates.Configuration, error)
}

// Enqueuer is the slice of the job queue the service needs.
type Enqueuer interface {
	AddJob(ctx context.Context, jobType jobs.Type, payload interface{}, priority jobs.Priority, maxAttempts int) (string, error)
}

// CreateRequest is the caller-facing instance creation request.
type CreateRequest struct {
	Name        string `json:"name"`
	ProductName string `json:"productName"`
	TemplateID  string `json:"templateId"`
	GPUNum      int    `json:"gpuNum"`
	RootfsSize  int    `json:"rootfsSize"`
	Region      string `json:"region,omitempty"`
	WebhookURL  string `json:"webhookUrl,omitempty"`
}

// CreateResponse is returned once the upstream instance exists.
type CreateResponse struct {
	InstanceID         string `json:"instanceId"`
	NovitaInstanceID   string `json:"novitaInstanceId"`
	Status             Status `json:"status"`
	EstimatedReadyTime string `json:"estimatedReadyTime"`
	Message            string `json:"message"`
}

// StartResponse is returned when a startup operation is accepted.
type StartResponse struct {
	OperationID        string `json:"operationId"`
	Status             Status `json:"status"`
	EstimatedReadyTime string `json:"estimatedReadyTime"`
}

// HealthCheckConfigPayload is the wire form of a health check config
// carried inside job payloads, durations in milliseconds.
type HealthCheckConfigPayload struct {
	TimeoutMs     int64 `json:"timeoutMs,omitempty"`
	RetryAttempts int   `json:"retryAttempts,omitempty"`
	RetryDelayMs  int64 `json:"retryDelayMs,omitempty"`
	MaxWaitTimeMs int64 `json:"maxWaitTimeMs,omitempty"`
	TargetPort    int   `json:"targetPort,omitempty"`
}

// ToCheckConfig converts the payload into a health.CheckConfig, filling
// defaults for unset fields.
func (p *HealthCheckConfigPayload) ToCheckConfig() health.CheckConfig {
	config := health.DefaultCheckConfig()
	if p == nil {
		return config
	}
	if p.TimeoutMs > 0 {
		config.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	if p.RetryAttempts > 0 {
		config.RetryAttempts = p.RetryAttempts
	}
	if p.RetryDelayMs > 0 {
		config.RetryDelay = time.Duration(p.RetryDelayMs) * time.Millisecond
	}
	if p.MaxWaitTimeMs > 0 {
		config.MaxWaitTime = time.Duration(p.MaxWaitTimeMs) * time.Millisecond
	}
	if p.TargetPort > 0 {
		config.TargetPort = p.TargetPort
	}
	return config
}

// MonitorPayload drives MONITOR_INSTANCE and MONITOR_STARTUP jobs.
type MonitorPayload struct {
	InstanceID        string                    `json:"instanceId"`
	NovitaInstanceID  string                    `json:"novitaInstanceId"`
	WebhookURL        string                    `json:"webhookUrl,omitempty"`
	OperationID       string                    `json:"operationId,omitempty"`
	StartTimeMs       int64                     `json:"startTime"`
	MaxWaitTimeMs     int64                     `json:"maxWaitTime"`
	HealthCheckConfig *HealthCheckConfigPayload `json:"healthCheckConfig,omitempty"`
	TargetPort        int                       `json:"targetPort,omitempty"`
}

// WebhookJobPayload drives SEND_WEBHOOK jobs.
type WebhookJobPayload struct {
	URL     string           `json:"url"`
	Payload webhooks.Payload `json:"payload"`
}

// ServiceConfig tunes the instance service.
type ServiceConfig struct {
	DefaultRegion      string
	MaxRetryAttempts   int           // upstream start retries
	MonitorMaxWait     time.Duration // MONITOR_INSTANCE budget (default 10m)
	EnableNameLookup   bool
	DetailsTTL         time.Duration // freshness window for cached details
	EstimatedReadySecs int
}

func (c *ServiceConfig) withDefaults() {
	if c.DefaultRegion == "" {
		c.DefaultRegion = "CN-HK-01"
	}
	if c.MaxRetryAttempts < 1 {
		c.MaxRetryAttempts = 3
	}
	if c.MonitorMaxWait == 0 {
		c.MonitorMaxWait = 10 * time.Minute
	}
	if c.DetailsTTL == 0 {
		c.DetailsTTL = 10 * time.Second
	}
	if c.EstimatedReadySecs == 0 {
		c.EstimatedReadySecs = 120
	}
}

// Service owns instance lifecycle state and orchestrates creation and
// startup flows.
type Service struct {
	cfg       ServiceConfig
	upstream  Upstream
	products  ProductResolver
	templates TemplateResolver
	queue     Enqueuer
	store     *Store
	ops       *OperationTracker
	details   cache.Cache
	bus       *events.Bus
	logger    *zap.Logger
}

func NewService(
	cfg ServiceConfig,
	upstream Upstream,
	productResolver ProductResolver,
	templateResolver TemplateResolver,
	queue Enqueuer,
	store *Store,
	detailsCache cache.Cache,
	bus *events.Bus,
	logger *zap.Logger,
) *Service {
	cfg.withDefaults()
	return &Service{
		cfg:       cfg,
		upstream:  upstream,
		products:  productResolver,
		templates: templateResolver,
		queue:     queue,
		store:     store,
		ops:       NewOperationTracker(),
		details:   detailsCache,
		bus:       bus,
		logger:    logger,
	}
}

// Store exposes the state store to workers and the sync pass.
func (s *Service) Store() *Store { return s.store }

// Operations exposes the startup operation tracker.
func (s *Service) Operations() *OperationTracker { return s.ops }

// CreateInstance provisions and starts a new instance. It returns only
// once an upstream id exists; monitoring continues asynchronously.
func (s *Service) CreateInstance(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	if err := validateCreateRequest(&req); err != nil {
		return nil, err
	}
	if req.Region == "" {
		req.Region = s.cfg.DefaultRegion
	}

	resolved, err := s.products.GetOptimalProductWithFallback(ctx, req.ProductName, req.Region, nil)
	if err != nil {
		return nil, err
	}

	templateConfig, err := s.templates.GetTemplateConfiguration(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	imageAuth := ""
	if templateConfig.ImageAuth != "" {
		auth, err := s.upstream.GetRegistryAuth(ctx, templateConfig.ImageAuth)
		if err != nil {
			return nil, err
		}
		imageAuth = auth.Username + ":" + auth.Password
	}

	state := &State{
		ID:         NewInstanceID(),
		Name:       req.Name,
		Status:     StatusCreating,
		ProductID:  resolved.Product.ID,
		TemplateID: req.TemplateID,
		Config: Configuration{
			GPUNum:     req.GPUNum,
			RootfsSize: req.RootfsSize,
			Region:     resolved.RegionUsed,
			ImageURL:   templateConfig.ImageURL,
			ImageAuth:  imageAuth,
			Ports:      templateConfig.Ports,
			Envs:       templateConfig.Envs,
		},
		Timestamps: Timestamps{Created: time.Now().UTC()},
		WebhookURL: req.WebhookURL,
	}
	s.store.Put(ctx, state)
	s.publish(ctx, events.EventInstanceCreating, state, nil)

	s.logger.Info("creating instance",
		zap.String("instance_id", state.ID),
		zap.String("name", req.Name),
		zap.String("product_id", resolved.Product.ID),
		zap.String("region", resolved.RegionUsed),
	)

	created, err := s.upstream.CreateInstance(ctx, novita.CreateInstanceRequest{
		Name:       req.Name,
		ProductID:  resolved.Product.ID,
		GPUNum:     req.GPUNum,
		RootfsSize: req.RootfsSize,
		ImageURL:   templateConfig.ImageURL,
		ImageAuth:  imageAuth,
		Ports:      templateConfig.Ports,
		Envs:       templateConfig.Envs,
	})
	if err != nil {
		s.failInstance(ctx, state.ID, "create", err)
		return nil, err
	}

	if _, err := s.store.Update(ctx, state.ID, func(st *State) error {
		st.NovitaID = created.ID
		return nil
	}); err != nil {
		return nil, err
	}
	metrics.InstanceCreations.WithLabelValues(resolved.RegionUsed).Inc()

	if err := s.upstream.StartInstance(ctx, created.ID); err != nil {
		s.failInstance(ctx, state.ID, "start", err)
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := s.store.Update(ctx, state.ID, func(st *State) error {
		st.Status = StatusStarting
		st.Timestamps.Started = &now
		return nil
	}); err != nil {
		return nil, err
	}

	monitorPayload := MonitorPayload{
		InstanceID:       state.ID,
		NovitaInstanceID: created.ID,
		WebhookURL:       req.WebhookURL,
		StartTimeMs:      now.UnixMilli(),
		MaxWaitTimeMs:    s.cfg.MonitorMaxWait.Milliseconds(),
	}
	if _, err := s.queue.AddJob(ctx, jobs.TypeMonitorInstance, monitorPayload, jobs.PriorityHigh, 3); err != nil {
		s.failInstance(ctx, state.ID, "monitor enqueue", err)
		return nil, err
	}

	return &CreateResponse{
		InstanceID:         state.ID,
		NovitaInstanceID:   created.ID,
		Status:             StatusCreating,
		EstimatedReadyTime: s.estimatedReadyTime(),
		Message:            fmt.Sprintf("Instance %s is being provisioned", req.Name),
	}, nil
}

// StartInstance restarts an exited instance, deduplicated through the
// startup operation tracker.
func (s *Service) StartInstance(ctx context.Context, idOrName string, healthConfig *HealthCheckConfigPayload, byName bool) (*StartResponse, error) {
	state, err := s.lookupForStart(ctx, idOrName, byName)
	if err != nil {
		return nil, err
	}

	if existing := s.ops.Get(state.ID); existing != nil && !existing.Status.isTerminal() {
		return nil, &OperationInProgressError{InstanceID: state.ID, OperationID: existing.OperationID}
	}
	if state.Status != StatusExited {
		return nil, &NotStartableError{ID: state.ID, Status: state.Status}
	}

	op, err := s.ops.Begin(state.ID, state.NovitaID)
	if err != nil {
		return nil, err
	}

	if err := s.upstream.StartInstanceWithRetry(ctx, state.NovitaID, s.cfg.MaxRetryAttempts); err != nil {
		s.ops.Fail(state.ID, err.Error())
		return nil, &StartupFailedError{Phase: "start request", Reason: err.Error(), Err: err}
	}

	now := time.Now().UTC()
	if _, err := s.store.Update(ctx, state.ID, func(st *State) error {
		st.Status = StatusStarting
		st.Timestamps.Started = &now
		st.LastError = ""
		return nil
	}); err != nil {
		s.ops.Fail(state.ID, err.Error())
		return nil, err
	}
	s.ops.Advance(state.ID, OperationMonitoring)

	monitorPayload := MonitorPayload{
		InstanceID:        state.ID,
		NovitaInstanceID:  state.NovitaID,
		WebhookURL:        state.WebhookURL,
		OperationID:       op.OperationID,
		StartTimeMs:       now.UnixMilli(),
		MaxWaitTimeMs:     s.cfg.MonitorMaxWait.Milliseconds(),
		HealthCheckConfig: healthConfig,
	}
	if _, err := s.queue.AddJob(ctx, jobs.TypeMonitorStartup, monitorPayload, jobs.PriorityHigh, 3); err != nil {
		s.ops.Fail(state.ID, err.Error())
		return nil, err
	}

	// Best effort; startup proceeds even if the notification can't be queued.
	s.enqueueWebhook(ctx, state, func(p *webhooks.Payload) {
		p.Status = "startup_initiated"
		p.OperationID = op.OperationID
	})

	s.logger.Info("startup operation initiated",
		zap.String("instance_id", state.ID),
		zap.String("operation_id", op.OperationID),
	)
	return &StartResponse{
		OperationID:        op.OperationID,
		Status:             StatusStarting,
		EstimatedReadyTime: s.estimatedReadyTime(),
	}, nil
}

// StopInstance stops a running or ready instance upstream.
func (s *Service) StopInstance(ctx context.Context, id string) (*State, error) {
	state := s.store.Get(id)
	if state == nil {
		return nil, &NotFoundError{ID: id}
	}
	if state.NovitaID == "" {
		return nil, &NotStartableError{ID: id, Status: state.Status}
	}

	if _, err := s.store.Update(ctx, id, func(st *State) error {
		if !CanTransition(st.Status, StatusStopping) {
			return &NotStartableError{ID: id, Status: st.Status}
		}
		st.Status = StatusStopping
		return nil
	}); err != nil {
		return nil, err
	}

	if err := s.upstream.StopInstance(ctx, state.NovitaID); err != nil {
		s.logger.Error("upstream stop failed",
			zap.String("instance_id", id),
			zap.Error(err),
		)
		return nil, err
	}

	updated, err := s.store.Update(ctx, id, func(st *State) error {
		st.Status = StatusStopped
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.EventInstanceStopped, updated, nil)
	s.enqueueWebhook(ctx, updated, func(p *webhooks.Payload) {
		p.Status = "stopped"
	})
	return updated, nil
}

// GetInstanceStatus returns the current view of an instance, preferring
// the details cache, then upstream, degrading to local state on transient
// upstream errors. A 404 from upstream removes the instance.
func (s *Service) GetInstanceStatus(ctx context.Context, id string) (*State, error) {
	if s.details != nil {
		var cached State
		if hit, err := s.details.Get(ctx, detailsKey(id), &cached); err == nil && hit {
			return &cached, nil
		}
	}

	state := s.store.Get(id)
	if state == nil {
		return nil, &NotFoundError{ID: id}
	}
	if state.NovitaID == "" {
		return state, nil
	}

	upstream, err := s.upstream.GetInstance(ctx, state.NovitaID)
	if err != nil {
		if novita.IsNotFound(err) {
			s.HandleInstanceNotFound(ctx, id, state.NovitaID)
			return nil, &NotFoundError{ID: id}
		}
		s.logger.Warn("status read degraded to local state",
			zap.String("instance_id", id),
			zap.Error(err),
		)
		return state, nil
	}

	merged, err := s.store.Update(ctx, id, func(st *State) error {
		st.PortMappings = upstream.PortMappings
		if mapped := MapUpstreamStatus(upstream.Status); mapped != "" && CanTransition(st.Status, mapped) {
			// The local graph stays authoritative for the orchestration
			// states upstream knows nothing about.
			if st.Status != StatusHealthChecking && st.Status != StatusReady || mapped == StatusExited {
				st.Status = mapped
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.details != nil {
		if err := s.details.Set(ctx, detailsKey(id), merged, s.cfg.DetailsTTL); err != nil {
			s.logger.Warn("failed to cache instance details", zap.String("instance_id", id), zap.Error(err))
		}
	}
	return merged, nil
}

// ListInstances returns local instances, optionally filtered by status.
func (s *Service) ListInstances(status Status) []*State {
	return s.store.List(status)
}

// FindInstanceByName scans local state for a named instance.
func (s *Service) FindInstanceByName(name string) *State {
	return s.store.FindByName(name)
}

// UpdateInstanceState applies a mutation through the store's single
// mutation path. Used by job workers.
func (s *Service) UpdateInstanceState(ctx context.Context, id string, mutate func(*State) error) (*State, error) {
	return s.store.Update(ctx, id, mutate)
}

// HandleInstanceNotFound removes an instance after an authoritative
// upstream 404.
func (s *Service) HandleInstanceNotFound(ctx context.Context, id, novitaID string) {
	removed := s.store.Remove(ctx, id)
	s.ops.Fail(id, "instance no longer exists upstream")
	if removed != nil {
		s.publish(ctx, events.EventInstanceRemoved, removed, nil)
		s.logger.Info("removed instance after upstream 404",
			zap.String("instance_id", id),
			zap.String("novita_instance_id", novitaID),
		)
	}
}

// EnqueueWebhook queues a SEND_WEBHOOK job for the instance if it has a
// webhook URL. Exposed for job workers.
func (s *Service) EnqueueWebhook(ctx context.Context, state *State, build func(*webhooks.Payload)) {
	s.enqueueWebhook(ctx, state, build)
}

func (s *Service) enqueueWebhook(ctx context.Context, state *State, build func(*webhooks.Payload)) {
	if state == nil || state.WebhookURL == "" {
		return
	}
	payload := webhooks.NewPayload(state.ID, state.NovitaID, "")
	build(&payload)

	if _, err := s.queue.AddJob(ctx, jobs.TypeSendWebhook, WebhookJobPayload{
		URL:     state.WebhookURL,
		Payload: payload,
	}, jobs.PriorityNormal, 3); err != nil {
		s.logger.Warn("failed to enqueue webhook job",
			zap.String("instance_id", state.ID),
			zap.String("status", payload.Status),
			zap.Error(err),
		)
	}
}

// PublishEvent emits a lifecycle event on the bus. Exposed for workers
// whose state updates bypass the service flows.
func (s *Service) PublishEvent(ctx context.Context, eventType events.EventType, instanceID string, payload map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.NewEvent(eventType, instanceID, payload))
}

// FailInstance transitions an instance to failed, records the error and
// queues a failure webhook. Exposed for job workers.
func (s *Service) FailInstance(ctx context.Context, id, phase string, cause error) {
	s.failInstance(ctx, id, phase, cause)
}

func (s *Service) failInstance(ctx context.Context, id, phase string, cause error) {
	now := time.Now().UTC()
	updated, err := s.store.Update(ctx, id, func(st *State) error {
		st.Status = StatusFailed
		st.LastError = cause.Error()
		st.Timestamps.Failed = &now
		return nil
	})
	if err != nil {
		s.logger.Error("failed to record instance failure",
			zap.String("instance_id", id),
			zap.Error(err),
		)
		return
	}
	s.ops.Fail(id, cause.Error())
	s.publish(ctx, events.EventInstanceFailed, updated, map[string]interface{}{"phase": phase})

	s.logger.Error("instance failed",
		zap.String("instance_id", id),
		zap.String("phase", phase),
		zap.Error(cause),
	)
	s.enqueueWebhook(ctx, updated, func(p *webhooks.Payload) {
		p.Status = "failed"
		p.Error = cause.Error()
	})
}

func (s *Service) lookupForStart(ctx context.Context, idOrName string, byName bool) (*State, error) {
	if !byName {
		if state := s.store.Get(idOrName); state != nil {
			return state, nil
		}
		return nil, &NotFoundError{ID: idOrName}
	}

	if state := s.store.FindByName(idOrName); state != nil {
		return state, nil
	}
	if !s.cfg.EnableNameLookup {
		return nil, &NotFoundError{ID: idOrName}
	}

	// Fall back to an upstream scan and adopt the match.
	upstreamInstances, err := s.upstream.ListAllInstances(ctx)
	if err != nil {
		return nil, &NotFoundError{ID: idOrName}
	}
	for _, ui := range upstreamInstances {
		if ui.Name != idOrName {
			continue
		}
		state := s.adoptUpstreamInstance(ctx, ui)
		return state, nil
	}
	return nil, &NotFoundError{ID: idOrName}
}

// adoptUpstreamInstance registers a minimal local record for an instance
// that exists upstream but not locally.
func (s *Service) adoptUpstreamInstance(ctx context.Context, ui novita.Instance) *State {
	status := MapUpstreamStatus(ui.Status)
	if status == "" {
		status = StatusExited
	}
	state := &State{
		ID:       NewInstanceID(),
		NovitaID: ui.ID,
		Name:     ui.Name,
		Status:   status,
		Config: Configuration{
			GPUNum: ui.GPUNum,
			Region: ui.Region,
		},
		Timestamps:   Timestamps{Created: ui.CreatedAt},
		PortMappings: ui.PortMappings,
	}
	s.store.Put(ctx, state)
	s.logger.Info("adopted upstream instance into local state",
		zap.String("instance_id", state.ID),
		zap.String("novita_instance_id", ui.ID),
		zap.String("status", string(status)),
	)
	return state
}

func (s *Service) estimatedReadyTime() string {
	return time.Now().UTC().Add(time.Duration(s.cfg.EstimatedReadySecs) * time.Second).Format(time.RFC3339)
}

func (s *Service) publish(ctx context.Context, eventType events.EventType, state *State, payload map[string]interface{}) {
	if s.bus == nil || state == nil {
		return
	}
	s.bus.Publish(ctx, events.NewEvent(eventType, state.ID, payload))
}

func validateCreateRequest(req *CreateRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if strings.TrimSpace(req.ProductName) == "" {
		return &ValidationError{Field: "productName", Message: "must not be empty"}
	}
	if strings.TrimSpace(req.TemplateID) == "" {
		return &ValidationError{Field: "templateId", Message: "must not be empty"}
	}
	if req.GPUNum < 1 || req.GPUNum > 8 {
		return &ValidationError{Field: "gpuNum", Message: "must be between 1 and 8"}
	}
	if req.RootfsSize < 10 || req.RootfsSize > 1000 {
		return &ValidationError{Field: "rootfsSize", Message: "must be between 10 and 1000 GB"}
	}
	if req.WebhookURL != "" {
		parsed, err := url.Parse(req.WebhookURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return &ValidationError{Field: "webhookUrl", Message: "must be an http or https URL"}
		}
	}
	return nil
}
