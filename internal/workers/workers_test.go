package workers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/health"
	"github.com/crosslogic/gpu-control-plane/internal/instance"
	"github.com/crosslogic/gpu-control-plane/internal/jobs"
	"github.com/crosslogic/gpu-control-plane/internal/novita"
	"github.com/crosslogic/gpu-control-plane/internal/products"
	"github.com/crosslogic/gpu-control-plane/internal/templates"
	"github.com/crosslogic/gpu-control-plane/internal/webhooks"
	"github.com/crosslogic/gpu-control-plane/pkg/cache"
	"github.com/crosslogic/gpu-control-plane/pkg/events"
)

type fakeUpstream struct {
	instances    map[string]*novita.Instance
	getErr       error
	listAll      []novita.Instance
	listErr      error
	migrateResp  *novita.MigrateInstanceResponse
	migrateErrs  map[string]error
	migrateCalls []string
	stopErr      error
	stopCalls    []string
}

func (f *fakeUpstream) CreateInstance(context.Context, novita.CreateInstanceRequest) (*novita.CreateInstanceResponse, error) {
	return &novita.CreateInstanceResponse{ID: "novita_new"}, nil
}

func (f *fakeUpstream) StartInstance(context.Context, string) error { return nil }

func (f *fakeUpstream) StartInstanceWithRetry(context.Context, string, int) error { return nil }

func (f *fakeUpstream) StopInstance(_ context.Context, id string) error {
	f.stopCalls = append(f.stopCalls, id)
	return f.stopErr
}

func (f *fakeUpstream) GetInstance(_ context.Context, id string) (*novita.Instance, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	ui, ok := f.instances[id]
	if !ok {
		return nil, &novita.APIError{Kind: novita.KindNotFound, StatusCode: 404, Message: "instance not found"}
	}
	return ui, nil
}

func (f *fakeUpstream) GetRegistryAuth(context.Context, string) (*novita.RegistryAuth, error) {
	return nil, errors.New("not configured")
}

func (f *fakeUpstream) ListAllInstances(context.Context) ([]novita.Instance, error) {
	return f.listAll, f.listErr
}

func (f *fakeUpstream) MigrateInstance(_ context.Context, id string) (*novita.MigrateInstanceResponse, error) {
	f.migrateCalls = append(f.migrateCalls, id)
	if err := f.migrateErrs[id]; err != nil {
		return nil, err
	}
	if f.migrateResp != nil {
		return f.migrateResp, nil
	}
	return &novita.MigrateInstanceResponse{Message: "ok"}, nil
}

// fakeChecker returns canned results in sequence, repeating the last.
type fakeChecker struct {
	results []*health.Result
	calls   int
}

func (f *fakeChecker) PerformHealthChecks(context.Context, []novita.PortMapping, health.CheckConfig) *health.Result {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i]
}

type fakeSender struct {
	delivered []webhooks.Payload
	err       error
}

func (f *fakeSender) Deliver(_ context.Context, _ string, payload webhooks.Payload) error {
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, payload)
	return nil
}

type queuedJob struct {
	jobType  jobs.Type
	payload  json.RawMessage
	priority jobs.Priority
}

type fakeQueue struct {
	added []queuedJob
}

func (f *fakeQueue) AddJob(_ context.Context, jobType jobs.Type, payload interface{}, priority jobs.Priority, _ int) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	f.added = append(f.added, queuedJob{jobType: jobType, payload: raw, priority: priority})
	return "job_1", nil
}

func (f *fakeQueue) webhookStatuses(t *testing.T) []string {
	t.Helper()
	var statuses []string
	for _, j := range f.added {
		if j.jobType != jobs.TypeSendWebhook {
			continue
		}
		var p instance.WebhookJobPayload
		if err := json.Unmarshal(j.payload, &p); err != nil {
			t.Fatalf("decode webhook job: %v", err)
		}
		statuses = append(statuses, p.Payload.Status)
	}
	return statuses
}

func (f *fakeQueue) webhookPayloads(t *testing.T) []webhooks.Payload {
	t.Helper()
	var payloads []webhooks.Payload
	for _, j := range f.added {
		if j.jobType != jobs.TypeSendWebhook {
			continue
		}
		var p instance.WebhookJobPayload
		if err := json.Unmarshal(j.payload, &p); err != nil {
			t.Fatalf("decode webhook job: %v", err)
		}
		payloads = append(payloads, p.Payload)
	}
	return payloads
}

type fixture struct {
	workers  *Workers
	service  *instance.Service
	upstream *fakeUpstream
	checker  *fakeChecker
	sender   *fakeSender
	queue    *fakeQueue
}

type stubProducts struct{}

func (stubProducts) GetOptimalProductWithFallback(context.Context, string, string, []string) (*products.Result, error) {
	return &products.Result{Product: novita.Product{ID: "prod_1"}, RegionUsed: "CN-HK-01"}, nil
}

type stubTemplates struct{}

func (stubTemplates) GetTemplateConfiguration(context.Context, string) (*templates.Configuration, error) {
	return &templates.Configuration{ImageURL: "docker.io/test:latest"}, nil
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.MonitorPollDelay == 0 {
		cfg.MonitorPollDelay = time.Millisecond
	}

	upstream := &fakeUpstream{instances: map[string]*novita.Instance{}}
	queue := &fakeQueue{}
	checker := &fakeChecker{results: []*health.Result{{OverallStatus: health.StatusHealthy}}}
	sender := &fakeSender{}

	details := cache.NewMemoryCache("worker-test", cache.Options{}, zap.NewNop())
	t.Cleanup(func() { details.Destroy() })

	service := instance.NewService(
		instance.ServiceConfig{},
		upstream,
		stubProducts{},
		stubTemplates{},
		queue,
		instance.NewStore(details, zap.NewNop()),
		details,
		events.NewBus(zap.NewNop()),
		zap.NewNop(),
	)
	workers := New(cfg, service, upstream, checker, sender, queue, zap.NewNop())
	return &fixture{
		workers:  workers,
		service:  service,
		upstream: upstream,
		checker:  checker,
		sender:   sender,
		queue:    queue,
	}
}

func newMonitorJob(t *testing.T, jobType jobs.Type, payload instance.MonitorPayload) *jobs.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal monitor payload: %v", err)
	}
	return jobs.NewJob(jobType, raw, jobs.PriorityHigh, 3)
}
