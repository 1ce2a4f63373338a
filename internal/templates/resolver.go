package templates

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/novita"
	"github.com/crosslogic/gpu-control-plane/pkg/cache"
)

const templateTTL = 10 * time.Minute

var validPortTypes = map[string]bool{
	"http":  true,
	"https": true,
	"tcp":   true,
	"udp":   true,
}

// Fetcher is the slice of the upstream client the resolver needs.
type Fetcher interface {
	GetTemplate(ctx context.Context, templateID string) (*novita.Template, error)
}

// Configuration is the validated subset of a template used to create
// instances.
type Configuration struct {
	ImageURL  string               `json:"imageUrl"`
	ImageAuth string               `json:"imageAuth,omitempty"`
	Ports     []novita.TemplatePort `json:"ports"`
	Envs      []novita.EnvVar       `json:"envs"`
}

// ValidationError reports an invalid template id or template contents.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid template %s: %s", e.Field, e.Message)
}

// Resolver fetches, validates and caches instance templates.
type Resolver struct {
	client Fetcher
	cache  cache.Cache
	logger *zap.Logger
}

func NewResolver(client Fetcher, templateCache cache.Cache, logger *zap.Logger) *Resolver {
	return &Resolver{
		client: client,
		cache:  templateCache,
		logger: logger,
	}
}

// GetTemplate returns the validated template for id, from cache when fresh.
func (r *Resolver) GetTemplate(ctx context.Context, id string) (*novita.Template, error) {
	normalized, err := normalizeID(id)
	if err != nil {
		return nil, err
	}

	var cached novita.Template
	if hit, cacheErr := r.cache.Get(ctx, normalized, &cached); cacheErr == nil && hit {
		return &cached, nil
	}

	template, err := r.client.GetTemplate(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if err := validateTemplate(template); err != nil {
		r.logger.Warn("upstream returned invalid template",
			zap.String("template_id", normalized),
			zap.Error(err),
		)
		return nil, err
	}

	if err := r.cache.Set(ctx, normalized, template, templateTTL); err != nil {
		r.logger.Warn("failed to cache template", zap.String("template_id", normalized), zap.Error(err))
	}
	return template, nil
}

// GetTemplateConfiguration resolves a template down to the fields needed
// for instance creation.
func (r *Resolver) GetTemplateConfiguration(ctx context.Context, id string) (*Configuration, error) {
	template, err := r.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Configuration{
		ImageURL:  template.ImageURL,
		ImageAuth: template.ImageAuthID,
		Ports:     template.Ports,
		Envs:      template.Envs,
	}, nil
}

// ClearCache drops all cached templates.
func (r *Resolver) ClearCache(ctx context.Context) error {
	return r.cache.Clear(ctx)
}

// normalizeID trims the id and requires a positive integer.
func normalizeID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", &ValidationError{Field: "id", Message: "must not be empty"}
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil || n <= 0 {
		return "", &ValidationError{Field: "id", Message: "must be a positive integer"}
	}
	return trimmed, nil
}

func validateTemplate(t *novita.Template) error {
	if strings.TrimSpace(t.ImageURL) == "" {
		return &ValidationError{Field: "imageUrl", Message: "must not be empty"}
	}
	for _, port := range t.Ports {
		if port.Port < 1 || port.Port > 65535 {
			return &ValidationError{Field: "ports", Message: fmt.Sprintf("port %d out of range", port.Port)}
		}
		if !validPortTypes[port.Type] {
			return &ValidationError{Field: "ports", Message: fmt.Sprintf("unsupported port type %q", port.Type)}
		}
	}
	for _, env := range t.Envs {
		if strings.TrimSpace(env.Key) == "" {
			return &ValidationError{Field: "envs", Message: "env key must not be empty"}
		}
	}
	return nil
}
