package templates

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/novita"
	"github.com/crosslogic/gpu-control-plane/pkg/cache"
)

type fakeFetcher struct {
	templates map[string]*novita.Template
	calls     int
}

func (f *fakeFetcher) GetTemplate(_ context.Context, id string) (*novita.Template, error) {
	f.calls++
	if t, ok := f.templates[id]; ok {
		copied := *t
		return &copied, nil
	}
	return nil, &novita.APIError{Kind: novita.KindNotFound, StatusCode: 404, Message: "template not found"}
}

func validFixture() *novita.Template {
	return &novita.Template{
		ID:       "107672",
		Name:     "pytorch",
		ImageURL: "docker.io/pytorch/pytorch:latest",
		Ports: []novita.TemplatePort{
			{Port: 8080, Type: "http"},
			{Port: 22, Type: "tcp"},
		},
		Envs: []novita.EnvVar{{Key: "MODE", Value: "train"}},
	}
}

func newTestResolver(t *testing.T, fetcher *fakeFetcher) *Resolver {
	t.Helper()
	c := cache.NewMemoryCache("templates", cache.Options{}, zap.NewNop())
	t.Cleanup(func() { c.Destroy() })
	return NewResolver(fetcher, c, zap.NewNop())
}

func TestGetTemplateCachesByNormalizedID(t *testing.T) {
	fetcher := &fakeFetcher{templates: map[string]*novita.Template{"107672": validFixture()}}
	resolver := newTestResolver(t, fetcher)
	ctx := context.Background()

	first, err := resolver.GetTemplate(ctx, "107672")
	require.NoError(t, err)
	assert.Equal(t, "docker.io/pytorch/pytorch:latest", first.ImageURL)

	// Whitespace variants hit the same cache entry.
	second, err := resolver.GetTemplate(ctx, "  107672 ")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, fetcher.calls)
}

func TestGetTemplateRejectsBadIDs(t *testing.T) {
	resolver := newTestResolver(t, &fakeFetcher{})

	for _, id := range []string{"", "   ", "abc", "-3", "0", "1.5"} {
		_, err := resolver.GetTemplate(context.Background(), id)
		require.Error(t, err, "id %q must be rejected", id)
		var vErr *ValidationError
		assert.ErrorAs(t, err, &vErr)
	}
}

func TestGetTemplateValidatesContents(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*novita.Template)
		field  string
	}{
		{
			name:   "empty image url",
			mutate: func(tpl *novita.Template) { tpl.ImageURL = "  " },
			field:  "imageUrl",
		},
		{
			name:   "port out of range",
			mutate: func(tpl *novita.Template) { tpl.Ports[0].Port = 70000 },
			field:  "ports",
		},
		{
			name:   "unsupported port type",
			mutate: func(tpl *novita.Template) { tpl.Ports[1].Type = "sctp" },
			field:  "ports",
		},
		{
			name:   "empty env key",
			mutate: func(tpl *novita.Template) { tpl.Envs[0].Key = "" },
			field:  "envs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fixture := validFixture()
			tt.mutate(fixture)
			fetcher := &fakeFetcher{templates: map[string]*novita.Template{"107672": fixture}}
			resolver := newTestResolver(t, fetcher)

			_, err := resolver.GetTemplate(context.Background(), "107672")
			require.Error(t, err)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestGetTemplateConfiguration(t *testing.T) {
	fetcher := &fakeFetcher{templates: map[string]*novita.Template{"107672": validFixture()}}
	resolver := newTestResolver(t, fetcher)

	config, err := resolver.GetTemplateConfiguration(context.Background(), "107672")
	require.NoError(t, err)
	assert.Equal(t, "docker.io/pytorch/pytorch:latest", config.ImageURL)
	assert.Len(t, config.Ports, 2)
	assert.Len(t, config.Envs, 1)
}

func TestGetTemplateNotFound(t *testing.T) {
	resolver := newTestResolver(t, &fakeFetcher{})

	_, err := resolver.GetTemplate(context.Background(), "999")
	require.Error(t, err)
	assert.True(t, novita.IsNotFound(err))
}
