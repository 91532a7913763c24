package connector_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeamWiseflow/wiseflow-go/pkg/connector"
	"github.com/TeamWiseflow/wiseflow-go/pkg/item"
)

func newBase(t *testing.T, config map[string]any, safeKeys ...string) *connector.Base {
	t.Helper()

	return connector.NewBase(connector.BaseConfig{
		Name:       "test",
		Family:     "web",
		Config:     config,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		SafeKeys:   safeKeys,
	})
}

func TestCollectWithRetrySucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	base := newBase(t, nil)

	attempts := 0

	results, err := base.CollectWithRetry(context.Background(), nil,
		func(context.Context, connector.Params) ([]*item.DataItem, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}

			di, _ := item.New("s-1", "content")

			return []*item.DataItem{di}, nil
		})

	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, base.ErrorCount())
	assert.False(t, base.Status().LastRun.IsZero())
}

func TestCollectWithRetryPreservesLastError(t *testing.T) {
	t.Parallel()

	base := newBase(t, nil)
	sentinel := errors.New("always fails")

	_, err := base.CollectWithRetry(context.Background(), nil,
		func(context.Context, connector.Params) ([]*item.DataItem, error) {
			return nil, sentinel
		})

	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, base.ErrorCount())
	assert.True(t, base.Status().LastRun.IsZero())
}

func TestCollectWithRetryHonorsCancellation(t *testing.T) {
	t.Parallel()

	base := connector.NewBase(connector.BaseConfig{
		Name:       "slow",
		Family:     "web",
		MaxRetries: 3,
		RetryDelay: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := base.CollectWithRetry(ctx, nil,
		func(context.Context, connector.Params) ([]*item.DataItem, error) {
			return nil, errors.New("fail, then block in backoff")
		})

	require.ErrorIs(t, err, context.Canceled)
}

func TestStatusRedactsSecrets(t *testing.T) {
	t.Parallel()

	base := newBase(t, map[string]any{
		"api_base":     "https://api.github.com",
		"api_key":      "sk-secret",
		"github_token": "ghp_secret",
		"password":     "hunter2",
		"concurrency":  3,
		"custom_flag":  true,
		"unlisted":     "value",
	}, "custom_flag")

	cfg := base.Status().Config

	assert.Equal(t, "https://api.github.com", cfg["api_base"])
	assert.Equal(t, 3, cfg["concurrency"])
	assert.Equal(t, true, cfg["custom_flag"])

	// Secrets never appear, allow-listed or not.
	assert.NotContains(t, cfg, "api_key")
	assert.NotContains(t, cfg, "github_token")
	assert.NotContains(t, cfg, "password")

	// Keys outside the allow-list are filtered.
	assert.NotContains(t, cfg, "unlisted")
}

func TestRegistryBuild(t *testing.T) {
	t.Parallel()

	registry := connector.NewRegistry()

	registry.Register("web", func(config map[string]any) (connector.Connector, error) {
		return &stubConnector{Base: connector.NewBase(connector.BaseConfig{Name: "web", Family: "web", Config: config})}, nil
	})

	built, err := registry.Build("web", nil)
	require.NoError(t, err)
	assert.Equal(t, "web", built.Type())

	_, err = registry.Build("academic", nil)
	require.ErrorIs(t, err, connector.ErrUnknownFamily)

	assert.ElementsMatch(t, []string{"web"}, registry.Families())
}

func TestParamsAccessors(t *testing.T) {
	t.Parallel()

	params := connector.Params{
		"query":     "llm agents",
		"max_items": float64(25),
		"urls":      []any{"https://a.example", "https://b.example"},
	}

	assert.Equal(t, "llm agents", params.String("query", ""))
	assert.Equal(t, "fallback", params.String("missing", "fallback"))
	assert.Equal(t, 25, params.Int("max_items", 10))
	assert.Equal(t, 10, params.Int("missing", 10))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, params.Strings("urls"))
}

// stubConnector is a minimal Connector for registry tests.
type stubConnector struct {
	*connector.Base
}

func (s *stubConnector) Initialize(context.Context) error { return nil }

func (s *stubConnector) Shutdown(context.Context) error { return nil }

func (s *stubConnector) Collect(context.Context, connector.Params) ([]*item.DataItem, error) {
	return nil, nil
}
