package fetch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/TeamWiseflow/wiseflow-go/pkg/fetch"
	"github.com/TeamWiseflow/wiseflow-go/pkg/observability"
	"github.com/TeamWiseflow/wiseflow-go/pkg/ratelimit"
	"github.com/TeamWiseflow/wiseflow-go/pkg/respcache"
)

// openGovernor returns a governor that never throttles, keeping tests fast.
func openGovernor() *ratelimit.Governor {
	return ratelimit.NewGovernor(ratelimit.WithDefaults(100000, 0))
}

func newClient(t *testing.T, cfg fetch.Config, withCache bool) *fetch.Client {
	t.Helper()

	var cache *respcache.Cache

	if withCache {
		var err error

		cache, err = respcache.Open(t.TempDir(), 5*time.Minute, nil)
		require.NoError(t, err)
	}

	return fetch.NewClient(cfg, openGovernor(), cache, nil)
}

func TestFreshCacheSkipsNetwork(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := newClient(t, fetch.Config{}, true)

	first, err := client.Call(context.Background(), fetch.Request{URL: srv.URL + "/data"})
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := client.Call(context.Background(), fetch.Request{URL: srv.URL + "/data"})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)

	assert.Equal(t, int32(1), hits.Load())
}

func TestETagRevalidation(t *testing.T) {
	t.Parallel()

	const etag = `"v1"`

	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)

		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)

			return
		}

		w.Header().Set("ETag", etag)
		w.Write([]byte(`{"repo":"hello"}`))
	}))
	defer srv.Close()

	cache, err := respcache.Open(t.TempDir(), 50*time.Millisecond, nil)
	require.NoError(t, err)

	client := fetch.NewClient(fetch.Config{}, openGovernor(), cache, nil)

	first, err := client.Call(context.Background(), fetch.Request{URL: srv.URL + "/repos/octocat/hello"})
	require.NoError(t, err)

	// Let the entry expire so the second call revalidates instead of hitting
	// the freshness fast path.
	time.Sleep(100 * time.Millisecond)

	second, err := client.Call(context.Background(), fetch.Request{URL: srv.URL + "/repos/octocat/hello"})
	require.NoError(t, err)

	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, int32(2), hits.Load())
}

func TestRateLimitedRetriesAfterReset(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"rate limit exceeded"}`))

			return
		}

		w.Header().Set("X-RateLimit-Limit", "60")
		w.Header().Set("X-RateLimit-Remaining", "59")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newClient(t, fetch.Config{}, false)

	start := time.Now()

	resp, err := client.Call(context.Background(), fetch.Request{URL: srv.URL + "/search"})
	require.NoError(t, err)

	// No reset header: floored wait of one second before the single retry.
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 59, resp.Rate.Remaining)
	assert.Equal(t, 60, resp.Rate.Limit)
}

func TestServerErrorRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newClient(t, fetch.Config{MaxRetries: 3, RetryDelay: 10 * time.Millisecond}, false)

	resp, err := client.Call(context.Background(), fetch.Request{URL: srv.URL + "/flaky"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClientErrorFailsFast(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newClient(t, fetch.Config{MaxRetries: 3, RetryDelay: 10 * time.Millisecond}, false)

	_, err := client.Call(context.Background(), fetch.Request{URL: srv.URL + "/missing"})
	require.Error(t, err)

	assert.Equal(t, fetch.KindNotFound, fetch.KindOf(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestZeroRetriesMeansSingleAttempt(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newClient(t, fetch.Config{MaxRetries: 0, RetryDelay: 10 * time.Millisecond}, false)

	_, err := client.Call(context.Background(), fetch.Request{URL: srv.URL + "/down"})
	require.Error(t, err)

	assert.Equal(t, fetch.KindServerError, fetch.KindOf(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestValidationErrorKind(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := newClient(t, fetch.Config{}, false)

	_, err := client.Call(context.Background(), fetch.Request{URL: srv.URL + "/bad"})
	require.Error(t, err)
	assert.Equal(t, fetch.KindValidation, fetch.KindOf(err))
	assert.False(t, fetch.KindValidation.Retryable())
}

func TestTransportErrorLeavesBudgetAlone(t *testing.T) {
	t.Parallel()

	// A server that is already gone: every call is a fast connection refusal.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	host := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	governor := ratelimit.NewGovernor(ratelimit.WithDefaults(60, time.Minute))
	client := fetch.NewClient(fetch.Config{MaxRetries: 0, RetryDelay: time.Millisecond, BreakerDisabled: true}, governor, nil, nil)

	for range 5 {
		_, err := client.Call(context.Background(), fetch.Request{URL: "http://" + host + "/gone"})
		require.Error(t, err)
		assert.Equal(t, fetch.KindTransport, fetch.KindOf(err))
	}

	// Fast failures carry no status; the budget must not relax.
	limit, cooldown, _ := governor.Snapshot(host)
	assert.Equal(t, 60, limit)
	assert.Equal(t, time.Minute, cooldown)
}

func TestCacheLookupsAreCounted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("wiseflow")

	metrics, err := observability.NewCollectMetrics(meter)
	require.NoError(t, err)

	cache, cacheErr := respcache.Open(t.TempDir(), 5*time.Minute, nil)
	require.NoError(t, cacheErr)

	client := fetch.NewClient(fetch.Config{Metrics: metrics}, openGovernor(), cache, nil)

	// First call misses, second is served from cache.
	_, err = client.Call(context.Background(), fetch.Request{URL: srv.URL + "/data"})
	require.NoError(t, err)
	_, err = client.Call(context.Background(), fetch.Request{URL: srv.URL + "/data"})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics

	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := make(map[string]int64)

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}

			for _, dp := range sum.DataPoints {
				counts[m.Name] += dp.Value
			}
		}
	}

	assert.Equal(t, int64(1), counts["wiseflow.cache.hits.total"])
	assert.Equal(t, int64(1), counts["wiseflow.cache.misses.total"])
}
