package respcache_test

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeamWiseflow/wiseflow-go/pkg/respcache"
)

func TestKeyIsStableUnderQueryOrder(t *testing.T) {
	t.Parallel()

	a := respcache.Key("GET", "/repos/octocat/hello", url.Values{"page": {"1"}, "state": {"open"}})
	b := respcache.Key("GET", "/repos/octocat/hello", url.Values{"state": {"open"}, "page": {"1"}})
	assert.Equal(t, a, b)

	c := respcache.Key("GET", "/repos/octocat/hello", url.Values{"page": {"2"}})
	assert.NotEqual(t, a, c)

	d := respcache.Key("POST", "/repos/octocat/hello", url.Values{"page": {"1"}, "state": {"open"}})
	assert.NotEqual(t, a, d)
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	cache, err := respcache.Open(t.TempDir(), time.Minute, nil)
	require.NoError(t, err)

	key := respcache.Key("GET", "/user", nil)
	body := []byte(`{"login":"octocat"}`)

	require.NoError(t, cache.Put(key, body, `"abc123"`))

	got, ok := cache.Get(key)
	require.True(t, ok)
	assert.JSONEq(t, string(body), string(got))

	etag, ok := cache.ETag(key)
	require.True(t, ok)
	assert.Equal(t, `"abc123"`, etag)
}

func TestExpiredEntryIsMiss(t *testing.T) {
	t.Parallel()

	cache, err := respcache.Open(t.TempDir(), time.Nanosecond, nil)
	require.NoError(t, err)

	key := respcache.Key("GET", "/user", nil)
	require.NoError(t, cache.Put(key, []byte(`{}`), ""))

	time.Sleep(time.Millisecond)

	_, ok := cache.Get(key)
	assert.False(t, ok)
}

func TestCorruptEntryIsMiss(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cache, err := respcache.Open(dir, time.Minute, nil)
	require.NoError(t, err)

	key := respcache.Key("GET", "/user", nil)
	require.NoError(t, cache.Put(key, []byte(`{}`), ""))

	// Truncate the body file to simulate corruption.
	require.NoError(t, os.WriteFile(filepath.Join(dir, key+".json"), []byte("{not json"), 0o600))

	_, ok := cache.Get(key)
	assert.False(t, ok)
}

func TestETagSidecarSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cache, err := respcache.Open(dir, time.Minute, nil)
	require.NoError(t, err)

	key := respcache.Key("GET", "/repos/octocat/hello", nil)
	require.NoError(t, cache.Put(key, []byte(`{}`), `"v1"`))
	require.NoError(t, cache.Close())

	reopened, err := respcache.Open(dir, time.Minute, nil)
	require.NoError(t, err)

	etag, ok := reopened.ETag(key)
	require.True(t, ok)
	assert.Equal(t, `"v1"`, etag)
}

func TestUseAfterClose(t *testing.T) {
	t.Parallel()

	cache, err := respcache.Open(t.TempDir(), time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, cache.Close())

	putErr := cache.Put("k", []byte(`{}`), "")
	assert.ErrorIs(t, putErr, respcache.ErrClosed)

	_, ok := cache.Get("k")
	assert.False(t, ok)
}
