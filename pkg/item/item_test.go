package item_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeamWiseflow/wiseflow-go/pkg/item"
)

func TestNewRequiresSourceIDAndContent(t *testing.T) {
	t.Parallel()

	_, err := item.New("", "body")
	require.ErrorIs(t, err, item.ErrMissingSourceID)

	_, err = item.New("id-1", "")
	require.ErrorIs(t, err, item.ErrMissingContent)

	di, err := item.New("id-1", "body")
	require.NoError(t, err)
	assert.False(t, di.Timestamp.IsZero())
}

func TestRoundTripErasesRaw(t *testing.T) {
	t.Parallel()

	di, err := item.New("octocat/hello#1", "# Title\n\nbody")
	require.NoError(t, err)

	di.ContentType = "text/markdown"
	di.URL = "https://example.com/post"
	di.Language = "en"
	di.WithMeta("domain", "example.com")
	di.Raw = map[string]any{"provider": "payload"}

	record, err := di.ToMap()
	require.NoError(t, err)

	// Raw must not survive serialization.
	_, hasRaw := record["raw"]
	assert.False(t, hasRaw)

	back, err := item.FromMap(record)
	require.NoError(t, err)

	assert.Equal(t, di.SourceID, back.SourceID)
	assert.Equal(t, di.Content, back.Content)
	assert.Equal(t, di.ContentType, back.ContentType)
	assert.Equal(t, di.URL, back.URL)
	assert.Equal(t, di.Language, back.Language)
	assert.Equal(t, "example.com", back.Metadata["domain"])
	assert.Nil(t, back.Raw)
	assert.WithinDuration(t, di.Timestamp, back.Timestamp, time.Second)
}

func TestWireFormUsesRFC3339(t *testing.T) {
	t.Parallel()

	di, err := item.New("s-1", "content")
	require.NoError(t, err)

	raw, err := json.Marshal(di)
	require.NoError(t, err)

	var decoded map[string]any

	require.NoError(t, json.Unmarshal(raw, &decoded))

	ts, ok := decoded["timestamp"].(string)
	require.True(t, ok)

	_, parseErr := time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, parseErr)
}

func TestFromMapValidates(t *testing.T) {
	t.Parallel()

	_, err := item.FromMap(map[string]any{"content": "x"})
	require.ErrorIs(t, err, item.ErrMissingSourceID)
}
