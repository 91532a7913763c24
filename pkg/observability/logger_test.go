package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/TeamWiseflow/wiseflow-go/pkg/observability"
)

// logLine decodes the last JSON record written to buf.
func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)

	var record map[string]any

	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &record))

	return record
}

func TestTracingHandlerAddsServiceMetadata(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	handler := observability.NewTracingHandler(
		slog.NewJSONHandler(&buf, nil), "wiseflow", "test",
	)
	logger := slog.New(handler)

	logger.Info("collection started", slog.String("family", "web"))

	record := logLine(t, &buf)
	assert.Equal(t, "wiseflow", record["service"])
	assert.Equal(t, "test", record["env"])
	assert.Equal(t, "web", record["family"])
}

func TestTracingHandlerInjectsTraceContext(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	ctx, span := tp.Tracer("wiseflow").Start(context.Background(), "collect")
	defer span.End()

	logger := slog.New(observability.NewTracingHandler(
		slog.NewJSONHandler(&buf, nil), "wiseflow", "",
	))
	logger.InfoContext(ctx, "inside span")

	record := logLine(t, &buf)
	assert.Equal(t, span.SpanContext().TraceID().String(), record["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), record["span_id"])

	// env is omitted when empty.
	assert.NotContains(t, record, "env")
}

func TestTracingHandlerGroupsKeepServiceAtTopLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := slog.New(observability.NewTracingHandler(
		slog.NewJSONHandler(&buf, nil), "wiseflow", "dev",
	)).WithGroup("task")

	logger.Info("queued", slog.String("id", "t-1"))

	record := logLine(t, &buf)
	assert.Equal(t, "wiseflow", record["service"])

	group, ok := record["task"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "t-1", group["id"])
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, observability.ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, observability.ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, observability.ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, observability.ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, observability.ParseLevel("bogus"))
}
