package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithNodeID(ctx, "d4")
	ctx = ContextWithSessionID(ctx, "sess-9")

	logger := WithContext(ctx, base)
	logger.Info().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "req-1", line["request_id"])
	require.Equal(t, "d4", line["node_id"])
	require.Equal(t, "sess-9", line["session_id"])
}

func TestWithContextEmptyContextLeavesLoggerAlone(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	logger := WithContext(context.Background(), base)
	logger.Info().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.NotContains(t, line, "request_id")
	require.NotContains(t, line, "node_id")
	require.NotContains(t, line, "session_id")
}
