package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/etf-validator/etfd/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(true, &buf).With("component", "test")

	ctx := log.WithRun(t.Context(), "EID1")
	ctx2 := log.ContextAttrs(ctx, slog.Int("pos", 3))
	logger.DebugContext(ctx2, "progress read")
	logger.InfoContext(ctx, "run")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.Equal(t, "EID1", first["run_id"])
	require.Equal(t, "test", first["component"])
	require.EqualValues(t, 3, first["pos"])

	// the parent context must not see attributes of the child
	var second map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &second))
	require.Equal(t, "EID1", second["run_id"])
	require.NotContains(t, second, "pos")
}

func TestLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(false, &buf)
	logger.Debug("hidden")
	require.Zero(t, buf.Len())
}
