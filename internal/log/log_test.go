package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/CZERTAINLY/bootd/internal/log"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var ret []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		ret = append(ret, m)
	}
	return ret
}

func TestContextHandler(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := log.New(&buf, false)

	ctx := log.ContextAttrs(context.Background(), slog.String("cmd", "run"))
	child := log.ContextAttrs(ctx, slog.String("service", "Store"))

	logger.InfoContext(ctx, "parent")
	logger.InfoContext(child, "child")
	logger.InfoContext(context.Background(), "plain")
	logger.DebugContext(child, "hidden")

	records := decode(t, &buf)
	require.Len(t, records, 3)

	require.Equal(t, "parent", records[0]["msg"])
	require.Equal(t, "run", records[0]["cmd"])
	require.NotContains(t, records[0], "service")

	require.Equal(t, "run", records[1]["cmd"])
	require.Equal(t, "Store", records[1]["service"])

	require.NotContains(t, records[2], "cmd")
}

func TestContextHandler_WithAttrsAndGroup(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := log.New(&buf, true)
	ctx := log.ContextAttrs(t.Context(), slog.Int("pid", 42))

	logger.With("node", "a").WithGroup("boot").DebugContext(ctx, "grouped", "phase", "primary")

	records := decode(t, &buf)
	require.Len(t, records, 1)
	require.Equal(t, "DEBUG", records[0]["level"])
	require.Equal(t, "a", records[0]["node"])
	boot, ok := records[0]["boot"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "primary", boot["phase"])
	require.Equal(t, float64(42), boot["pid"])

	_, isContextHandler := logger.With("x", 1).Handler().(log.ContextHandler)
	require.True(t, isContextHandler)
}
