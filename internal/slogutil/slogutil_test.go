package slogutil

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithAttrsPropagateIntoLogLine(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(WrapHandler(base))

	ctx := WithAttrs(context.Background(), slog.String("trace_id", "abc123"))
	logger.InfoContext(ctx, "opened bytestream")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "abc123", line["trace_id"])
}

func TestWithAttrsIsAdditive(t *testing.T) {
	ctx := WithAttrs(context.Background(), slog.String("a", "1"))
	ctx = WithAttrs(ctx, slog.String("b", "2"))
	attrs := Attrs(ctx)
	assert.Len(t, attrs, 2)
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
}
