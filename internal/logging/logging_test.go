package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONCarriesContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := Logger(&buf, true, slog.LevelInfo)

	ctx := AppendCtx(context.Background(), slog.String("setID", "ABCDEF0123"))
	ctx = AppendCtx(ctx, slog.Int("attempt", 2))
	logger.InfoContext(ctx, "hello", "url", "http://orthanc/system")
	logger.DebugContext(ctx, "filtered out")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "ABCDEF0123", rec["setID"])
	assert.Equal(t, float64(2), rec["attempt"])
	assert.Equal(t, "http://orthanc/system", rec["url"])
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)

	l, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, l)

	l, err = ParseLevel("loud")
	require.Error(t, err)
	assert.Equal(t, slog.LevelInfo, l)
}

func TestNew_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	logger, closer := New(Options{Level: "warn", Format: "json", File: path})

	logger.Info("skipped")
	logger.Warn("kept", "jobID", "job-1")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"jobID":"job-1"`)
	assert.NotContains(t, string(data), "skipped")
}
