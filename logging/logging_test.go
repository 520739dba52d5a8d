package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesBothSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "task-service.log")
	var stdout bytes.Buffer

	logger, closer, err := newLogger(path, slog.LevelInfo, &stdout)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("Task assigned", "taskID", "t1", "app", "task-service")
	require.NoError(t, closer.Close())

	assert.Contains(t, stdout.String(), "Task assigned")
	assert.NotContains(t, stdout.String(), "hidden")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	assert.Equal(t, "t1", line["taskID"])
	assert.Equal(t, "task-service", line["app"])
}

func TestNewLoggerStdoutOnly(t *testing.T) {
	var stdout bytes.Buffer
	logger, closer, err := newLogger("", slog.LevelDebug, &stdout)
	require.NoError(t, err)
	logger.Debug("visible")
	assert.NoError(t, closer.Close())
	assert.Contains(t, stdout.String(), "visible")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
