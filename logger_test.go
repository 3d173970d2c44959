package stagedflow

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerWithFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLoggerWithFormat(&buf, "json", slog.LevelInfo)
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("instance finished", "instance_id", "inst_1", "status", StatusSucceeded)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "instance finished", record["msg"])
	require.Equal(t, "inst_1", record["instance_id"])
	require.Equal(t, "succeeded", record["status"])

	buf.Reset()
	logger, err = NewLoggerWithFormat(&buf, "", slog.LevelWarn)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("step failed", "kind", ErrorKindNetworkError)
	out := buf.String()
	require.Contains(t, out, "step failed")
	require.Contains(t, out, "kind=network_error")
	require.NotContains(t, out, "hidden")
	// A buffer is not a terminal, so no escape codes are written
	require.NotContains(t, out, "\x1b[")

	_, err = NewLoggerWithFormat(&buf, "xml", slog.LevelInfo)
	require.EqualError(t, err, `unknown log format "xml"`)
}
