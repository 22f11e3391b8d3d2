package utils

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogHandler(t *testing.T) {
	t.Run("json handler filters by level", func(t *testing.T) {
		var out bytes.Buffer
		logger := slog.New(newLogHandler(&out, HandlerTypeJSON, LogLevelWarn))
		logger.Info("Dropped.")
		logger.Warn("Kept.", "key", "k1")

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 1)
		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
		assert.Equal(t, "Kept.", record["msg"])
		assert.Equal(t, "k1", record["key"])
	})
	t.Run("text handler", func(t *testing.T) {
		var out bytes.Buffer
		logger := slog.New(newLogHandler(&out, HandlerTypeText, LogLevelDebug))
		logger.Debug("Cascaded removal.", "removed", 3)
		assert.Contains(t, out.String(), `msg="Cascaded removal." removed=3`)
	})
	t.Run("unknown level falls back to info", func(t *testing.T) {
		level, known := toSlogLevel("verbose")
		assert.False(t, known)
		assert.Equal(t, slog.LevelInfo, level)
	})
}
