package logger_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/dirsrv/replication/logger"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestConfig_New(t *testing.T) {
	t.Run("logfmt when not a terminal", func(t *testing.T) {
		var buf bytes.Buffer
		c := logger.NewConfig()
		log, err := c.New(&buf)
		require.NoError(t, err)

		log.Info("agreement started", zap.String("agreement", "to-consumer1"))
		out := buf.String()
		require.Contains(t, out, `msg="agreement started"`)
		require.Contains(t, out, "agreement=to-consumer1")
		require.Contains(t, out, "lvl=info")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		c := logger.Config{Format: "json", Level: zapcore.InfoLevel}
		log, err := c.New(&buf)
		require.NoError(t, err)

		log.Info("trimmed", zap.Int("count", 3))
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
		require.Equal(t, "trimmed", m["msg"])
		require.Equal(t, float64(3), m["count"])
	})

	t.Run("level filters", func(t *testing.T) {
		var buf bytes.Buffer
		c := logger.Config{Format: "logfmt", Level: zapcore.WarnLevel}
		log, err := c.New(&buf)
		require.NoError(t, err)

		log.Info("hidden")
		log.Warn("shown")
		require.False(t, strings.Contains(buf.String(), "hidden"))
		require.True(t, strings.Contains(buf.String(), "shown"))
	})

	t.Run("unknown format", func(t *testing.T) {
		c := logger.Config{Format: "xml"}
		_, err := c.New(&bytes.Buffer{})
		require.Error(t, err)
	})
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf)
	log.Debug("hidden")
	log.Info("changelog opened", zap.String("agreement", "to-consumer1"))

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `msg="changelog opened"`)
	require.Contains(t, out, "agreement=to-consumer1")
}
