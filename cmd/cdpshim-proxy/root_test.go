package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/chromedp/cdpshim"
)

func TestLoadConfigDefaults(t *testing.T) {
	cmd := newRootCmd()
	cfg, err := loadConfig(cmd, "")
	require.NoError(t, err)
	assert.Equal(t, config{
		Listen:   "localhost:9223",
		Remote:   "localhost:9222",
		Delay:    cdpshim.DefaultDelay,
		LogLevel: "info",
	}, cfg)
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cdpshim.yaml")
	require.NoError(t, os.WriteFile(file, []byte(strings.Join([]string{
		"remote: 10.0.0.5:9222",
		"tab: 4",
		"log-level: debug",
		"delay: 1s",
	}, "\n")), 0o644))
	t.Setenv("CDPSHIM_TAB", "12")
	t.Setenv("CDPSHIM_LOG_FILE", filepath.Join(dir, "proxy.log"))

	cmd := newRootCmd()
	require.NoError(t, cmd.Flags().Set("delay", "5ms"))

	cfg, err := loadConfig(cmd, file)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:9222", cfg.Remote)
	assert.Equal(t, int64(12), cfg.Tab)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Millisecond, cfg.Delay)
	assert.Equal(t, filepath.Join(dir, "proxy.log"), cfg.LogFile)
	assert.Equal(t, "localhost:9223", cfg.Listen)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name, flag, value string
	}{
		{"zero delay", "delay", "0s"},
		{"negative tab", "tab", "-1"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cmd := newRootCmd()
			require.NoError(t, cmd.Flags().Set(test.flag, test.value))
			_, err := loadConfig(cmd, "")
			require.Error(t, err)
		})
	}

	_, err := loadConfig(newRootCmd(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	file := filepath.Join(t.TempDir(), "proxy.log")
	var console strings.Builder

	logger, closeLog, err := newLogger(config{LogLevel: "debug", LogFile: file}, zapcore.AddSync(&console))
	require.NoError(t, err)
	logger.Sugar().Infow("attached", "tab", 7)
	logger.Debug("debug line")
	require.NoError(t, logger.Sync())
	require.NoError(t, closeLog())

	assert.Contains(t, console.String(), "attached")
	assert.Contains(t, console.String(), "debug line")

	buf, err := os.ReadFile(file)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	require.Len(t, lines, 2)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "attached", entry["msg"])
	assert.Equal(t, "cdpshim-proxy", entry["logger"])
	assert.EqualValues(t, 7, entry["tab"])
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	_, _, err := newLogger(config{LogLevel: "loud"}, zapcore.AddSync(&strings.Builder{}))
	require.Error(t, err)
}
