package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.input), tt.input)
	}

	assert.True(t, IsLevel("Debug"))
	assert.False(t, IsLevel("verbose"))
}

func TestOpenOutput(t *testing.T) {
	w, closer, err := openOutput("stdout")
	require.NoError(t, err)
	assert.Equal(t, os.Stdout, w)
	assert.NoError(t, closer())

	for _, output := range []string{"stderr", ""} {
		w, closer, err = openOutput(output)
		require.NoError(t, err)
		assert.Equal(t, os.Stderr, w)
		assert.NoError(t, closer())
	}

	_, _, err = openOutput("/nonexistent/dir/log.txt")
	assert.Error(t, err)
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bluepolicy.log")

	log, closer, err := New(Options{Level: "warn", Format: "json", Output: path})
	require.NoError(t, err)

	log.Info("filtered message")
	log.Warn("policy forbidden", "device", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "filtered message")
	assert.Contains(t, string(data), `"msg":"policy forbidden"`)
	assert.Contains(t, string(data), `"device":"AA:BB:CC:DD:EE:FF"`)
	assert.Contains(t, string(data), `"app":"bluepolicy"`)
}

func TestNewInvalidOutput(t *testing.T) {
	_, _, err := New(Options{Output: "/nonexistent/dir/app.log"})
	assert.Error(t, err)
}
