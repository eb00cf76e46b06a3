package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":      slog.LevelDebug,
		"dev":        slog.LevelDebug,
		"info":       slog.LevelInfo,
		"warning":    slog.LevelWarn,
		"production": slog.LevelError,
		"nonsense":   slog.LevelError,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestInit_VerboseOverridesEnv(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	t.Setenv("LOG_LEVEL", "error")
	Init(true)
	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))

	Init(false)
	assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelWarn))
}
