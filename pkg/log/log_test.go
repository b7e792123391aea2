package log

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetupLevels(t *testing.T) {
	tests := []struct {
		level   string
		enabled slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			Setup(tt.level)

			ctx := context.Background()
			assert.True(t, slog.Default().Enabled(ctx, tt.enabled))

			if tt.enabled > slog.LevelDebug {
				assert.False(t, slog.Default().Enabled(ctx, tt.enabled-1))
			}
		})
	}
}
