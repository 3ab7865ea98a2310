package testutil

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedSlogHandler(t *testing.T) {
	logger, handler := NewTestLogger(nil)

	component := logger.With(slog.String("component", "license_scheduler"))
	component.Info("License state restored", slog.String("outcome", "confirmed"))
	component.WithGroup("authority").Warn("Circuit open", slog.String("state", "open"))
	logger.Error("Failed to save license state")

	records := handler.Records()
	require.Len(t, records, 3)
	assert.Equal(t, "license_scheduler", records[0].Attrs["component"])
	assert.Equal(t, "confirmed", records[0].Attrs["outcome"])
	assert.Equal(t, "open", records[1].Attrs["authority.state"])

	assert.Len(t, handler.Find(slog.LevelWarn, "Circuit"), 1)
	assert.Empty(t, handler.Find(slog.LevelInfo, "Circuit"))
	AssertLogContains(t, handler, slog.LevelInfo, "restored")

	handler.Clear()
	assert.Empty(t, handler.Records())
	AssertNoErrors(t, handler)
}

func TestFakeClock(t *testing.T) {
	c := NewFakeClock(T0)
	c.Advance(90 * time.Minute)
	assert.Equal(t, T0.Add(90*time.Minute), c.Now())
	c.Set(T0)
	assert.Equal(t, T0, c.Now())
}
