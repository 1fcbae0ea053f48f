package memlog

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(level string, severity int, message string, at time.Time) Record {
	return Record{Timestamp: at, Level: level, Message: message, Severity: severity}
}

func TestBufferRoutesAlerts(t *testing.T) {
	buffer := NewBuffer(10, 10)
	now := time.Now()

	buffer.Append(record("INFO", 20, "started", now))
	buffer.Append(record("WARNING", 30, "price fetch failed", now))
	buffer.Append(record("ERROR", 40, "inverter unreachable", now))

	assert.Len(t, buffer.Logs("", 0, time.Time{}), 3)
	alerts := buffer.Alerts("", 0, time.Time{})
	require.Len(t, alerts, 2)
	assert.Equal(t, "price fetch failed", alerts[0].Message)
	assert.Equal(t, "inverter unreachable", alerts[1].Message)
}

func TestBufferRingOverflow(t *testing.T) {
	buffer := NewBuffer(3, 2)
	now := time.Now()

	for i := 0; i < 5; i++ {
		buffer.Append(record("INFO", 20, fmt.Sprintf("message %d", i), now))
	}

	logs := buffer.Logs("", 0, time.Time{})
	require.Len(t, logs, 3)
	// the oldest entries were dropped, order is preserved
	assert.Equal(t, "message 2", logs[0].Message)
	assert.Equal(t, "message 4", logs[2].Message)
}

func TestBufferFilters(t *testing.T) {
	buffer := NewBuffer(10, 10)
	early := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	buffer.Append(record("INFO", 20, "old info", early))
	buffer.Append(record("ERROR", 40, "old error", early))
	buffer.Append(record("INFO", 20, "new info", late))

	t.Run("By level, case insensitive", func(t *testing.T) {
		logs := buffer.Logs("error", 0, time.Time{})
		require.Len(t, logs, 1)
		assert.Equal(t, "old error", logs[0].Message)
	})

	t.Run("By time", func(t *testing.T) {
		logs := buffer.Logs("", 0, late)
		require.Len(t, logs, 1)
		assert.Equal(t, "new info", logs[0].Message)
	})

	t.Run("Limit keeps the newest entries", func(t *testing.T) {
		logs := buffer.Logs("", 2, time.Time{})
		require.Len(t, logs, 2)
		assert.Equal(t, "old error", logs[0].Message)
		assert.Equal(t, "new info", logs[1].Message)
	})
}

func TestBufferClear(t *testing.T) {
	buffer := NewBuffer(10, 10)
	buffer.Append(record("ERROR", 40, "boom", time.Now()))

	buffer.ClearAlerts()
	assert.Empty(t, buffer.Alerts("", 0, time.Time{}))
	assert.Len(t, buffer.Logs("", 0, time.Time{}), 1)

	buffer.Clear()
	assert.Empty(t, buffer.Logs("", 0, time.Time{}))
}

func TestBufferStats(t *testing.T) {
	buffer := NewBuffer(4, 2)
	buffer.Append(record("WARNING", 30, "w", time.Now()))

	stats := buffer.Stats()
	assert.Equal(t, 1, stats.MainSize)
	assert.Equal(t, 4, stats.MainMax)
	assert.InDelta(t, 25, stats.MainUsagePct, 0.01)
	assert.Equal(t, 1, stats.AlertSize)
	assert.InDelta(t, 50, stats.AlertUsagePct, 0.01)
}

func TestHandlerCapturesRecords(t *testing.T) {
	buffer := NewBuffer(10, 10)
	var sink bytes.Buffer
	logger := slog.New(NewHandler(slog.NewTextHandler(&sink, nil), buffer))

	logger.Info("Optimization finished", "runtime", "12s")
	logger.With("component", "price").Warn("Price fetch failed")

	logs := buffer.Logs("", 0, time.Time{})
	require.Len(t, logs, 2)

	assert.Equal(t, "INFO", logs[0].Level)
	assert.Contains(t, logs[0].Message, "Optimization finished")
	assert.Contains(t, logs[0].Message, "runtime=12s")

	assert.Equal(t, "WARNING", logs[1].Level)
	assert.Equal(t, "price", logs[1].Component)
	assert.Equal(t, 30, logs[1].Severity)

	// the record was also forwarded to the wrapped text handler
	assert.Contains(t, sink.String(), "Optimization finished")

	alerts := buffer.Alerts("", 0, time.Time{})
	require.Len(t, alerts, 1)
	assert.Equal(t, "Price fetch failed", alerts[0].Message)
}
