package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerLevelsCarryEventField(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core))

	l.Trade("filled %s", "abc")
	l.Status("cycle %d", 3)
	l.Warning("slow venue")
	l.LogError("submit", errors.New("boom"))

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, "filled abc", entries[0].Message)
	assert.Equal(t, "trade", entries[0].ContextMap()["event"])
	assert.Equal(t, "status", entries[1].ContextMap()["event"])
	assert.Equal(t, zap.WarnLevel, entries[2].Level)
	assert.Equal(t, zap.ErrorLevel, entries[3].Level)
}

func TestWithAddsFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := FromZap(zap.New(core)).With("strategy_id", "s1")

	l.LogIntentTransition("k1", "BTCUSDT", "Submitted", "Acknowledged", 0, 0)

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "s1", ctx["strategy_id"])
	assert.Equal(t, "k1", ctx["intent_key"])
	assert.Equal(t, "Acknowledged", ctx["to"])
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New("engine", Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNopLoggerIsSafe(t *testing.T) {
	l := Nop()
	l.Info("hello %s", "world")
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}
