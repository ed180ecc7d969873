package logger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesKeyValueFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf)

	log.Info("Feed fetched", "source", "sf-muni", "records", 12)

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "info", event["level"])
	assert.Equal(t, "Feed fetched", event["message"])
	assert.Equal(t, "sf-muni", event["source"])
	assert.Equal(t, float64(12), event["records"])
}

func TestLoggerErrorField(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf)

	log.Error("Fetch failed", "error", errors.New("connection refused"))

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "connection refused", event["error"])
}

func TestLoggerWithAddsContext(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf).With("component", "scheduler")

	log.Warn("Cycle stuck")

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "scheduler", event["component"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithLevel(zerolog.WarnLevel, &buf)

	log.Debug("hidden")
	log.Info("hidden")
	assert.Zero(t, buf.Len())

	log.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		if got := ParseLogLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLogLevel(%q): expected %v, got %v", tt.input, tt.expected, got)
		}
	}
}

func TestNopDoesNotPanic(t *testing.T) {
	log := Nop()
	log.Info("ignored", "k", "v")
	log.With("a", 1).Error("ignored")
}

type countingHook struct{ levels []zerolog.Level }

func (h *countingHook) Run(_ *zerolog.Event, level zerolog.Level, _ string) {
	h.levels = append(h.levels, level)
}

func TestFromConfigAppliesHooks(t *testing.T) {
	hook := &countingHook{}
	log := FromConfig(LoggerConfig{Level: zerolog.WarnLevel, Hooks: []zerolog.Hook{hook}})

	log.Info("dropped")
	log.Warn("kept")
	log.Error("kept")

	assert.Equal(t, []zerolog.Level{zerolog.WarnLevel, zerolog.ErrorLevel}, hook.levels)
}
