package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToJSONWhenNotATerminal(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	logger := New(cfg)

	logger.Info("hello", "key", "value")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "hello", record["msg"])
	assert.Equal(t, "value", record["key"])
}

func TestLoggerWithSessionAddsField(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	logger := New(cfg).WithSession("sess-123")

	logger.Info("step started")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "sess-123", record["session_id"])
}

func TestLoggerWithStepAndPhase(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	logger := New(cfg).WithPhase("map").WithStep("fetch")

	logger.Info("running")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "map", record["phase"])
	assert.Equal(t, "fetch", record["step_id"])
}

func TestLoggerSanitizesSecretsInMessage(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	logger := New(cfg)

	logger.Info("token=" + "sk-ant-" + strings.Repeat("a", 45))

	out := buf.String()
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "sk-ant-aaaa")
}

func TestNewNopDiscardsOutput(t *testing.T) {
	logger := NewNop()
	require.NotNil(t, logger)
	logger.Info("should not panic")
}
