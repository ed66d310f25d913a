package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelInfo, ParseLevel("info"))
	assert.Equal(t, LevelWarn, ParseLevel("warn"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("gibberish"))
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "ERROR", LevelError.String())
}

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: LevelDebug, Format: "text", Output: &buf})

	logger.Info("compiling", "target", "Main")

	out := buf.String()
	assert.Contains(t, out, "compiling")
	assert.Contains(t, out, "target=Main")
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: LevelWarn, Format: "text", Output: &buf})

	logger.Debug("hidden")
	logger.Info("also hidden")
	logger.Warn(nil, "visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
}

func TestLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: LevelDebug, Format: "json", Output: &buf}).
		WithComponent("scheduler")

	logger.Error(errors.New("boom"), "build failed")

	out := buf.String()
	assert.Contains(t, out, `"component":"scheduler"`)
	assert.Contains(t, out, `"error":"boom"`)
}

func TestWithChainsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: LevelDebug, Format: "text", Output: &buf}).
		With("target", "Main").
		With("round", 2)

	logger.Info("ok")

	out := buf.String()
	assert.Contains(t, out, "target=Main")
	assert.Contains(t, out, "round=2")
}

func TestColorEnabled(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.False(t, ColorEnabled())
}
