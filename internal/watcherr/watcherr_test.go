package watcherr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewConfig(CodeInvalidConfig, "port out of range").WithPath("/project/elm-watch.json")

	rendered := err.Error()
	assert.Contains(t, rendered, "[InvalidConfig]")
	assert.Contains(t, rendered, "/project/elm-watch.json")
	assert.Contains(t, rendered, "port out of range")
}

func TestErrorCause(t *testing.T) {
	cause := fmt.Errorf("disk on fire")
	err := NewFilesystem(CodeTroubleWritingFile, "could not write", cause)

	assert.Contains(t, err.Error(), "disk on fire")
	assert.ErrorIs(t, err, cause)
}

func TestIsMatchesKindAndCode(t *testing.T) {
	a := NewNetwork(CodePortConflictForNoPort, "no port", nil)
	b := NewNetwork(CodePortConflictForNoPort, "different message", nil)
	c := NewNetwork(CodePortConflictForPersistedPort, "no port", nil)

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestCodeOf(t *testing.T) {
	err := NewCompiler(CodeElmNotFound, "missing", nil)
	assert.Equal(t, CodeElmNotFound, CodeOf(err))
	assert.Equal(t, Code(""), CodeOf(fmt.Errorf("plain")))

	wrapped := fmt.Errorf("while starting: %w", err)
	assert.True(t, HasCode(wrapped, CodeElmNotFound))
	assert.False(t, HasCode(wrapped, CodeElmCrash))
}

func TestWithContext(t *testing.T) {
	err := NewPostprocess(CodePostprocessNonZeroExit, "exit 3", nil).
		WithContext("stderr", "boom")

	assert.Equal(t, "boom", err.Context["stderr"])
}
