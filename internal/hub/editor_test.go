package hub

import (
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/elm-watch-go/internal/config"
	"github.com/conneroisu/elm-watch-go/internal/logging"
	"github.com/conneroisu/elm-watch-go/internal/protocol"
	"github.com/conneroisu/elm-watch-go/internal/scheduler"
)

func editorHub(t *testing.T, env config.Env) (*Hub, *session) {
	t.Helper()

	h := New(Options{
		Config: testConfig(),
		Env:    env,
		Logger: logging.NewTestLogger(),
		Events: make(chan scheduler.Event, 1),
	})

	s := &session{hub: h, send: make(chan []byte, 4), targetName: "Main"}

	return h, s
}

func receiveEditorFailure(t *testing.T, s *session) string {
	t.Helper()

	select {
	case payload := <-s.send:
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(payload, &decoded))
		require.Equal(t, "OpenEditorFailed", decoded["tag"])

		return decoded["error"].(string)
	case <-time.After(3 * time.Second):
		t.Fatal("no OpenEditorFailed message")
		return ""
	}
}

func TestOpenEditorMissingCommand(t *testing.T) {
	env := config.DefaultEnv()
	h, s := editorHub(t, env)

	h.openEditor(s, protocol.PressedOpenEditor{File: "src/Main.elm", Line: 1, Column: 1})

	assert.Contains(t, receiveEditorFailure(t, s), "ELM_WATCH_OPEN_EDITOR")
}

func TestOpenEditorFailingCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell command")
	}

	env := config.DefaultEnv()
	env.OpenEditorCommand = `echo "no editor here" >&2; exit 4`
	h, s := editorHub(t, env)

	h.openEditor(s, protocol.PressedOpenEditor{File: "src/Main.elm", Line: 1, Column: 1})

	message := receiveEditorFailure(t, s)
	assert.Contains(t, message, "exit")
	assert.Contains(t, message, "no editor here")
}

func TestOpenEditorTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell command")
	}

	env := config.DefaultEnv()
	env.OpenEditorCommand = "sleep 30"
	env.OpenEditorTimeout = 50 * time.Millisecond
	h, s := editorHub(t, env)

	start := time.Now()
	h.openEditor(s, protocol.PressedOpenEditor{File: "src/Main.elm", Line: 1, Column: 1})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, receiveEditorFailure(t, s), "timed out")
}

func TestOpenEditorSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell command")
	}

	env := config.DefaultEnv()
	env.OpenEditorCommand = `test "$ELM_WATCH_FILE" = "src/Main.elm" && test "$ELM_WATCH_LINE" = "3"`
	h, s := editorHub(t, env)

	h.openEditor(s, protocol.PressedOpenEditor{File: "src/Main.elm", Line: 3, Column: 7})

	select {
	case payload := <-s.send:
		t.Fatalf("unexpected message: %s", payload)
	case <-time.After(200 * time.Millisecond):
	}
}
