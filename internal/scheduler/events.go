package scheduler

import (
	"github.com/conneroisu/elm-watch-go/internal/compiler"
	"github.com/conneroisu/elm-watch-go/internal/protocol"
	"github.com/conneroisu/elm-watch-go/internal/watcher"
)

// Event is the shared sum type every event source converts into. The
// filesystem, the hub, OS signals, and worker completions all feed the
// same queue, so a single loop observes them in arrival order.
type Event interface {
	event()
}

// FileEvents is one debounced watcher batch.
type FileEvents struct {
	Batch []watcher.Event
}

func (FileEvents) event() {}

// WatcherFailed is a fatal watcher error; the loop exits non-zero.
type WatcherFailed struct {
	Err error
}

func (WatcherFailed) event() {}

// SessionConnected tells the scheduler a browser attached to a target.
type SessionConnected struct {
	TargetName string
}

func (SessionConnected) event() {}

// SessionDisconnected tells the scheduler a browser detached.
type SessionDisconnected struct {
	TargetName string
}

func (SessionDisconnected) event() {}

// FocusedTarget raises a target to the top scheduling tier. Sticky until
// the next FocusedTarget.
type FocusedTarget struct {
	TargetName string
}

func (FocusedTarget) event() {}

// ModeChanged persists a new compilation mode and recompiles.
type ModeChanged struct {
	TargetName string
	Mode       protocol.CompilationMode
}

func (ModeChanged) event() {}

// UiPositionChanged persists a new browser UI position.
type UiPositionChanged struct {
	TargetName string
	Position   protocol.BrowserUiPosition
}

func (UiPositionChanged) event() {}

// OverlayChanged persists the error overlay flag.
type OverlayChanged struct {
	TargetName string
	Open       bool
}

func (OverlayChanged) event() {}

// Shutdown is the translated SIGINT: drain workers, then exit.
type Shutdown struct{}

func (Shutdown) event() {}

// compileDone is the internal completion of an ElmMake phase.
type compileDone struct {
	name   string
	result compiler.Result
}

func (compileDone) event() {}

// postprocessDone is the internal completion of a Postprocess phase.
type postprocessDone struct {
	name string
	code []byte
	err  error
}

func (postprocessDone) event() {}

// installDone is the internal completion of a dependency install.
type installDone struct {
	err error
}

func (installDone) event() {}
