// Package state persists the small JSON file that co-ordinates port reuse
// and browser UI preferences across restarts.
//
// The file lives at elm-stuff/elm-watch/stuff.json. An absent file is not
// an error; a corrupt file is reported and treated as empty, then
// re-written on the next successful change. Unknown object fields are
// accepted for forward compatibility, but unknown enum variants are
// rejected.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/conneroisu/elm-watch-go/internal/protocol"
	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

// FileName is the persisted-state file path relative to the project root.
var FileName = filepath.Join("elm-stuff", "elm-watch", "stuff.json")

// TargetState holds the persisted per-target preferences. All fields are
// optional.
type TargetState struct {
	CompilationMode   string `json:"compilationMode,omitempty"`
	BrowserUiPosition string `json:"browserUiPosition,omitempty"`
	OpenErrorOverlay  *bool  `json:"openErrorOverlay,omitempty"`
}

// PersistedState is the full persisted document.
type PersistedState struct {
	Port    uint16                 `json:"port,omitempty"`
	Targets map[string]TargetState `json:"targets,omitempty"`
}

// Empty returns a state with no port and no targets.
func Empty() PersistedState {
	return PersistedState{Targets: make(map[string]TargetState)}
}

// Target returns the persisted entry for name, zero-valued when absent.
func (s PersistedState) Target(name string) TargetState {
	if s.Targets == nil {
		return TargetState{}
	}

	return s.Targets[name]
}

// SetTarget stores the entry for name, allocating the map on first use.
func (s *PersistedState) SetTarget(name string, target TargetState) {
	if s.Targets == nil {
		s.Targets = make(map[string]TargetState)
	}
	s.Targets[name] = target
}

// ReadResult is the trichotomy returned by Read.
type ReadResult struct {
	// Missing is true when the file does not exist.
	Missing bool
	// State is valid when Missing is false and Diagnostic is nil.
	State PersistedState
	// Diagnostic is non-nil when the file exists but could not be parsed.
	// The caller recovers by treating the state as empty.
	Diagnostic error
}

// Read loads the persisted state from path.
func Read(path string) ReadResult {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ReadResult{Missing: true, State: Empty()}
	}
	if err != nil {
		return ReadResult{
			State: Empty(),
			Diagnostic: watcherr.NewFilesystem(
				watcherr.CodeTroubleReadingFile, "could not read persisted state", err,
			).WithPath(path),
		}
	}

	var parsed PersistedState
	if err := json.Unmarshal(data, &parsed); err != nil {
		return ReadResult{
			State: Empty(),
			Diagnostic: watcherr.NewFilesystem(
				watcherr.CodeTroubleReadingFile, "persisted state is not valid JSON", err,
			).WithPath(path),
		}
	}

	if err := validate(parsed); err != nil {
		return ReadResult{
			State: Empty(),
			Diagnostic: watcherr.NewFilesystem(
				watcherr.CodeTroubleReadingFile, err.Error(), nil,
			).WithPath(path),
		}
	}

	if parsed.Targets == nil {
		parsed.Targets = make(map[string]TargetState)
	}

	return ReadResult{State: parsed}
}

// validate rejects unknown enum variants. Unknown object fields were
// already dropped by encoding/json, which is the forward-compatible
// behaviour we want.
func validate(s PersistedState) error {
	for name, target := range s.Targets {
		if target.CompilationMode != "" && !protocol.ValidCompilationMode(target.CompilationMode) {
			return fmt.Errorf(
				"target %q: unknown compilationMode %q", name, target.CompilationMode,
			)
		}
		if target.BrowserUiPosition != "" && !protocol.ValidBrowserUiPosition(target.BrowserUiPosition) {
			return fmt.Errorf(
				"target %q: unknown browserUiPosition %q", name, target.BrowserUiPosition,
			)
		}
	}

	return nil
}

// Write stores the state atomically: the document is written to a
// temporary file in the same directory and renamed over the destination.
// Failures surface as TroubleWritingPersistedState; watch mode treats
// that as a warning, not a stop.
func Write(path string, s PersistedState) error {
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return watcherr.NewFilesystem(
			watcherr.CodeTroubleWritingPersistedState, "could not encode persisted state", err,
		).WithPath(path)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return watcherr.NewFilesystem(
			watcherr.CodeTroubleWritingPersistedState, "could not create state directory", err,
		).WithPath(path)
	}

	tmp, err := os.CreateTemp(dir, "stuff-*.json.tmp")
	if err != nil {
		return watcherr.NewFilesystem(
			watcherr.CodeTroubleWritingPersistedState, "could not create temporary file", err,
		).WithPath(path)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return watcherr.NewFilesystem(
			watcherr.CodeTroubleWritingPersistedState, "could not write persisted state", err,
		).WithPath(path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return watcherr.NewFilesystem(
			watcherr.CodeTroubleWritingPersistedState, "could not close temporary file", err,
		).WithPath(path)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)

		return watcherr.NewFilesystem(
			watcherr.CodeTroubleWritingPersistedState, "could not replace persisted state", err,
		).WithPath(path)
	}

	return nil
}
