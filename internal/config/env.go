package config

import (
	"os"
	"runtime"
	"strconv"
	"time"
)

// Env holds the environment-derived knobs. Names starting with
// __ELM_WATCH_ exist for test stabilisation and are undocumented in user
// help.
type Env struct {
	// OpenEditorCommand is the shell command run for PressedOpenEditor.
	OpenEditorCommand string
	// ExitOnStdinEnd makes watch mode exit when stdin closes.
	ExitOnStdinEnd bool
	// ExitOnError forces watch mode to exit on the first error (tests).
	ExitOnError bool
	// CompilerGracePeriod is how long to wait between SIGTERM and SIGKILL.
	CompilerGracePeriod time.Duration
	// OpenEditorTimeout bounds the editor-open command.
	OpenEditorTimeout time.Duration
	// WorkerIdleTimeout is how long a superfluous postprocess worker may
	// idle before retirement.
	WorkerIdleTimeout time.Duration
	// DebounceWindow is the file-watcher debounce window.
	DebounceWindow time.Duration
	// LoadingMessageDelay defers the terminal "⏳" line for fast builds.
	LoadingMessageDelay time.Duration
	// MaxParallel caps concurrent compile/postprocess slots.
	MaxParallel int
	// TmpDir overrides the temp directory for artifact staging.
	TmpDir string
}

// EnvFromOS reads the knob table from the process environment.
func EnvFromOS() Env {
	return Env{
		OpenEditorCommand:   os.Getenv("ELM_WATCH_OPEN_EDITOR"),
		ExitOnStdinEnd:      envSet("ELM_WATCH_EXIT_ON_STDIN_END"),
		ExitOnError:         envSet("__ELM_WATCH_EXIT_ON_ERROR"),
		CompilerGracePeriod: envDuration("__ELM_WATCH_ELM_TIMEOUT_MS", 5*time.Second),
		OpenEditorTimeout:   envDuration("__ELM_WATCH_OPEN_EDITOR_TIMEOUT_MS", 5*time.Second),
		WorkerIdleTimeout:   envDuration("__ELM_WATCH_WORKER_LIMIT_TIMEOUT_MS", 10*time.Second),
		DebounceWindow:      envDuration("__ELM_WATCH_DEBOUNCE_MS", 10*time.Millisecond),
		LoadingMessageDelay: envDuration("__ELM_WATCH_LOADING_MESSAGE_DELAY_MS", 100*time.Millisecond),
		MaxParallel:         envInt("__ELM_WATCH_MAX_PARALLEL", runtime.NumCPU()),
		TmpDir:              os.Getenv("__ELM_WATCH_TMP_DIR"),
	}
}

// DefaultEnv returns the knob defaults without consulting the
// environment, for tests.
func DefaultEnv() Env {
	return Env{
		CompilerGracePeriod: 5 * time.Second,
		OpenEditorTimeout:   5 * time.Second,
		WorkerIdleTimeout:   10 * time.Second,
		DebounceWindow:      10 * time.Millisecond,
		LoadingMessageDelay: 100 * time.Millisecond,
		MaxParallel:         runtime.NumCPU(),
	}
}

func envSet(name string) bool {
	_, set := os.LookupEnv(name)

	return set
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw, set := os.LookupEnv(name)
	if !set {
		return fallback
	}

	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		return fallback
	}

	return time.Duration(ms) * time.Millisecond
}

func envInt(name string, fallback int) int {
	raw, set := os.LookupEnv(name)
	if !set {
		return fallback
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}

	return n
}
