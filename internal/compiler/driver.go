// Package compiler wraps external compiler invocations: dependency
// install, typecheck-only runs, full builds, and structured-error
// decoding.
//
// Two serialisation rules protect the compiler's shared caches: at most
// one compile per project file at a time, and installs serialised
// globally. Interruption is cooperative: the child gets SIGTERM, a grace
// period, then SIGKILL, and the driver waits for the actual exit before
// returning.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/elm-watch-go/internal/logging"
	"github.com/conneroisu/elm-watch-go/internal/paths"
	"github.com/conneroisu/elm-watch-go/internal/protocol"
	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

// Driver runs the compiler binary.
type Driver struct {
	// Binary is the compiler executable, normally "elm".
	Binary string
	// GracePeriod is the SIGTERM-to-SIGKILL wait, env-overridable for
	// tests.
	GracePeriod time.Duration

	logger logging.Logger

	installMu sync.Mutex

	projectMu    sync.Mutex
	projectLocks map[string]*sync.Mutex
}

// New creates a driver for the given binary.
func New(binary string, gracePeriod time.Duration, logger logging.Logger) *Driver {
	if binary == "" {
		binary = "elm"
	}

	return &Driver{
		Binary:       binary,
		GracePeriod:  gracePeriod,
		logger:       logger.WithComponent("compiler"),
		projectLocks: make(map[string]*sync.Mutex),
	}
}

// projectLock returns the mutex serialising compiles for one project
// file.
func (d *Driver) projectLock(projectFile string) *sync.Mutex {
	d.projectMu.Lock()
	defer d.projectMu.Unlock()

	lock, ok := d.projectLocks[projectFile]
	if !ok {
		lock = &sync.Mutex{}
		d.projectLocks[projectFile] = lock
	}

	return lock
}

// Request describes one compile invocation.
type Request struct {
	// Inputs are the module entry files, absolute.
	Inputs []paths.AbsolutePath
	// Output is where the artifact goes; ignored for typecheck-only runs.
	Output string
	// Mode selects --debug / --optimize.
	Mode protocol.CompilationMode
	// ProjectFile is the elm.json governing this compile.
	ProjectFile paths.AbsolutePath
	// ReportJSON asks the compiler for --report=json.
	ReportJSON bool
	// TypecheckOnly discards code generation.
	TypecheckOnly bool
}

// Result classifies one compile invocation's outcome. Exactly one of the
// three groups is set: Success, Errors (recognised compile diagnostics),
// or Err (a typed failure).
type Result struct {
	// Success is true when the compiler exited 0 with empty stderr.
	Success bool
	// Artifact holds the produced JavaScript on success of a full build.
	Artifact []byte
	// Errors holds decoded structured errors for a recognised failure.
	Errors *Report
	// Err is a typed failure (ElmNotFound, UnexpectedElmOutput, …).
	Err error
}

// Compile runs the compiler for one target. The context interrupts the
// child cooperatively.
func (d *Driver) Compile(ctx context.Context, req Request) Result {
	lock := d.projectLock(req.ProjectFile.String())
	lock.Lock()
	defer lock.Unlock()

	output := req.Output
	if req.TypecheckOnly {
		output = os.DevNull
	}

	args := []string{"make"}
	for _, input := range req.Inputs {
		args = append(args, input.String())
	}
	args = append(args, "--output="+output)

	switch req.Mode {
	case protocol.ModeDebug:
		args = append(args, "--debug")
	case protocol.ModeOptimize:
		args = append(args, "--optimize")
	}

	if req.ReportJSON {
		args = append(args, "--report=json")
	}

	run := d.run(ctx, filepath.Dir(req.ProjectFile.String()), args...)
	if run.spawnErr != nil {
		return Result{Err: d.classifySpawnError(run.spawnErr)}
	}

	return d.classify(req, run)
}

// TypecheckOnly verifies the target without emitting code.
func (d *Driver) TypecheckOnly(ctx context.Context, req Request) Result {
	req.TypecheckOnly = true

	return d.Compile(ctx, req)
}

// InstallDependencies makes the compiler fetch the project's
// dependencies by compiling a synthetic empty module to the null sink.
// Installs are serialised globally because the package cache is shared.
func (d *Driver) InstallDependencies(ctx context.Context, projectFile paths.AbsolutePath) error {
	d.installMu.Lock()
	defer d.installMu.Unlock()

	projectDir := filepath.Dir(projectFile.String())
	dummy, err := writeDummyModule(projectDir)
	if err != nil {
		return err
	}

	run := d.run(ctx, projectDir, "make", dummy, "--output="+os.DevNull)
	if run.spawnErr != nil {
		return d.classifySpawnError(run.spawnErr)
	}

	switch {
	case run.exit == 0 && len(bytes.TrimSpace(run.stderr)) == 0:
		return nil
	case run.exit == 1 && installErrorPattern.Match(run.stderr):
		return watcherr.NewCompiler(
			watcherr.CodeDependencyFetchError,
			"the compiler could not fetch dependencies",
			errors.New(strings.TrimSpace(string(run.stderr))),
		).WithPath(projectFile.String())
	default:
		return unexpectedOutput(run).WithPath(projectFile.String())
	}
}

// installErrorPattern recognises the compiler's install-stage failures on
// stderr. Deliberately narrow: anything it misses is surfaced as
// UnexpectedElmOutput so a new compiler version cannot be silently
// mis-typed.
var installErrorPattern = regexp.MustCompile(
	`(?m)^-- (PROBLEM LOADING DEPENDENCIES|PROBLEM BUILDING DEPENDENCIES|PROBLEM DOWNLOADING|CORRUPT CACHE|PROBLEM VERIFYING DEPENDENCIES|INCOMPATIBLE DEPENDENCIES)`,
)

// writeDummyModule places a trivial module under elm-stuff/elm-watch so
// the install compile has something to chew on.
func writeDummyModule(projectDir string) (string, error) {
	dir := filepath.Join(projectDir, "elm-stuff", "elm-watch")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", watcherr.NewFilesystem(
			watcherr.CodeTroubleWritingDummyOutput, "could not create the dummy module directory", err,
		).WithPath(dir)
	}

	path := filepath.Join(dir, "ElmWatchDummy.elm")
	contents := "module ElmWatchDummy exposing (dummy)\n\n\ndummy : ()\ndummy =\n    ()\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		return "", watcherr.NewFilesystem(
			watcherr.CodeTroubleWritingDummyOutput, "could not write the dummy module", err,
		).WithPath(path)
	}

	return path, nil
}

// classify maps a finished child to a Result per the recognition table.
func (d *Driver) classify(req Request, run runResult) Result {
	stderr := bytes.TrimSpace(run.stderr)

	switch {
	case run.exit == 0 && len(stderr) == 0:
		if req.TypecheckOnly {
			return Result{Success: true}
		}

		artifact, err := os.ReadFile(req.Output)
		if err != nil {
			return Result{Err: watcherr.NewFilesystem(
				watcherr.CodeTroubleReadingOutput, "could not read the compiled output", err,
			).WithPath(req.Output)}
		}

		return Result{Success: true, Artifact: artifact}

	case run.exit == 1 && len(run.stdout) == 0 && looksLikeJSON(stderr):
		report, err := DecodeReport(stderr)
		if err != nil {
			reportPath, writeErr := d.writeJSONReport(req.ProjectFile, stderr)
			if writeErr != nil {
				return Result{Err: writeErr}
			}

			return Result{Err: watcherr.NewCompiler(
				watcherr.CodeTroubleWithJsonReport,
				fmt.Sprintf("the compiler produced invalid JSON, saved to %s", reportPath),
				err,
			).WithPath(reportPath)}
		}

		return Result{Errors: report}

	default:
		return Result{Err: unexpectedOutput(run)}
	}
}

func looksLikeJSON(stderr []byte) bool {
	return len(stderr) > 0 && (stderr[0] == '{' || stderr[0] == '[')
}

// writeJSONReport saves unparseable compiler JSON to a timestamped file
// next to the project file so the user can inspect and report it.
func (d *Driver) writeJSONReport(projectFile paths.AbsolutePath, raw []byte) (string, error) {
	name := fmt.Sprintf("elm-watch-ElmJsonReport-%s.txt", time.Now().Format("20060102T150405"))
	path := filepath.Join(filepath.Dir(projectFile.String()), name)

	if err := os.WriteFile(path, raw, 0644); err != nil {
		return "", watcherr.NewFilesystem(
			watcherr.CodeTroubleWritingFile, "could not save the compiler's JSON report", err,
		).WithPath(path)
	}

	return path, nil
}

func unexpectedOutput(run runResult) *watcherr.Error {
	return watcherr.NewCompiler(
		watcherr.CodeUnexpectedElmOutput,
		fmt.Sprintf("the compiler exited with status %d", run.exit),
		nil,
	).
		WithContext("stdout", string(run.stdout)).
		WithContext("stderr", string(run.stderr))
}

// classifySpawnError distinguishes a missing binary from other spawn
// failures. ElmNotFound is enriched with a formatted PATH listing.
func (d *Driver) classifySpawnError(err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return watcherr.NewCompiler(
			watcherr.CodeElmNotFound,
			fmt.Sprintf("could not find %q on your PATH:\n%s", d.Binary, FormatPathListing()),
			err,
		)
	}

	return watcherr.NewCompiler(
		watcherr.CodeTroubleSpawningCommand,
		fmt.Sprintf("could not run %q", d.Binary),
		err,
	)
}

// FormatPathListing renders the PATH entries one per line. On Windows
// every PATH-like variable is included, since lookup consults several.
func FormatPathListing() string {
	var b strings.Builder

	if runtime.GOOS == "windows" {
		for _, kv := range os.Environ() {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || !strings.EqualFold(key, "path") {
				continue
			}
			fmt.Fprintf(&b, "%s:\n", key)
			for _, entry := range filepath.SplitList(value) {
				fmt.Fprintf(&b, "  %s\n", entry)
			}
		}

		return b.String()
	}

	for _, entry := range filepath.SplitList(os.Getenv("PATH")) {
		fmt.Fprintf(&b, "  %s\n", entry)
	}

	return b.String()
}
