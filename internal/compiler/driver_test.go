package compiler

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/elm-watch-go/internal/logging"
	"github.com/conneroisu/elm-watch-go/internal/paths"
	"github.com/conneroisu/elm-watch-go/internal/protocol"
	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

// stubElm installs a shell script standing in for the compiler and
// returns a driver pointed at it plus a project directory with an
// elm.json.
func stubElm(t *testing.T, script string) (*Driver, string) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("stub compiler scripts are POSIX shell")
	}

	dir := t.TempDir()
	binary := filepath.Join(dir, "elm")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"+script), 0755))

	projectDir := filepath.Join(dir, "project")
	require.NoError(t, os.MkdirAll(projectDir, 0755))
	require.NoError(t, os.WriteFile(
		filepath.Join(projectDir, "elm.json"),
		[]byte(`{"type":"application","source-directories":["src"]}`),
		0644,
	))

	driver := New(binary, 200*time.Millisecond, logging.NewTestLogger())

	return driver, projectDir
}

func request(projectDir string, output string) Request {
	return Request{
		Inputs:      []paths.AbsolutePath{paths.AbsolutePath(filepath.Join(projectDir, "src", "Main.elm"))},
		Output:      output,
		Mode:        protocol.ModeStandard,
		ProjectFile: paths.AbsolutePath(filepath.Join(projectDir, "elm.json")),
		ReportJSON:  true,
	}
}

func TestCompileSuccess(t *testing.T) {
	driver, projectDir := stubElm(t, `
out=""
for arg in "$@"; do
  case "$arg" in --output=*) out="${arg#--output=}";; esac
done
printf 'var app = {};\n' > "$out"
exit 0
`)

	output := filepath.Join(projectDir, "main.js")
	result := driver.Compile(context.Background(), request(projectDir, output))

	require.NoError(t, result.Err)
	assert.True(t, result.Success)
	assert.Equal(t, "var app = {};\n", string(result.Artifact))
}

func TestCompileStructuredErrors(t *testing.T) {
	driver, projectDir := stubElm(t, `
printf '%s' '{"type":"compile-errors","errors":[{"path":"src/Main.elm","name":"Main","problems":[{"title":"UNFINISHED MODULE DECLARATION","region":{"start":{"line":1,"column":1},"end":{"line":1,"column":7}},"message":["stuck"]}]}]}' >&2
exit 1
`)

	result := driver.Compile(context.Background(), request(projectDir, "ignored.js"))

	require.NoError(t, result.Err)
	require.NotNil(t, result.Errors)
	assert.Equal(t, "UNFINISHED MODULE DECLARATION", result.Errors.FirstTitle())
}

func TestCompileInvalidJSONWritesReport(t *testing.T) {
	driver, projectDir := stubElm(t, `
printf '{"type": "compile-errors", truncated' >&2
exit 1
`)

	result := driver.Compile(context.Background(), request(projectDir, "ignored.js"))

	require.Error(t, result.Err)
	assert.True(t, watcherr.HasCode(result.Err, watcherr.CodeTroubleWithJsonReport), "got %v", result.Err)

	entries, err := os.ReadDir(projectDir)
	require.NoError(t, err)
	found := false
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "elm-watch-ElmJsonReport-") {
			found = true
		}
	}
	assert.True(t, found, "expected a report file next to elm.json")
}

func TestCompileUnexpectedOutput(t *testing.T) {
	driver, projectDir := stubElm(t, `
echo "something on stdout"
exit 2
`)

	result := driver.Compile(context.Background(), request(projectDir, "ignored.js"))

	require.Error(t, result.Err)
	assert.True(t, watcherr.HasCode(result.Err, watcherr.CodeUnexpectedElmOutput), "got %v", result.Err)
}

func TestCompileElmNotFound(t *testing.T) {
	driver := New(filepath.Join(t.TempDir(), "no-such-elm"), time.Second, logging.NewTestLogger())

	projectDir := t.TempDir()
	result := driver.Compile(context.Background(), request(projectDir, "ignored.js"))

	require.Error(t, result.Err)
	assert.True(t, watcherr.HasCode(result.Err, watcherr.CodeElmNotFound), "got %v", result.Err)
}

func TestTypecheckOnlyProducesNoArtifact(t *testing.T) {
	driver, projectDir := stubElm(t, `
for arg in "$@"; do
  case "$arg" in --output=*)
    out="${arg#--output=}"
    if [ "$out" != "/dev/null" ]; then echo "unexpected output target" >&2; exit 9; fi
  ;; esac
done
exit 0
`)

	result := driver.TypecheckOnly(context.Background(), request(projectDir, "should-not-be-used.js"))

	require.NoError(t, result.Err)
	assert.True(t, result.Success)
	assert.Nil(t, result.Artifact)
}

func TestInterruptTerminatesChild(t *testing.T) {
	driver, projectDir := stubElm(t, `
trap 'exit 143' TERM
sleep 30 &
wait $!
`)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Result, 1)
	go func() {
		done <- driver.Compile(ctx, request(projectDir, "ignored.js"))
	}()

	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	cancel()

	select {
	case result := <-done:
		assert.Error(t, result.Err)
		assert.Less(t, time.Since(start), 5*time.Second)
	case <-time.After(10 * time.Second):
		t.Fatal("compile did not return after interruption")
	}
}

func TestInstallDependenciesSuccess(t *testing.T) {
	driver, projectDir := stubElm(t, `exit 0`)

	err := driver.InstallDependencies(
		context.Background(),
		paths.AbsolutePath(filepath.Join(projectDir, "elm.json")),
	)
	require.NoError(t, err)

	// The synthetic module must have been staged.
	_, statErr := os.Stat(filepath.Join(projectDir, "elm-stuff", "elm-watch", "ElmWatchDummy.elm"))
	assert.NoError(t, statErr)
}

func TestInstallDependenciesRecognisedFailure(t *testing.T) {
	driver, projectDir := stubElm(t, `
printf -- '-- PROBLEM LOADING DEPENDENCIES ----------\n\nI tried to download packages but something went wrong.\n' >&2
exit 1
`)

	err := driver.InstallDependencies(
		context.Background(),
		paths.AbsolutePath(filepath.Join(projectDir, "elm.json")),
	)
	require.Error(t, err)
	assert.True(t, watcherr.HasCode(err, watcherr.CodeDependencyFetchError), "got %v", err)
}

func TestInstallDependenciesUnrecognisedFailure(t *testing.T) {
	driver, projectDir := stubElm(t, `
printf 'segmentation fault\n' >&2
exit 11
`)

	err := driver.InstallDependencies(
		context.Background(),
		paths.AbsolutePath(filepath.Join(projectDir, "elm.json")),
	)
	require.Error(t, err)
	assert.True(t, watcherr.HasCode(err, watcherr.CodeUnexpectedElmOutput), "got %v", err)
}

func TestFormatPathListing(t *testing.T) {
	t.Setenv("PATH", strings.Join([]string{"/usr/bin", "/usr/local/bin"}, string(os.PathListSeparator)))

	listing := FormatPathListing()
	assert.Contains(t, listing, "/usr/bin")
	assert.Contains(t, listing, "/usr/local/bin")
}

func TestProjectLockIsPerProject(t *testing.T) {
	driver := New("elm", time.Second, logging.NewTestLogger())

	a := driver.projectLock("/a/elm.json")
	b := driver.projectLock("/b/elm.json")
	again := driver.projectLock("/a/elm.json")

	assert.Same(t, a, again)
	assert.NotSame(t, a, b)
}
