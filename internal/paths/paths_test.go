package paths

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeResolvesSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation needs extra privileges on windows")
	}

	tempDir := t.TempDir()
	real := filepath.Join(tempDir, "real.elm")
	require.NoError(t, os.WriteFile(real, []byte("module Real exposing (..)\n"), 0644))

	link := filepath.Join(tempDir, "link.elm")
	require.NoError(t, os.Symlink(real, link))

	canonical, err := Canonicalize(link)
	require.NoError(t, err)

	expected, err := Canonicalize(real)
	require.NoError(t, err)
	assert.Equal(t, expected, canonical)
}

func TestCanonicalizeMissingFile(t *testing.T) {
	_, err := Canonicalize(filepath.Join(t.TempDir(), "nope.elm"))
	assert.Error(t, err)
}

func TestCanonicalizeSymlinkCycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation needs extra privileges on windows")
	}

	tempDir := t.TempDir()
	a := filepath.Join(tempDir, "a")
	b := filepath.Join(tempDir, "b")
	require.NoError(t, os.Symlink(a, b))
	require.NoError(t, os.Symlink(b, a))

	_, err := Canonicalize(a)
	require.Error(t, err)
}

func TestDuplicateInputs(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation needs extra privileges on windows")
	}

	tempDir := t.TempDir()
	main := filepath.Join(tempDir, "Main.elm")
	require.NoError(t, os.WriteFile(main, []byte("module Main exposing (..)\n"), 0644))

	link := filepath.Join(tempDir, "Alias.elm")
	require.NoError(t, os.Symlink(main, link))

	other := filepath.Join(tempDir, "Other.elm")
	require.NoError(t, os.WriteFile(other, []byte("module Other exposing (..)\n"), 0644))

	groups := DuplicateInputs([]string{main, link, other})
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Originals, 2)
	assert.True(t, groups[0].ViaSymlink)
}

func TestDuplicateInputsNone(t *testing.T) {
	tempDir := t.TempDir()
	a := filepath.Join(tempDir, "A.elm")
	b := filepath.Join(tempDir, "B.elm")
	require.NoError(t, os.WriteFile(a, []byte("module A exposing (..)\n"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("module B exposing (..)\n"), 0644))

	assert.Empty(t, DuplicateInputs([]string{a, b}))
}

func TestCommonRoot(t *testing.T) {
	sep := string(os.PathSeparator)
	join := func(parts ...string) AbsolutePath {
		return AbsolutePath(sep + filepath.Join(parts...))
	}

	root, err := CommonRoot([]AbsolutePath{
		join("home", "user", "project", "src", "Main.elm"),
		join("home", "user", "project", "src", "Admin.elm"),
		join("home", "user", "project", "elm.json"),
	})
	require.NoError(t, err)
	assert.Equal(t, join("home", "user", "project"), root)
}

func TestCommonRootSinglePath(t *testing.T) {
	p := AbsolutePath(filepath.Join(string(os.PathSeparator)+"srv", "app", "Main.elm"))
	root, err := CommonRoot([]AbsolutePath{p})
	require.NoError(t, err)
	assert.Equal(t, AbsolutePath(filepath.Join(string(os.PathSeparator)+"srv", "app", "Main.elm")), root)
}

func TestCommonRootEmpty(t *testing.T) {
	_, err := CommonRoot(nil)
	assert.Error(t, err)
}

func TestIsUnder(t *testing.T) {
	sep := string(os.PathSeparator)
	root := AbsolutePath(sep + filepath.Join("home", "user", "project"))

	assert.True(t, IsUnder(root, root))
	assert.True(t, IsUnder(root, AbsolutePath(filepath.Join(root.String(), "src", "Main.elm"))))
	assert.False(t, IsUnder(root, AbsolutePath(sep+filepath.Join("home", "user", "other"))))
}
