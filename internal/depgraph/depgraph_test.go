package depgraph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/elm-watch-go/internal/config"
	"github.com/conneroisu/elm-watch-go/internal/paths"
	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

// project writes files (relative path -> contents) under a temp dir and
// returns the dir.
func project(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	dir = resolved

	for rel, contents := range files {
		full := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(contents), 0644))
	}

	return dir
}

func target(dir, name string, inputs ...string) *config.Target {
	t := &config.Target{
		Name:              name,
		Enabled:           true,
		SourceDirectories: []paths.AbsolutePath{paths.AbsolutePath(filepath.Join(dir, "src"))},
	}
	for _, input := range inputs {
		t.AbsoluteInputs = append(t.AbsoluteInputs, paths.AbsolutePath(filepath.Join(dir, input)))
	}

	return t
}

func TestRebuildFollowsImports(t *testing.T) {
	dir := project(t, map[string]string{
		"src/Main.elm":       "module Main exposing (main)\n\nimport Html\nimport Page.Home\n",
		"src/Page/Home.elm":  "module Page.Home exposing (view)\n\nimport Ui\n",
		"src/Ui.elm":         "module Ui exposing (button)\n",
		"src/Unrelated.elm":  "module Unrelated exposing (x)\n",
	})

	g := New()
	tgt := target(dir, "Main", "src/Main.elm")
	require.NoError(t, g.Rebuild(tgt))

	set := g.DependencySet("Main")
	expect := map[string]bool{
		filepath.Join(dir, "src/Main.elm"):      true,
		filepath.Join(dir, "src/Page/Home.elm"): true,
		filepath.Join(dir, "src/Ui.elm"):        true,
	}
	assert.Len(t, set, len(expect))
	for _, p := range set {
		assert.True(t, expect[p.String()], "unexpected member %s", p)
	}

	assert.False(t, g.Contains(paths.AbsolutePath(filepath.Join(dir, "src/Unrelated.elm"))))
}

func TestRebuildHandlesImportCycles(t *testing.T) {
	dir := project(t, map[string]string{
		"src/A.elm": "module A exposing (..)\n\nimport B\n",
		"src/B.elm": "module B exposing (..)\n\nimport A\n",
	})

	g := New()
	require.NoError(t, g.Rebuild(target(dir, "T", "src/A.elm")))
	assert.Len(t, g.DependencySet("T"), 2)
}

func TestRebuildReadError(t *testing.T) {
	dir := project(t, map[string]string{
		"src/Main.elm": "module Main exposing (..)\n",
	})

	tgt := target(dir, "Main", "src/Ghost.elm")
	g := New()

	err := g.Rebuild(tgt)
	require.Error(t, err)
	assert.True(t, watcherr.HasCode(err, watcherr.CodeTroubleReadingSources), "got %v", err)
	assert.True(t, g.Stale("Main"))
}

func TestRebuildAmbiguousImportWithPackageModule(t *testing.T) {
	dir := project(t, map[string]string{
		"src/Main.elm": "module Main exposing (..)\n\nimport Json.Decode\n",
		"src/Json/Decode.elm": "module Json.Decode exposing (..)\n",
	})

	tgt := target(dir, "Main", "src/Main.elm")
	tgt.PackageModules = map[string]bool{"Json.Decode": true, "Json.Encode": true}

	err := New().Rebuild(tgt)
	require.Error(t, err)
	assert.True(t, watcherr.HasCode(err, watcherr.CodeAmbiguousImport), "got %v", err)
	assert.Contains(t, err.Error(), "package dependency")
}

func TestRebuildLocalModuleNotInAnyPackage(t *testing.T) {
	dir := project(t, map[string]string{
		"src/Main.elm":    "module Main exposing (..)\n\nimport Helpers\n",
		"src/Helpers.elm": "module Helpers exposing (..)\n",
	})

	tgt := target(dir, "Main", "src/Main.elm")
	tgt.PackageModules = map[string]bool{"Json.Decode": true}

	g := New()
	require.NoError(t, g.Rebuild(tgt))
	assert.Len(t, g.DependencySet("Main"), 2)
}

func TestRebuildAmbiguousImport(t *testing.T) {
	dir := project(t, map[string]string{
		"src/Main.elm":   "module Main exposing (..)\n\nimport Util\n",
		"src/Util.elm":   "module Util exposing (..)\n",
		"extra/Util.elm": "module Util exposing (..)\n",
	})

	tgt := target(dir, "Main", "src/Main.elm")
	tgt.SourceDirectories = append(tgt.SourceDirectories, paths.AbsolutePath(filepath.Join(dir, "extra")))

	err := New().Rebuild(tgt)
	require.Error(t, err)
	assert.True(t, watcherr.HasCode(err, watcherr.CodeAmbiguousImport), "got %v", err)
}

func TestAffectedBy(t *testing.T) {
	dir := project(t, map[string]string{
		"src/Main.elm":   "module Main exposing (..)\n\nimport Shared\n",
		"src/Admin.elm":  "module Admin exposing (..)\n\nimport Shared\n",
		"src/Shared.elm": "module Shared exposing (..)\n",
		"src/Solo.elm":   "module Solo exposing (..)\n",
	})

	main := target(dir, "Main", "src/Main.elm")
	admin := target(dir, "Admin", "src/Admin.elm")
	solo := target(dir, "Solo", "src/Solo.elm")

	cfg := &config.Config{
		Path:    paths.AbsolutePath(filepath.Join(dir, "elm-watch.json")),
		Targets: []*config.Target{main, admin, solo},
	}

	g := New()
	require.NoError(t, g.Rebuild(main))
	require.NoError(t, g.Rebuild(admin))
	require.NoError(t, g.Rebuild(solo))

	shared := paths.AbsolutePath(filepath.Join(dir, "src/Shared.elm"))
	assert.Equal(t, []string{"Main", "Admin"}, g.AffectedBy(shared, cfg))

	soloPath := paths.AbsolutePath(filepath.Join(dir, "src/Solo.elm"))
	assert.Equal(t, []string{"Solo"}, g.AffectedBy(soloPath, cfg))

	assert.Empty(t, g.AffectedBy(paths.AbsolutePath(filepath.Join(dir, "README.md")), cfg))

	// The configuration file affects every enabled target.
	assert.Equal(t, []string{"Main", "Admin", "Solo"}, g.AffectedBy(cfg.Path, cfg))
}

func TestAffectedByProjectFile(t *testing.T) {
	dir := project(t, map[string]string{
		"src/Main.elm": "module Main exposing (..)\n",
	})

	main := target(dir, "Main", "src/Main.elm")
	main.ElmJSONPath = paths.AbsolutePath(filepath.Join(dir, "elm.json"))

	cfg := &config.Config{
		Path:    paths.AbsolutePath(filepath.Join(dir, "elm-watch.json")),
		Targets: []*config.Target{main},
	}

	g := New()
	require.NoError(t, g.Rebuild(main))

	assert.Equal(t, []string{"Main"}, g.AffectedBy(main.ElmJSONPath, cfg))
}

func TestModuleNameParsing(t *testing.T) {
	testCases := []struct {
		line   string
		module string
	}{
		{"Html exposing (div)", "Html"},
		{"Page.Home", "Page.Home"},
		{"Json.Decode as Decode", "Json.Decode"},
		{"lowercase", ""},
		{"", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.line, func(t *testing.T) {
			assert.Equal(t, tc.module, moduleName(tc.line))
		})
	}
}
