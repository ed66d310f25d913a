// Package depgraph tracks, per target, the closed set of source files the
// compiler would read.
//
// The graph is rebuilt lazily: watcher events invalidate it and the next
// scheduling decision rescans import declarations starting from the
// target's entry files. Membership answers two questions: which targets a
// file event affects, and whether an event is worth anything at all (an
// event on a path in no dependency set is informational only).
package depgraph

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/conneroisu/elm-watch-go/internal/config"
	"github.com/conneroisu/elm-watch-go/internal/paths"
	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

// Graph holds one dependency set per target.
type Graph struct {
	mu    sync.RWMutex
	deps  map[string]map[paths.AbsolutePath]struct{}
	stale map[string]bool
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		deps:  make(map[string]map[paths.AbsolutePath]struct{}),
		stale: make(map[string]bool),
	}
}

// Rebuild rescans the target's imports transitively. A read error
// propagates as TroubleReadingSources and marks the graph stale, but any
// previously computed set stays usable for AffectedBy.
func (g *Graph) Rebuild(target *config.Target) error {
	set := make(map[paths.AbsolutePath]struct{})
	queue := make([]paths.AbsolutePath, 0, len(target.AbsoluteInputs))

	for _, input := range target.AbsoluteInputs {
		queue = append(queue, input)
		set[input] = struct{}{}
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		imports, err := scanImports(current.String())
		if err != nil {
			g.markStale(target.Name)

			return err
		}

		for _, module := range imports {
			resolved, err := resolveModule(module, target.SourceDirectories, target.PackageModules)
			if err != nil {
				g.markStale(target.Name)

				return err
			}
			if resolved == "" {
				// No local candidate; the compiler resolves the module
				// from the package cache, not the source tree.
				continue
			}
			if _, seen := set[resolved]; seen {
				continue
			}
			set[resolved] = struct{}{}
			queue = append(queue, resolved)
		}
	}

	g.mu.Lock()
	g.deps[target.Name] = set
	g.stale[target.Name] = false
	g.mu.Unlock()

	return nil
}

func (g *Graph) markStale(name string) {
	g.mu.Lock()
	g.stale[name] = true
	g.mu.Unlock()
}

// Stale reports whether the target's set is out of date.
func (g *Graph) Stale(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.stale[name]
}

// Invalidate marks the target's set as needing a rescan.
func (g *Graph) Invalidate(name string) {
	g.markStale(name)
}

// DependencySet returns a copy of the target's current set.
func (g *Graph) DependencySet(name string) []paths.AbsolutePath {
	g.mu.RLock()
	defer g.mu.RUnlock()

	set := g.deps[name]
	out := make([]paths.AbsolutePath, 0, len(set))
	for p := range set {
		out = append(out, p)
	}

	return out
}

// Contains reports whether any target's set holds path.
func (g *Graph) Contains(path paths.AbsolutePath) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, set := range g.deps {
		if _, ok := set[path]; ok {
			return true
		}
	}

	return false
}

// AffectedBy returns the names of targets whose dependency set contains
// the event path, or every enabled target when the event touches the
// configuration file or a target's project file. Declaration order is
// preserved.
func (g *Graph) AffectedBy(path paths.AbsolutePath, cfg *config.Config) []string {
	if path == cfg.Path {
		var all []string
		for _, t := range cfg.EnabledTargets() {
			all = append(all, t.Name)
		}

		return all
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var affected []string
	for _, t := range cfg.EnabledTargets() {
		if t.ElmJSONPath == path {
			affected = append(affected, t.Name)
			continue
		}
		if _, ok := g.deps[t.Name][path]; ok {
			affected = append(affected, t.Name)
		}
	}

	return affected
}

// scanImports reads one source file and collects its imported module
// names: lines starting with "import" followed by a dotted module name.
// A path that has become a directory surfaces the OS error unchanged.
func scanImports(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, watcherr.NewFilesystem(
			watcherr.CodeTroubleReadingSources, "could not read a source file", err,
		).WithPath(path)
	}
	defer file.Close()

	var modules []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		rest, ok := strings.CutPrefix(line, "import ")
		if !ok {
			continue
		}

		module := moduleName(strings.TrimLeft(rest, " "))
		if module != "" {
			modules = append(modules, module)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, watcherr.NewFilesystem(
			watcherr.CodeTroubleReadingSources, "could not read a source file", err,
		).WithPath(path)
	}

	return modules, nil
}

// moduleName extracts the leading dotted module name from the text after
// the import keyword.
func moduleName(s string) string {
	end := 0
	for end < len(s) {
		c := rune(s[end])
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '.' {
			end++
			continue
		}
		break
	}

	name := s[:end]
	if name == "" || !unicode.IsUpper(rune(name[0])) {
		return ""
	}

	return name
}

// resolveModule maps a dotted module name to a file under the declared
// source directories. Two shapes of ambiguity fail the affected target's
// build with AmbiguousImport: a name matching more than one local file,
// and a name matching both a local file and a module exposed by one of
// the project's declared package dependencies. A name with no local
// candidate returns "" and is left to the compiler's package cache.
func resolveModule(
	module string,
	sourceDirs []paths.AbsolutePath,
	packageModules map[string]bool,
) (paths.AbsolutePath, error) {
	relative := filepath.Join(strings.Split(module, ".")...) + ".elm"

	var found []paths.AbsolutePath
	for _, dir := range sourceDirs {
		candidate := filepath.Join(dir.String(), relative)
		if _, err := os.Stat(candidate); err == nil {
			found = append(found, paths.AbsolutePath(filepath.Clean(candidate)))
		}
	}

	switch len(found) {
	case 0:
		return "", nil
	case 1:
		if packageModules[module] {
			return "", watcherr.NewFilesystem(
				watcherr.CodeAmbiguousImport,
				fmt.Sprintf(
					"module %s is both the local file %s and an exposed module of a package dependency",
					module, found[0],
				),
				nil,
			)
		}

		return found[0], nil
	default:
		var locations []string
		for _, f := range found {
			locations = append(locations, f.String())
		}

		return "", watcherr.NewFilesystem(
			watcherr.CodeAmbiguousImport,
			fmt.Sprintf("module %s resolves to multiple files: %s", module, strings.Join(locations, ", ")),
			nil,
		)
	}
}
