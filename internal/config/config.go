// Package config loads and validates elm-watch.json.
//
// File discovery runs through Viper so the usual precedence applies: an
// explicit --config flag beats the ELM_WATCH_CONFIG environment variable,
// which beats an upward search for the closest elm-watch.json. The file
// itself is then decoded strictly from its raw bytes, because validation
// errors must carry JSON-path pointers and target declaration order must
// survive (it is the scheduling tie-breaker).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/conneroisu/elm-watch-go/internal/paths"
	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

// FileName is the configuration file base name.
const FileName = "elm-watch.json"

// Target is one named compile unit.
type Target struct {
	// Name is the key in the targets object, validated by ValidateTargetName.
	Name string
	// Index is the declaration position, the stable tie-breaker for
	// scheduling priority.
	Index int
	// Inputs are the module entry paths as written.
	Inputs []string
	// AbsoluteInputs are the canonicalised inputs, same order.
	AbsoluteInputs []paths.AbsolutePath
	// Output is the JavaScript output path as written.
	Output string
	// AbsoluteOutput is the cleaned absolute output path.
	AbsoluteOutput paths.AbsolutePath
	// Postprocess is the optional argv list; a first token of
	// "elm-watch-node" means the rest names a script run in-process by a
	// postprocess worker.
	Postprocess []string
	// Enabled is false when the CLI restricted the run to other targets.
	Enabled bool
	// Err carries a per-target configuration error (NoUniqueProject and
	// friends); the target is reported but skipped while it is set.
	Err error
	// ElmJSONPath is the closest elm.json covering all of this target's
	// inputs.
	ElmJSONPath paths.AbsolutePath
	// SourceDirectories are the source-directories of that elm.json,
	// absolute.
	SourceDirectories []paths.AbsolutePath
	// PackageModules are the modules exposed by the project's declared
	// direct dependencies. A module name that matches both a local source
	// file and one of these is ambiguous and fails the build.
	PackageModules map[string]bool
}

// UsesElmWatchNode reports whether postprocess runs in-process.
func (t *Target) UsesElmWatchNode() bool {
	return len(t.Postprocess) > 0 && t.Postprocess[0] == "elm-watch-node"
}

// Config is the validated project description.
type Config struct {
	// Path is the absolute location of elm-watch.json.
	Path paths.AbsolutePath
	// Port is the configured WebSocket port, 0 when unset.
	Port uint16
	// Targets in declaration order.
	Targets []*Target
	// ProjectRoot is the common root of every target's inputs, the
	// configuration file, and the shared elm.json (its directory when that
	// root is a file); it is the watch root.
	ProjectRoot paths.AbsolutePath
}

// TargetByName returns the named target, or nil.
func (c *Config) TargetByName(name string) *Target {
	for _, t := range c.Targets {
		if t.Name == name {
			return t
		}
	}

	return nil
}

// EnabledTargets returns the targets selected for this run, declaration
// order preserved.
func (c *Config) EnabledTargets() []*Target {
	var out []*Target
	for _, t := range c.Targets {
		if t.Enabled {
			out = append(out, t)
		}
	}

	return out
}

// DisabledTargetNames returns the names excluded from this run.
func (c *Config) DisabledTargetNames() []string {
	var out []string
	for _, t := range c.Targets {
		if !t.Enabled {
			out = append(out, t.Name)
		}
	}

	return out
}

// Locate finds the configuration file. explicit is the --config flag value
// ("" when unset).
func Locate(explicit string) (paths.AbsolutePath, error) {
	v := viper.New()
	v.SetConfigType("json")

	if explicit == "" {
		explicit = os.Getenv("ELM_WATCH_CONFIG")
	}

	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		// Search upward from the working directory for the closest
		// elm-watch.json.
		cwd, err := os.Getwd()
		if err != nil {
			return "", watcherr.NewConfig(watcherr.CodeConfigNotFound, err.Error())
		}
		v.SetConfigName("elm-watch")
		for dir := cwd; ; dir = filepath.Dir(dir) {
			v.AddConfigPath(dir)
			if dir == filepath.Dir(dir) {
				break
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return "", watcherr.NewConfig(
			watcherr.CodeConfigNotFound,
			fmt.Sprintf("could not find %s in this directory or any parent: %v", FileName, err),
		)
	}

	abs, err := filepath.Abs(v.ConfigFileUsed())
	if err != nil {
		return "", watcherr.NewConfig(watcherr.CodeConfigNotFound, err.Error())
	}

	return paths.AbsolutePath(filepath.Clean(abs)), nil
}

// rawTarget is the on-disk target shape.
type rawTarget struct {
	Inputs      []string `json:"inputs"`
	Output      string   `json:"output"`
	Postprocess []string `json:"postprocess"`
}

// Load reads and validates the configuration at path.
func Load(path paths.AbsolutePath) (*Config, error) {
	data, err := os.ReadFile(path.String())
	if err != nil {
		return nil, watcherr.NewConfig(
			watcherr.CodeConfigNotFound, fmt.Sprintf("could not read %s: %v", FileName, err),
		).WithPath(path.String())
	}

	return Parse(path, data)
}

// Parse validates raw configuration bytes. Exposed separately so reload
// tests can feed documents directly.
func Parse(path paths.AbsolutePath, data []byte) (*Config, error) {
	port, names, rawTargets, err := decodeOrdered(data)
	if err != nil {
		return nil, err
	}

	if len(names) == 0 {
		return nil, invalid("targets", "must have at least one target")
	}

	cfg := &Config{Path: path}

	if port != 0 {
		if port < 1 || port > 65535 {
			return nil, invalid("port", fmt.Sprintf("%d is not in the range 1-65535", port))
		}
		cfg.Port = uint16(port)
	}

	seenOutputs := make(map[string]string)

	for i, name := range names {
		raw := rawTargets[name]
		ptr := fmt.Sprintf("targets[%q]", name)

		if err := ValidateTargetName(name); err != nil {
			return nil, invalid("targets", fmt.Sprintf("invalid target name %q: %v", name, err))
		}

		if len(raw.Inputs) == 0 {
			return nil, invalid(ptr+".inputs", "must have at least one input")
		}
		for j, input := range raw.Inputs {
			if err := validateInputShape(input); err != nil {
				return nil, invalid(fmt.Sprintf("%s.inputs[%d]", ptr, j), err.Error())
			}
		}

		if err := validateOutput(raw.Output); err != nil {
			return nil, invalid(ptr+".output", err.Error())
		}

		if len(raw.Postprocess) > 0 && raw.Postprocess[0] == "" {
			return nil, invalid(ptr+".postprocess[0]", "must not be empty")
		}

		outputAbs, err := filepath.Abs(resolveAgainst(path, raw.Output))
		if err != nil {
			return nil, invalid(ptr+".output", err.Error())
		}
		outputAbs = filepath.Clean(outputAbs)
		if prev, dup := seenOutputs[outputAbs]; dup {
			return nil, watcherr.NewConfig(
				watcherr.CodeDuplicateOutputs,
				fmt.Sprintf("targets %q and %q write to the same output: %s", prev, name, raw.Output),
			).WithPath(path.String())
		}
		seenOutputs[outputAbs] = name

		cfg.Targets = append(cfg.Targets, &Target{
			Name:           name,
			Index:          i,
			Inputs:         raw.Inputs,
			Output:         raw.Output,
			AbsoluteOutput: paths.AbsolutePath(outputAbs),
			Postprocess:    raw.Postprocess,
			Enabled:        true,
		})
	}

	if err := resolveInputs(cfg); err != nil {
		return nil, err
	}
	if err := resolveProjects(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// decodeOrdered walks the JSON document with a token decoder so the
// targets object keeps its declaration order, which encoding/json maps
// would lose.
func decodeOrdered(data []byte) (port int, names []string, targets map[string]rawTarget, err error) {
	// First a strict well-formedness and field pass.
	var doc struct {
		Port    *int                      `json:"port"`
		Targets map[string]json.RawMessage `json:"targets"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, nil, nil, invalid("", fmt.Sprintf("invalid JSON: %v", err))
	}
	if doc.Port != nil {
		port = *doc.Port
		if port == 0 {
			return 0, nil, nil, invalid("port", "0 is not in the range 1-65535")
		}
	}
	if doc.Targets == nil {
		return 0, nil, nil, invalid("targets", "missing required field")
	}

	targets = make(map[string]rawTarget, len(doc.Targets))
	for name, raw := range doc.Targets {
		var t rawTarget
		if err := json.Unmarshal(raw, &t); err != nil {
			return 0, nil, nil, invalid(fmt.Sprintf("targets[%q]", name), err.Error())
		}
		targets[name] = t
	}

	// Second pass: token walk for key order.
	names, err = targetKeyOrder(data)
	if err != nil {
		return 0, nil, nil, err
	}

	return port, names, targets, nil
}

// targetKeyOrder extracts the keys of the top-level "targets" object in
// document order.
func targetKeyOrder(data []byte) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))

	// Opening brace of the document.
	if _, err := dec.Token(); err != nil {
		return nil, invalid("", err.Error())
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, invalid("", err.Error())
		}
		key, _ := keyTok.(string)

		if key != "targets" {
			if err := skipValue(dec); err != nil {
				return nil, invalid(key, err.Error())
			}
			continue
		}

		// Opening brace of the targets object.
		if tok, err := dec.Token(); err != nil {
			return nil, invalid("targets", err.Error())
		} else if delim, ok := tok.(json.Delim); !ok || delim != '{' {
			return nil, invalid("targets", "must be an object")
		}

		var names []string
		for dec.More() {
			nameTok, err := dec.Token()
			if err != nil {
				return nil, invalid("targets", err.Error())
			}
			name, _ := nameTok.(string)
			names = append(names, name)
			if err := skipValue(dec); err != nil {
				return nil, invalid(fmt.Sprintf("targets[%q]", name), err.Error())
			}
		}

		return names, nil
	}

	return nil, invalid("targets", "missing required field")
}

// skipValue consumes one complete JSON value from dec.
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	delim, ok := tok.(json.Delim)
	if !ok || (delim != '{' && delim != '[') {
		return nil
	}

	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}

	return nil
}

// resolveInputs canonicalises every input, reporting missing files,
// resolution failures, and duplicates.
func resolveInputs(cfg *Config) error {
	for _, t := range cfg.Targets {
		var missing []string

		for _, input := range t.Inputs {
			resolved := resolveAgainst(cfg.Path, input)

			if _, err := os.Stat(resolved); err != nil {
				missing = append(missing, input)
				continue
			}

			canonical, err := paths.Canonicalize(resolved)
			if err != nil {
				return watcherr.NewConfig(
					watcherr.CodeInputsFailedToResolve,
					fmt.Sprintf("target %q: could not resolve input %q: %v", t.Name, input, err),
				).WithPath(cfg.Path.String())
			}
			t.AbsoluteInputs = append(t.AbsoluteInputs, canonical)
		}

		if len(missing) > 0 {
			return watcherr.NewConfig(
				watcherr.CodeInputsNotFound,
				fmt.Sprintf("target %q: inputs not found: %s", t.Name, strings.Join(missing, ", ")),
			).WithPath(cfg.Path.String())
		}

		resolvedInputs := make([]string, len(t.Inputs))
		for i, input := range t.Inputs {
			resolvedInputs[i] = resolveAgainst(cfg.Path, input)
		}
		if groups := paths.DuplicateInputs(resolvedInputs); len(groups) > 0 {
			var parts []string
			for _, g := range groups {
				suffix := ""
				if g.ViaSymlink {
					suffix = " (via symlink)"
				}
				parts = append(parts, strings.Join(g.Originals, " = ")+suffix)
			}

			return watcherr.NewConfig(
				watcherr.CodeDuplicateInputs,
				fmt.Sprintf("target %q: duplicate inputs: %s", t.Name, strings.Join(parts, "; ")),
			).WithPath(cfg.Path.String())
		}
	}

	return nil
}

// resolveProjects finds the closest elm.json for each target, requires all
// enabled targets to share one, and computes the watch root. A target with
// no unique project is marked with NoUniqueProject but the others proceed.
func resolveProjects(cfg *Config) error {
	projectByTarget := make(map[string]paths.AbsolutePath)

	for _, t := range cfg.Targets {
		project, err := closestElmJSON(t.AbsoluteInputs)
		if err != nil {
			t.Err = err
			continue
		}
		t.ElmJSONPath = project
		projectByTarget[t.Name] = project

		dirs, err := sourceDirectories(project)
		if err != nil {
			t.Err = err
			continue
		}
		t.SourceDirectories = dirs
		t.PackageModules = packageModules(project)
	}

	// All enabled healthy targets must agree on one project file.
	var shared paths.AbsolutePath
	for _, t := range cfg.Targets {
		if t.Err != nil {
			continue
		}
		if shared == "" {
			shared = t.ElmJSONPath
			continue
		}
		if t.ElmJSONPath != shared {
			t.Err = watcherr.NewConfig(
				watcherr.CodeNoUniqueProject,
				fmt.Sprintf("target %q uses %s, other targets use %s", t.Name, t.ElmJSONPath, shared),
			)
		}
	}

	var rootInputs []paths.AbsolutePath
	for _, t := range cfg.Targets {
		rootInputs = append(rootInputs, t.AbsoluteInputs...)
	}
	rootInputs = append(rootInputs, cfg.Path)
	if shared != "" {
		rootInputs = append(rootInputs, shared)
	}

	root, err := paths.CommonRoot(rootInputs)
	if err != nil {
		return err
	}
	info, statErr := os.Stat(root.String())
	if statErr == nil && !info.IsDir() {
		root = root.Dir()
	}
	cfg.ProjectRoot = root

	return nil
}

// closestElmJSON walks up from each input to the nearest elm.json; all
// inputs of one target must agree.
func closestElmJSON(inputs []paths.AbsolutePath) (paths.AbsolutePath, error) {
	var shared paths.AbsolutePath

	for _, input := range inputs {
		found := ""
		for dir := filepath.Dir(input.String()); ; dir = filepath.Dir(dir) {
			candidate := filepath.Join(dir, "elm.json")
			if _, err := os.Stat(candidate); err == nil {
				found = candidate
				break
			}
			if dir == filepath.Dir(dir) {
				break
			}
		}

		if found == "" {
			return "", watcherr.NewConfig(
				watcherr.CodeNoUniqueProject,
				fmt.Sprintf("no elm.json found above %s", input),
			)
		}

		if shared == "" {
			shared = paths.AbsolutePath(found)
		} else if shared != paths.AbsolutePath(found) {
			return "", watcherr.NewConfig(
				watcherr.CodeNoUniqueProject,
				fmt.Sprintf("inputs resolve to different elm.json files: %s and %s", shared, found),
			)
		}
	}

	return shared, nil
}

// sourceDirectories reads source-directories from elm.json, defaulting to
// ["src"] (the package layout).
func sourceDirectories(project paths.AbsolutePath) ([]paths.AbsolutePath, error) {
	data, err := os.ReadFile(project.String())
	if err != nil {
		return nil, watcherr.NewFilesystem(
			watcherr.CodeTroubleReadingFile, "could not read elm.json", err,
		).WithPath(project.String())
	}

	var doc struct {
		SourceDirectories []string `json:"source-directories"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, watcherr.NewConfig(
			watcherr.CodeInvalidConfig, fmt.Sprintf("elm.json is not valid JSON: %v", err),
		).WithPath(project.String())
	}

	dirs := doc.SourceDirectories
	if len(dirs) == 0 {
		dirs = []string{"src"}
	}

	base := filepath.Dir(project.String())
	out := make([]paths.AbsolutePath, 0, len(dirs))
	for _, dir := range dirs {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(base, dir)
		}
		out = append(out, paths.AbsolutePath(filepath.Clean(dir)))
	}

	return out, nil
}

// resolveAgainst resolves a possibly relative configured path against the
// configuration file's directory.
func resolveAgainst(configPath paths.AbsolutePath, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}

	return filepath.Join(filepath.Dir(configPath.String()), p)
}

// invalid builds an InvalidConfig error with a JSON-path pointer.
func invalid(pointer, message string) error {
	if pointer == "" {
		return watcherr.NewConfig(watcherr.CodeInvalidConfig, message)
	}

	return watcherr.NewConfig(
		watcherr.CodeInvalidConfig, fmt.Sprintf("%s: %s", pointer, message),
	)
}
