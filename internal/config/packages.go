package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/conneroisu/elm-watch-go/internal/paths"
)

// packageModules collects the exposed modules of the project's declared
// direct dependencies by reading each package's own elm.json out of the
// compiler's package cache (ELM_HOME, ~/.elm by default). Best effort: a
// dependency whose metadata cannot be read simply contributes nothing,
// which errs on the side of not flagging an ambiguity that cannot be
// confirmed.
func packageModules(project paths.AbsolutePath) map[string]bool {
	data, err := os.ReadFile(project.String())
	if err != nil {
		return nil
	}

	var doc struct {
		Dependencies struct {
			Direct map[string]string `json:"direct"`
		} `json:"dependencies"`
	}
	if err := json.Unmarshal(data, &doc); err != nil || len(doc.Dependencies.Direct) == 0 {
		return nil
	}

	home := elmHome()
	if home == "" {
		return nil
	}

	// The cache is laid out as <home>/<compiler version>/packages/
	// <author>/<name>/<version>/elm.json.
	entries, err := os.ReadDir(home)
	if err != nil {
		return nil
	}

	modules := make(map[string]bool)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		packagesDir := filepath.Join(home, entry.Name(), "packages")

		for pkg, version := range doc.Dependencies.Direct {
			metadata := filepath.Join(packagesDir, filepath.FromSlash(pkg), version, "elm.json")
			for _, module := range exposedModules(metadata) {
				modules[module] = true
			}
		}
	}

	if len(modules) == 0 {
		return nil
	}

	return modules
}

// elmHome returns the compiler's cache directory.
func elmHome() string {
	if home := os.Getenv("ELM_HOME"); home != "" {
		return home
	}

	userHome, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(userHome, ".elm")
}

// exposedModules reads the exposed-modules field of one package's
// elm.json. The field is either a flat list or an object grouping
// modules under category headings.
func exposedModules(metadataPath string) []string {
	data, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil
	}

	var doc struct {
		Exposed json.RawMessage `json:"exposed-modules"`
	}
	if err := json.Unmarshal(data, &doc); err != nil || doc.Exposed == nil {
		return nil
	}

	var flat []string
	if err := json.Unmarshal(doc.Exposed, &flat); err == nil {
		return flat
	}

	var grouped map[string][]string
	if err := json.Unmarshal(doc.Exposed, &grouped); err == nil {
		var out []string
		for _, group := range grouped {
			out = append(out, group...)
		}

		return out
	}

	return nil
}
