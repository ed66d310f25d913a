package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/conneroisu/elm-watch-go/internal/config"
	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an elm-watch.json in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit() error {
	if _, err := os.Stat(config.FileName); err == nil {
		return watcherr.NewConfig(
			watcherr.CodeInvalidConfig,
			fmt.Sprintf("%s already exists here", config.FileName),
		)
	}

	name, input := defaultTarget()

	doc := map[string]any{
		"targets": map[string]any{
			name: map[string]any{
				"inputs": []string{input},
				"output": "build/" + strings.ToLower(name) + ".js",
			},
		},
	}

	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.WriteFile(config.FileName, data, 0644); err != nil {
		return watcherr.NewFilesystem(
			watcherr.CodeTroubleWritingFile, "could not write the configuration", err,
		).WithPath(config.FileName)
	}

	fmt.Printf("Created %s\n", config.FileName)

	return nil
}

// defaultTarget derives the initial target from an existing entry file
// when there is one, falling back to the conventional src/Main.elm.
func defaultTarget() (name, input string) {
	candidates, _ := filepath.Glob(filepath.Join("src", "*.elm"))
	for _, candidate := range candidates {
		base := strings.TrimSuffix(filepath.Base(candidate), ".elm")
		if base == "Main" {
			return "Main", filepath.ToSlash(candidate)
		}
	}

	if len(candidates) > 0 {
		base := strings.TrimSuffix(filepath.Base(candidates[0]), ".elm")
		title := cases.Title(language.English, cases.NoLower).String(base)

		return title, filepath.ToSlash(candidates[0])
	}

	return "Main", "src/Main.elm"
}
