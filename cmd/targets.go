package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/elm-watch-go/internal/config"
)

var targetsFormat string

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Show the resolved targets from the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTargets()
	},
}

func init() {
	targetsCmd.Flags().StringVarP(&targetsFormat, "format", "f", "text",
		"output format (text, json, yaml)")
	rootCmd.AddCommand(targetsCmd)
}

// targetListing is the serialisable view of one target.
type targetListing struct {
	Name        string   `json:"name" yaml:"name"`
	Inputs      []string `json:"inputs" yaml:"inputs"`
	Output      string   `json:"output" yaml:"output"`
	Postprocess []string `json:"postprocess,omitempty" yaml:"postprocess,omitempty"`
}

func runTargets() error {
	configPath, err := config.Locate(cfgFile)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	listings := make([]targetListing, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		listings = append(listings, targetListing{
			Name:        t.Name,
			Inputs:      t.Inputs,
			Output:      t.Output,
			Postprocess: t.Postprocess,
		})
	}

	switch targetsFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "    ")

		return encoder.Encode(listings)

	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(listings)

	default:
		for _, listing := range listings {
			fmt.Printf("%s\n    inputs: %s\n    output: %s\n",
				listing.Name, strings.Join(listing.Inputs, ", "), listing.Output)
			if len(listing.Postprocess) > 0 {
				fmt.Printf("    postprocess: %s\n", strings.Join(listing.Postprocess, " "))
			}
		}

		return nil
	}
}
