// Package cmd provides the elm-watch command-line interface.
//
// Configuration resolution follows the usual precedence: the --config
// flag beats the ELM_WATCH_CONFIG environment variable, which beats an
// upward search for the closest elm-watch.json. Exit codes are 0 for
// success and 1 for any error, whether configuration, compile,
// postprocess, or runtime.
package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/conneroisu/elm-watch-go/internal/logging"
)

var (
	cfgFile  string
	logLevel string
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "elm-watch",
	Short: "Fast, reliable watch mode for Elm projects",
	Long: `elm-watch compiles your Elm targets on every change and hot-reloads
connected browser pages over WebSocket.

Quick start:
  elm-watch init        Create an elm-watch.json
  elm-watch hot         Watch, recompile, and hot-reload
  elm-watch make        Compile every target once
  elm-watch targets     Show the resolved targets`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI; the caller maps a non-nil error to exit code 1.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initViper)
	rootCmd.SetGlobalNormalizationFunc(normalizeFlagName)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"configuration file (default is the closest elm-watch.json; ELM_WATCH_CONFIG also works)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info",
		"log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initViper() {
	viper.SetEnvPrefix("ELM_WATCH")
	viper.AutomaticEnv()
}

// normalizeFlagName lets --log_level work as --log-level.
func normalizeFlagName(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// newLogger builds the shared logger from the --log-level flag.
func newLogger() logging.Logger {
	return logging.New(&logging.Config{
		Level:  logging.ParseLevel(viper.GetString("log-level")),
		Format: "text",
		Output: os.Stderr,
	})
}
