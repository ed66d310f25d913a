package cmd

import (
	"fmt"
	"strings"

	"github.com/conneroisu/elm-watch-go/internal/config"
	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

// elmMakeFlags are compiler flags users sometimes pass here by habit;
// seeing one turns the UnexpectedFlags error into a pointer at the
// configuration file.
var elmMakeFlags = []string{"--output", "--report", "--docs"}

// classifyUnknownArgs turns leftover dash-arguments into the right
// configuration error.
func classifyUnknownArgs(args []string) error {
	var unknown []string
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			unknown = append(unknown, arg)
		}
	}
	if len(unknown) == 0 {
		return nil
	}

	message := fmt.Sprintf("unexpected flags: %s", strings.Join(unknown, " "))
	for _, arg := range unknown {
		for _, elmFlag := range elmMakeFlags {
			if strings.HasPrefix(arg, elmFlag) {
				message += fmt.Sprintf(
					"\n%s looks like an elm make flag; move it into %s instead",
					arg, config.FileName,
				)
			}
		}
	}

	return watcherr.NewConfig(watcherr.CodeUnexpectedFlags, message)
}

// selectTargets enables the targets whose names contain one of the given
// substrings, disabling the rest. No substrings means everything stays
// enabled. Substrings matching nothing are an error.
func selectTargets(cfg *config.Config, substrings []string) error {
	if len(substrings) == 0 {
		return nil
	}

	var unknown []string
	for _, substring := range substrings {
		matched := false
		for _, t := range cfg.Targets {
			if strings.Contains(t.Name, substring) {
				matched = true
			}
		}
		if !matched {
			unknown = append(unknown, substring)
		}
	}
	if len(unknown) > 0 {
		var names []string
		for _, t := range cfg.Targets {
			names = append(names, t.Name)
		}

		return watcherr.NewConfig(
			watcherr.CodeUnknownTargetsSubstrings,
			fmt.Sprintf(
				"no targets match: %s. Known targets: %s",
				strings.Join(unknown, ", "), strings.Join(names, ", "),
			),
		)
	}

	for _, t := range cfg.Targets {
		t.Enabled = false
		for _, substring := range substrings {
			if strings.Contains(t.Name, substring) {
				t.Enabled = true
			}
		}
	}

	return nil
}

// modeFlags validates --debug/--optimize combinations.
func modeFlags(debug, optimize bool, watchMode bool) error {
	if watchMode && (debug || optimize) {
		return watcherr.NewConfig(
			watcherr.CodeRedundantFlags,
			"hot mode ignores --debug and --optimize; change the mode from the browser UI instead",
		)
	}
	if debug && optimize {
		return watcherr.NewConfig(
			watcherr.CodeClashingFlags, "--debug and --optimize cannot be used together",
		)
	}

	return nil
}
