package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conneroisu/elm-watch-go/internal/compiler"
	"github.com/conneroisu/elm-watch-go/internal/config"
	"github.com/conneroisu/elm-watch-go/internal/depgraph"
	"github.com/conneroisu/elm-watch-go/internal/postprocess"
	"github.com/conneroisu/elm-watch-go/internal/protocol"
	"github.com/conneroisu/elm-watch-go/internal/scheduler"
	"github.com/conneroisu/elm-watch-go/internal/state"
	"github.com/conneroisu/elm-watch-go/internal/timeline"
)

var (
	makeDebug    bool
	makeOptimize bool
)

var makeCmd = &cobra.Command{
	Use:   "make [target substrings...]",
	Short: "Compile every matching target once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMake(cmd.Context(), args)
	},
}

func init() {
	makeCmd.Flags().BoolVar(&makeDebug, "debug", false, "compile with the time-travelling debugger")
	makeCmd.Flags().BoolVar(&makeOptimize, "optimize", false, "compile with optimizations")
	rootCmd.AddCommand(makeCmd)
}

func runMake(parent context.Context, args []string) error {
	if err := modeFlags(makeDebug, makeOptimize, false); err != nil {
		return err
	}
	if err := classifyUnknownArgs(args); err != nil {
		return err
	}

	logger := newLogger()
	env := config.EnvFromOS()

	configPath, err := config.Locate(cfgFile)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := selectTargets(cfg, positionalArgs(args)); err != nil {
		return err
	}

	mode := protocol.ModeStandard
	switch {
	case makeDebug:
		mode = protocol.ModeDebug
	case makeOptimize:
		mode = protocol.ModeOptimize
	}

	persisted := state.Empty()
	for _, t := range cfg.EnabledTargets() {
		persisted.SetTarget(t.Name, state.TargetState{CompilationMode: string(mode)})
	}

	pool := postprocess.NewPool(env.MaxParallel, env.WorkerIdleTimeout, logger)
	defer pool.Close()

	s := scheduler.New(scheduler.Options{
		Config:    cfg,
		Env:       env,
		Graph:     depgraph.New(),
		Driver:    compiler.New("elm", env.CompilerGracePeriod, logger),
		Pool:      pool,
		Ring:      timeline.NewRing(),
		Logger:    logger,
		Persisted: persisted,
		WatchMode: false,
	})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return s.Run(ctx)
}

// positionalArgs strips dash-arguments, which classifyUnknownArgs has
// already vetted.
func positionalArgs(args []string) []string {
	var out []string
	for _, arg := range args {
		if len(arg) > 0 && arg[0] != '-' {
			out = append(out, arg)
		}
	}

	return out
}
