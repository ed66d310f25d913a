package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conneroisu/elm-watch-go/internal/compiler"
	"github.com/conneroisu/elm-watch-go/internal/config"
	"github.com/conneroisu/elm-watch-go/internal/depgraph"
	"github.com/conneroisu/elm-watch-go/internal/hub"
	"github.com/conneroisu/elm-watch-go/internal/logging"
	"github.com/conneroisu/elm-watch-go/internal/postprocess"
	"github.com/conneroisu/elm-watch-go/internal/scheduler"
	"github.com/conneroisu/elm-watch-go/internal/state"
	"github.com/conneroisu/elm-watch-go/internal/timeline"
	"github.com/conneroisu/elm-watch-go/internal/watcher"
)

var (
	hotDebug    bool
	hotOptimize bool
)

var hotCmd = &cobra.Command{
	Use:   "hot [target substrings...]",
	Short: "Watch the project, recompile on change, and hot-reload browsers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHot(cmd.Context(), args)
	},
}

func init() {
	// Accepted so they can be rejected with a pointer at the browser UI
	// instead of a generic unknown-flag error.
	hotCmd.Flags().BoolVar(&hotDebug, "debug", false, "")
	hotCmd.Flags().BoolVar(&hotOptimize, "optimize", false, "")
	_ = hotCmd.Flags().MarkHidden("debug")
	_ = hotCmd.Flags().MarkHidden("optimize")
	rootCmd.AddCommand(hotCmd)
}

func runHot(parent context.Context, args []string) error {
	if err := modeFlags(hotDebug, hotOptimize, true); err != nil {
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

	projectDir := filepath.Dir(configPath.String())
	statePath := filepath.Join(projectDir, state.FileName)

	stateResult := state.Read(statePath)
	if stateResult.Diagnostic != nil {
		logger.Warn(stateResult.Diagnostic, "ignoring unreadable persisted state")
	}
	persisted := stateResult.State

	ring := timeline.NewRing()
	events := make(chan scheduler.Event, 128)

	// Port ladder: persisted beats configured beats OS-assigned. A
	// persisted port that cannot be bound fails startup without touching
	// the file.
	h := hub.New(hub.Options{
		Config:        cfg,
		Env:           env,
		Logger:        logger,
		Ring:          ring,
		Events:        events,
		PersistedPath: statePath,
	})
	if err := h.Listen(persisted.Port); err != nil {
		return err
	}
	if persisted.Port == 0 && cfg.Port == 0 {
		persisted.Port = h.Port()
		if err := state.Write(statePath, persisted); err != nil {
			logger.Warn(err, "could not persist the WebSocket port")
		}
	}
	logger.Info("web socket server listening", "port", h.Port())

	pool := postprocess.NewPool(env.MaxParallel, env.WorkerIdleTimeout, logger)
	defer pool.Close()

	s := scheduler.New(scheduler.Options{
		Config:    cfg,
		Env:       env,
		Graph:     depgraph.New(),
		Driver:    compiler.New("elm", env.CompilerGracePeriod, logger),
		Pool:      pool,
		Sink:      h,
		Ring:      ring,
		Logger:    logger,
		StatePath: statePath,
		Persisted: persisted,
		WatchMode: true,
		WsURL:     h.WsURL,
	})
	// The hub's session pumps feed the same queue the watcher does.
	forward := func(event scheduler.Event) {
		select {
		case events <- event:
		default:
		}
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	w, err := watcher.New(cfg.ProjectRoot, env.DebounceWindow, logger)
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Start(ctx); err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case batch := <-w.Events():
				forward(scheduler.FileEvents{Batch: batch})
			case err := <-w.Fatal():
				forward(scheduler.WatcherFailed{Err: err})
			}
		}
	}()

	go func() {
		_ = h.Serve(ctx)
	}()

	// One owner for OS signals: translate SIGINT into a cooperative
	// shutdown event that drains workers before exit.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case <-ctx.Done():
		case sig := <-signals:
			logger.Info("shutting down", "signal", sig.String())
			forward(scheduler.Shutdown{})
		}
	}()

	if env.ExitOnStdinEnd {
		go exitOnStdinEnd(os.Stdin, forward, logger)
	}

	banner := fmt.Sprintf("elm-watch hot: %d target(s), ws://127.0.0.1:%d",
		len(cfg.EnabledTargets()), h.Port())
	if logging.ColorEnabled() {
		banner = "\033[32m" + banner + "\033[0m"
	}
	fmt.Fprintln(os.Stderr, banner)

	// Run the loop, pumping the shared queue that every source above
	// feeds into the scheduler's events channel.
	return runSchedulerWithQueue(ctx, s, events)
}

// runSchedulerWithQueue pumps the shared queue into the scheduler while
// it runs.
func runSchedulerWithQueue(ctx context.Context, s *scheduler.Scheduler, events chan scheduler.Event) error {
	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()

	go func() {
		for {
			select {
			case <-pumpCtx.Done():
				return
			case event := <-events:
				select {
				case s.Events() <- event:
				case <-pumpCtx.Done():
					return
				}
			}
		}
	}()

	return s.Run(ctx)
}

// exitOnStdinEnd requests shutdown when stdin closes, so elm-watch dies
// with the process that spawned it.
func exitOnStdinEnd(stdin io.Reader, forward func(scheduler.Event), logger logging.Logger) {
	reader := bufio.NewReader(stdin)
	buf := make([]byte, 1024)
	for {
		if _, err := reader.Read(buf); err != nil {
			logger.Info("stdin closed, exiting")
			forward(scheduler.Shutdown{})
			return
		}
	}
}
