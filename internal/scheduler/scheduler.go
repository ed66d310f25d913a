// Package scheduler owns the per-target state machine and dispatches
// compile and postprocess work onto a bounded slot budget.
//
// All TargetState mutation happens on the loop goroutine. Worker
// goroutines run exactly one phase and report back through the shared
// event queue, so events for a single target are processed strictly in
// arrival order. Across targets, ordering bends only to priority: the
// last focused browser target first, then targets with connected
// sessions, then the rest, stable by declaration order within a tier.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/conneroisu/elm-watch-go/internal/compiler"
	"github.com/conneroisu/elm-watch-go/internal/config"
	"github.com/conneroisu/elm-watch-go/internal/depgraph"
	"github.com/conneroisu/elm-watch-go/internal/inject"
	"github.com/conneroisu/elm-watch-go/internal/logging"
	"github.com/conneroisu/elm-watch-go/internal/paths"
	"github.com/conneroisu/elm-watch-go/internal/postprocess"
	"github.com/conneroisu/elm-watch-go/internal/protocol"
	"github.com/conneroisu/elm-watch-go/internal/state"
	"github.com/conneroisu/elm-watch-go/internal/timeline"
	"github.com/conneroisu/elm-watch-go/internal/watcher"
	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

// CompileDriver is the compiler surface the scheduler needs.
type CompileDriver interface {
	Compile(ctx context.Context, req compiler.Request) compiler.Result
	TypecheckOnly(ctx context.Context, req compiler.Request) compiler.Result
	InstallDependencies(ctx context.Context, projectFile paths.AbsolutePath) error
}

// Postprocessor is the postprocess surface the scheduler needs.
type Postprocessor interface {
	Run(ctx context.Context, req postprocess.Request) ([]byte, error)
	RoundDone(activeTargets int)
}

// StatusSink receives per-target status updates; the hub fans them out
// to browsers.
type StatusSink interface {
	Broadcast(targetName string, msg protocol.ServerMessage)
	HasSessions(targetName string) bool
}

// Options wires a scheduler.
type Options struct {
	Config    *config.Config
	Env       config.Env
	Graph     *depgraph.Graph
	Driver    CompileDriver
	Pool      Postprocessor
	Sink      StatusSink
	Ring      *timeline.Ring
	Logger    logging.Logger
	StatePath string
	Persisted state.PersistedState
	// WatchMode enables hot injection and keeps the loop alive; off for
	// one-shot make.
	WatchMode bool
	// WsURL builds the client WebSocket URL for a target, nil outside
	// watch mode.
	WsURL func(targetName string) string
}

// targetRuntime is the loop-owned mutable state of one target.
type targetRuntime struct {
	target   *config.Target
	phase    Phase
	dirty    bool
	cancel   context.CancelFunc
	sessions int
	mode     protocol.CompilationMode
	// artifact carries the compiled code between phases of one round.
	artifact []byte
	// fullBuild records whether the current round generates code.
	fullBuild bool
	// builtAt is the artifact timestamp sent to clients.
	builtAt int64
	// fieldSignature tracks record-field mangling across optimize-mode
	// builds; a change forces a full reload instead of a patch.
	fieldSignature string
	// err is the last failure, for exit-code aggregation.
	err error
}

// Scheduler runs the build loop.
type Scheduler struct {
	opts    Options
	cfg     *config.Config
	logger  logging.Logger
	events  chan Event
	targets map[string]*targetRuntime
	focused string
	// inflight counts running worker goroutines; the loop only exits
	// once they have all reported.
	inflight int
	// draining means shutdown was requested.
	draining bool
	// roundReported guards one RoundDone call per drain.
	roundReported bool
	persisted     state.PersistedState
	fatal         error
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		opts:      opts,
		cfg:       opts.Config,
		logger:    opts.Logger.WithComponent("scheduler"),
		events:    make(chan Event, 128),
		targets:   make(map[string]*targetRuntime),
		persisted: opts.Persisted,
	}

	for _, t := range s.cfg.Targets {
		mode := protocol.ModeStandard
		if persisted := s.persisted.Target(t.Name).CompilationMode; persisted != "" {
			mode = protocol.CompilationMode(persisted)
		}
		s.targets[t.Name] = &targetRuntime{target: t, phase: Idle, mode: mode}
	}

	return s
}

// Events is the queue every event source feeds.
func (s *Scheduler) Events() chan<- Event {
	return s.events
}

// Run executes the loop until ctx is cancelled (watch mode) or the first
// drain completes (one-shot mode). The returned error is non-nil when a
// fatal condition ended the loop or, in one-shot mode, when any target
// failed.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, t := range s.cfg.EnabledTargets() {
		if t.Err != nil {
			rt := s.targets[t.Name]
			rt.err = t.Err
			s.logger.Error(t.Err, "target disabled by configuration error", "target", t.Name)
			continue
		}
		s.touch(s.targets[t.Name])
	}

	for {
		s.dispatch(ctx)

		if s.quiescent() {
			s.onQuiescence()

			if !s.opts.WatchMode || s.draining || s.fatal != nil {
				return s.exitError()
			}
		}

		select {
		case <-ctx.Done():
			s.beginDrain()
			if s.inflight == 0 {
				return s.exitError()
			}

		case event := <-s.events:
			s.handle(ctx, event)
			if (s.fatal != nil || s.draining) && s.inflight == 0 {
				return s.exitError()
			}
		}
	}
}

func (s *Scheduler) exitError() error {
	if s.fatal != nil {
		return s.fatal
	}
	if !s.opts.WatchMode {
		for _, rt := range s.targets {
			if rt.err != nil || rt.phase == Failed {
				return fmt.Errorf("compilation failed")
			}
		}
	}

	return nil
}

// quiescent reports whether no work is running or queued.
func (s *Scheduler) quiescent() bool {
	if s.inflight > 0 {
		return false
	}
	for _, rt := range s.targets {
		switch rt.phase {
		case QueuedForElmMake, QueuedForPostprocess:
			return false
		}
	}

	return true
}

// onQuiescence runs the stuck-in-progress watchdog, settles terminal
// phases back to Idle, and lets the postprocess pool retire workers.
func (s *Scheduler) onQuiescence() {
	for name, rt := range s.targets {
		if rt.phase.Active() {
			err := watcherr.New(
				watcherr.KindScheduler, watcherr.CodeStuckInProgress,
				fmt.Sprintf("target %q is stuck in phase %s with no work in flight", name, rt.phase),
			)
			s.logger.Error(err, "scheduler self-check failed", "target", name)
			s.reportError(rt, err)
		}

		switch rt.phase {
		case Succeeded, Failed:
			s.advance(rt, Idle)
		}
	}

	if !s.roundReported && s.opts.Pool != nil {
		active := 0
		for _, rt := range s.targets {
			if rt.target.Enabled && rt.sessions > 0 {
				active++
			}
		}
		s.opts.Pool.RoundDone(active)
		s.roundReported = true
	}
}

// advance moves a target to the next phase, enforcing the transition
// table.
func (s *Scheduler) advance(rt *targetRuntime, to Phase) {
	if !Allowed(rt.phase, to) {
		s.logger.Error(nil, "illegal state transition",
			"target", rt.target.Name, "from", rt.phase.String(), "to", to.String())
		return
	}

	s.logger.Debug("state transition",
		"target", rt.target.Name, "from", rt.phase.String(), "to", to.String())
	rt.phase = to
}

// touch queues a target for a rebuild, interrupting in-flight work.
// Multiple touches while queued coalesce into one build.
func (s *Scheduler) touch(rt *targetRuntime) {
	if rt.target.Err != nil {
		return
	}

	s.roundReported = false

	switch rt.phase {
	case Idle:
		s.advance(rt, QueuedForElmMake)

	case Succeeded, Failed:
		s.advance(rt, Idle)
		s.advance(rt, QueuedForElmMake)

	case QueuedForElmMake, Interrupted:
		// Already on its way to a fresh build; coalesce.

	case QueuedForPostprocess:
		s.advance(rt, Interrupted)
		s.advance(rt, QueuedForElmMake)

	case ElmMake, Postprocess:
		// Cooperative interruption: the worker's context is cancelled
		// and the target re-queues once the child has actually exited.
		s.advance(rt, Interrupted)
		if rt.cancel != nil {
			rt.cancel()
		}

	case ElmMakeDone, Injecting, Writing:
		// Loop-synchronous phases; mark dirty so the round re-queues.
		rt.dirty = true
	}
}

// dispatch starts work for queued targets while slots remain.
func (s *Scheduler) dispatch(ctx context.Context) {
	if s.draining {
		return
	}

	for s.inflight < s.opts.Env.MaxParallel {
		rt := s.nextQueued()
		if rt == nil {
			return
		}

		switch rt.phase {
		case QueuedForElmMake:
			s.startCompile(ctx, rt)
		case QueuedForPostprocess:
			s.startPostprocess(ctx, rt)
		}
	}
}

// nextQueued picks the highest-priority queued target: focused, then
// connected, then the rest; declaration order within a tier.
func (s *Scheduler) nextQueued() *targetRuntime {
	var queued []*targetRuntime
	for _, rt := range s.targets {
		if rt.phase == QueuedForElmMake || rt.phase == QueuedForPostprocess {
			queued = append(queued, rt)
		}
	}
	if len(queued) == 0 {
		return nil
	}

	tier := func(rt *targetRuntime) int {
		switch {
		case rt.target.Name == s.focused:
			return 0
		case rt.sessions > 0:
			return 1
		default:
			return 2
		}
	}

	sort.SliceStable(queued, func(i, j int) bool {
		ti, tj := tier(queued[i]), tier(queued[j])
		if ti != tj {
			return ti < tj
		}

		return queued[i].target.Index < queued[j].target.Index
	})

	return queued[0]
}

// startCompile launches the ElmMake phase on a worker goroutine.
func (s *Scheduler) startCompile(ctx context.Context, rt *targetRuntime) {
	s.advance(rt, ElmMake)

	rt.fullBuild = !s.opts.WatchMode || rt.sessions > 0
	rt.artifact = nil
	rt.dirty = false

	workCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	s.inflight++

	s.broadcast(rt, protocol.StatusChanged{Status: protocol.Status{Tag: protocol.StatusBusy}})

	name := rt.target.Name
	target := rt.target
	mode := rt.mode
	fullBuild := rt.fullBuild
	stale := s.opts.Graph.Stale(name) || len(s.opts.Graph.DependencySet(name)) == 0

	loading := time.AfterFunc(s.opts.Env.LoadingMessageDelay, func() {
		s.record(fmt.Sprintf("still compiling: %s", name))
	})

	go func() {
		defer cancel()
		defer loading.Stop()

		if stale {
			if err := s.opts.Graph.Rebuild(target); err != nil {
				s.events <- compileDone{name: name, result: compiler.Result{Err: err}}
				return
			}
		}

		req := compiler.Request{
			Inputs:      target.AbsoluteInputs,
			Output:      s.stagingPath(target),
			Mode:        mode,
			ProjectFile: target.ElmJSONPath,
			ReportJSON:  true,
		}

		var result compiler.Result
		if fullBuild {
			result = s.opts.Driver.Compile(workCtx, req)
		} else {
			result = s.opts.Driver.TypecheckOnly(workCtx, req)
		}

		s.events <- compileDone{name: name, result: result}
	}()
}

// stagingPath is where the compiler writes before postprocess and the
// atomic rename into place.
func (s *Scheduler) stagingPath(target *config.Target) string {
	dir := s.opts.Env.TmpDir
	if dir == "" {
		dir = os.TempDir()
	}

	return filepath.Join(dir, fmt.Sprintf("elm-watch-%d-%s.js", os.Getpid(), sanitize(target.Name)))
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}

	return string(out)
}

// startPostprocess launches the Postprocess phase on a worker goroutine.
func (s *Scheduler) startPostprocess(ctx context.Context, rt *targetRuntime) {
	s.advance(rt, Postprocess)

	workCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	s.inflight++

	name := rt.target.Name
	req := postprocess.Request{
		Code:            rt.artifact,
		TargetName:      name,
		CompilationMode: rt.mode,
		RunMode:         s.runMode(),
		Command:         rt.target.Postprocess,
		WorkDir:         filepath.Dir(s.cfg.Path.String()),
	}

	go func() {
		defer cancel()

		code, err := s.opts.Pool.Run(workCtx, req)
		s.events <- postprocessDone{name: name, code: code, err: err}
	}()
}

func (s *Scheduler) runMode() string {
	if s.opts.WatchMode {
		return "hot"
	}

	return "make"
}

func (s *Scheduler) broadcast(rt *targetRuntime, msg protocol.ServerMessage) {
	if s.opts.Sink != nil {
		s.opts.Sink.Broadcast(rt.target.Name, msg)
	}
}

func (s *Scheduler) record(description string) {
	if s.opts.Ring != nil {
		s.opts.Ring.Add(time.Now(), description)
	}
}

// handle processes one event on the loop goroutine.
func (s *Scheduler) handle(ctx context.Context, event Event) {
	switch e := event.(type) {
	case FileEvents:
		s.handleFileEvents(ctx, e.Batch)

	case WatcherFailed:
		s.fatal = e.Err
		s.beginDrain()

	case SessionConnected:
		if rt, ok := s.targets[e.TargetName]; ok {
			rt.sessions++
			s.record(fmt.Sprintf("web socket connected for: %s", e.TargetName))
			// Only a full build yields an artifact for the new session,
			// so a typecheck-only success must rebuild.
			if !rt.fullBuild || rt.artifact == nil || rt.phase == Failed {
				s.touch(rt)
			} else {
				s.deliverArtifact(rt)
			}
		}

	case SessionDisconnected:
		if rt, ok := s.targets[e.TargetName]; ok && rt.sessions > 0 {
			rt.sessions--
			s.record(fmt.Sprintf("web socket disconnected for: %s", e.TargetName))
		}

	case FocusedTarget:
		s.focused = e.TargetName

	case ModeChanged:
		if rt, ok := s.targets[e.TargetName]; ok {
			rt.mode = e.Mode
			entry := s.persisted.Target(e.TargetName)
			entry.CompilationMode = string(e.Mode)
			s.persisted.SetTarget(e.TargetName, entry)
			s.persistState()
			s.record(fmt.Sprintf("changed compilation mode to %s for: %s", e.Mode, e.TargetName))
			s.touch(rt)
		}

	case UiPositionChanged:
		entry := s.persisted.Target(e.TargetName)
		entry.BrowserUiPosition = string(e.Position)
		s.persisted.SetTarget(e.TargetName, entry)
		s.persistState()

	case OverlayChanged:
		entry := s.persisted.Target(e.TargetName)
		open := e.Open
		entry.OpenErrorOverlay = &open
		s.persisted.SetTarget(e.TargetName, entry)
		s.persistState()

	case Shutdown:
		s.beginDrain()

	case compileDone:
		s.handleCompileDone(e)

	case postprocessDone:
		s.handlePostprocessDone(e)

	case installDone:
		if e.err != nil {
			s.logger.Error(e.err, "dependency install failed")
			s.record("dependency install failed")
			if s.opts.Env.ExitOnError {
				s.fatal = e.err
			}
		} else {
			s.record("dependencies reinstalled")
		}
		s.inflight--
		for _, t := range s.cfg.EnabledTargets() {
			s.opts.Graph.Invalidate(t.Name)
			s.touch(s.targets[t.Name])
		}
	}
}

// beginDrain cancels in-flight work and stops new dispatches.
func (s *Scheduler) beginDrain() {
	if s.draining {
		return
	}
	s.draining = true

	for _, rt := range s.targets {
		if rt.phase.Active() && rt.cancel != nil {
			rt.cancel()
		}
	}
}

// handleFileEvents classifies one debounced batch.
func (s *Scheduler) handleFileEvents(ctx context.Context, batch []watcher.Event) {
	needsInstall := false

	for _, event := range batch {
		switch {
		case event.Path == s.cfg.Path:
			s.record(fmt.Sprintf("%s %s", event.Kind, event.Path))
			s.reloadConfig()

		case s.isProjectFile(event.Path):
			s.record(fmt.Sprintf("%s %s", event.Kind, event.Path))
			needsInstall = true

		default:
			affected := s.opts.Graph.AffectedBy(event.Path, s.cfg)
			if len(affected) == 0 {
				s.record(fmt.Sprintf("FYI: %s %s (not imported by any target)", event.Kind, event.Path))
				continue
			}

			s.record(fmt.Sprintf("%s %s", event.Kind, event.Path))
			for _, name := range affected {
				s.opts.Graph.Invalidate(name)
				s.touch(s.targets[name])
			}
		}
	}

	if needsInstall {
		s.startInstall(ctx)
	}
}

func (s *Scheduler) isProjectFile(path paths.AbsolutePath) bool {
	for _, t := range s.cfg.EnabledTargets() {
		if t.ElmJSONPath == path {
			return true
		}
	}

	return false
}

// startInstall reinstalls dependencies for every project file, then
// rebuilds everything.
func (s *Scheduler) startInstall(ctx context.Context) {
	projects := make(map[paths.AbsolutePath]bool)
	for _, t := range s.cfg.EnabledTargets() {
		if t.ElmJSONPath != "" {
			projects[t.ElmJSONPath] = true
		}
	}

	s.inflight++
	go func() {
		var firstErr error
		for project := range projects {
			if err := s.opts.Driver.InstallDependencies(ctx, project); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.events <- installDone{err: firstErr}
	}()
}

// reloadConfig re-reads elm-watch.json. On failure the previous
// configuration stays in effect until the next successful reload.
func (s *Scheduler) reloadConfig() {
	fresh, err := config.Load(s.cfg.Path)
	if err != nil {
		s.logger.Error(err, "configuration reload failed; keeping the previous configuration")
		s.record("configuration reload failed")
		if s.opts.Env.ExitOnError {
			s.fatal = err
		}
		return
	}

	// Interrupt everything from the old world before swapping.
	for _, rt := range s.targets {
		if rt.phase.Active() && rt.cancel != nil {
			s.advance(rt, Interrupted)
			rt.cancel()
		}
	}

	old := s.targets
	s.cfg = fresh
	s.targets = make(map[string]*targetRuntime)
	for _, t := range fresh.Targets {
		rt := &targetRuntime{target: t, phase: Idle, mode: protocol.ModeStandard}
		if prev, ok := old[t.Name]; ok {
			rt.sessions = prev.sessions
			rt.mode = prev.mode
			// Keep an in-flight interruption visible so its completion
			// event re-queues instead of racing a fresh dispatch.
			if prev.phase == Interrupted {
				rt.phase = Interrupted
			}
		}
		s.targets[t.Name] = rt
	}

	s.record("configuration reloaded")

	// Sessions carried over were compiled against the old configuration;
	// tell them to reload rather than wait for the next compile result.
	for _, rt := range s.targets {
		if rt.sessions > 0 {
			s.broadcast(rt, protocol.StatusChanged{
				Status: protocol.Status{Tag: protocol.StatusReload},
			})
		}
	}

	for _, t := range fresh.EnabledTargets() {
		s.opts.Graph.Invalidate(t.Name)
		s.touch(s.targets[t.Name])
	}
}

// handleCompileDone advances the state machine after an ElmMake phase.
func (s *Scheduler) handleCompileDone(e compileDone) {
	s.inflight--

	rt, ok := s.targets[e.name]
	if !ok {
		return
	}
	rt.cancel = nil

	if rt.phase == Interrupted {
		// The child has exited; safe to re-queue.
		s.advance(rt, QueuedForElmMake)
		return
	}
	if rt.phase != ElmMake {
		return
	}

	result := e.result
	switch {
	case result.Err != nil:
		s.advance(rt, Failed)
		s.reportError(rt, result.Err)

	case result.Errors != nil:
		s.advance(rt, Failed)
		rt.err = fmt.Errorf("compile error: %s", result.Errors.FirstTitle())
		s.logger.Error(nil, "compile error", "target", e.name, "title", result.Errors.FirstTitle())
		s.record(fmt.Sprintf("compile error for: %s", e.name))
		s.broadcastCompileError(rt, result.Errors)
		if s.opts.Env.ExitOnError {
			s.fatal = fmt.Errorf("compile error for %s", e.name)
		}

	default:
		rt.err = nil
		rt.artifact = result.Artifact
		rt.builtAt = time.Now().UnixMilli()
		s.advance(rt, ElmMakeDone)
		s.continuePipeline(rt)
	}
}

// continuePipeline runs the loop-synchronous tail of a round: queueing
// postprocess, injecting, and writing.
func (s *Scheduler) continuePipeline(rt *targetRuntime) {
	if rt.fullBuild && len(rt.target.Postprocess) > 0 {
		s.advance(rt, QueuedForPostprocess)
		return
	}

	s.finishRound(rt)
}

// handlePostprocessDone advances the state machine after a Postprocess
// phase.
func (s *Scheduler) handlePostprocessDone(e postprocessDone) {
	s.inflight--

	rt, ok := s.targets[e.name]
	if !ok {
		return
	}
	rt.cancel = nil

	if rt.phase == Interrupted {
		s.advance(rt, QueuedForElmMake)
		return
	}
	if rt.phase != Postprocess {
		return
	}

	if e.err != nil {
		s.advance(rt, Failed)
		s.reportError(rt, e.err)
		return
	}

	rt.artifact = e.code
	s.finishRound(rt)
}

// finishRound performs Injecting and Writing on the loop goroutine, then
// settles the target. Nothing is written on any failure, so the existing
// output survives.
func (s *Scheduler) finishRound(rt *targetRuntime) {
	var injectErr error

	if rt.fullBuild && s.opts.WatchMode && s.opts.WsURL != nil {
		s.advance(rt, Injecting)
		injected, err := inject.Inject(
			rt.artifact, rt.target.Name, s.opts.WsURL(rt.target.Name), rt.builtAt,
		)
		if err != nil {
			injectErr = err
		} else {
			rt.artifact = injected
		}
		s.advance(rt, Writing)
	} else {
		s.advance(rt, Injecting)
		s.advance(rt, Writing)
	}

	if injectErr != nil {
		s.advance(rt, Failed)
		s.reportError(rt, injectErr)
		return
	}

	if rt.fullBuild {
		if err := s.writeOutput(rt); err != nil {
			s.advance(rt, Failed)
			s.reportError(rt, err)
			return
		}
	}

	s.advance(rt, Succeeded)
	s.logger.Info("build succeeded", "target", rt.target.Name, "fullBuild", rt.fullBuild)

	if rt.fullBuild {
		s.deliverArtifact(rt)
	} else {
		s.broadcast(rt, protocol.StatusChanged{
			Status: protocol.Status{Tag: protocol.StatusAlreadyUpToDate},
		})
	}

	if rt.dirty {
		rt.dirty = false
		s.touch(rt)
	}
}

// deliverArtifact sends the full code to the target's sessions. An
// optimize-mode build whose record-field mangling changed cannot be
// hot-patched; those sessions are told to reload instead.
func (s *Scheduler) deliverArtifact(rt *targetRuntime) {
	if rt.mode == protocol.ModeOptimize {
		signature := recordFieldSignature(rt.artifact)
		changed := rt.fieldSignature != "" && signature != rt.fieldSignature
		rt.fieldSignature = signature
		if changed {
			s.broadcast(rt, protocol.SuccessfullyCompiledButRecordFieldsChanged{})
			return
		}
	} else {
		rt.fieldSignature = ""
	}

	position := protocol.PositionBottomLeft
	if persisted := s.persisted.Target(rt.target.Name).BrowserUiPosition; persisted != "" {
		position = protocol.BrowserUiPosition(persisted)
	}

	s.broadcast(rt, protocol.SuccessfullyCompiled{
		Code:                 string(rt.artifact),
		ElmCompiledTimestamp: rt.builtAt,
		CompilationMode:      rt.mode,
		BrowserUiPosition:    position,
	})
}

// writeOutput writes the artifact atomically: a temp file in the output
// directory, then a rename over the destination.
func (s *Scheduler) writeOutput(rt *targetRuntime) error {
	output := rt.target.AbsoluteOutput.String()
	dir := filepath.Dir(output)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return watcherr.NewFilesystem(
			watcherr.CodeTroubleWritingFile, "could not create the output directory", err,
		).WithPath(dir)
	}

	tmp, err := os.CreateTemp(dir, ".elm-watch-*.js.tmp")
	if err != nil {
		return watcherr.NewFilesystem(
			watcherr.CodeTroubleWritingFile, "could not stage the output", err,
		).WithPath(output)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(rt.artifact); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return watcherr.NewFilesystem(
			watcherr.CodeTroubleWritingFile, "could not write the output", err,
		).WithPath(output)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return watcherr.NewFilesystem(
			watcherr.CodeTroubleWritingFile, "could not finish writing the output", err,
		).WithPath(output)
	}

	if err := os.Rename(tmpName, output); err != nil {
		os.Remove(tmpName)

		return watcherr.NewFilesystem(
			watcherr.CodeTroubleWritingFile, "could not replace the output", err,
		).WithPath(output)
	}

	return nil
}

// reportError records a target failure and pushes it to the overlay.
func (s *Scheduler) reportError(rt *targetRuntime, err error) {
	rt.err = err
	s.logger.Error(err, "build failed", "target", rt.target.Name)
	s.record(fmt.Sprintf("build failed for: %s", rt.target.Name))
	s.broadcast(rt, protocol.StatusChanged{
		Status: protocol.Status{Tag: protocol.StatusClientError, Message: err.Error()},
	})

	if s.opts.Env.ExitOnError {
		s.fatal = err
	}
}

// broadcastCompileError renders the structured report for the overlay.
func (s *Scheduler) broadcastCompileError(rt *targetRuntime, report *compiler.Report) {
	diagnostic := report.FirstTitle()
	if report.Type == "compile-errors" {
		for _, fileError := range report.Errors {
			for _, problem := range fileError.Problems {
				diagnostic = fmt.Sprintf(
					"%s\n%s:%d:%d %s",
					problem.Title, fileError.Path,
					problem.Region.Start.Line, problem.Region.Start.Column,
					compiler.Plain(problem.Message),
				)
				break
			}
			break
		}
	} else if len(report.Message) > 0 {
		diagnostic = fmt.Sprintf("%s\n%s", report.Title, compiler.Plain(report.Message))
	}

	s.broadcast(rt, protocol.StatusChanged{
		Status: protocol.Status{Tag: protocol.StatusCompileError, Diagnostic: diagnostic},
	})
}

// persistState writes the persisted-state file; failures are warnings,
// not stops.
func (s *Scheduler) persistState() {
	if s.opts.StatePath == "" {
		return
	}
	if err := state.Write(s.opts.StatePath, s.persisted); err != nil {
		s.logger.Warn(err, "could not write persisted state")
	}
}

// PersistedSnapshot returns the current persisted state, for tests and
// for the hub's initial handshake.
func (s *Scheduler) PersistedSnapshot() state.PersistedState {
	return s.persisted
}
