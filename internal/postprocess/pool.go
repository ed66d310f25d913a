// Package postprocess applies user-supplied transformations to compiled
// artifacts.
//
// A postprocess entry is an argv list. A first token of "elm-watch-node"
// names a plug-in script evaluated inside a long-lived worker process;
// anything else is an external command receiving the artifact on stdin
// and answering on stdout. Workers are reused across build rounds and
// retired under an idle policy once there are more of them than active
// targets plus one.
package postprocess

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/conneroisu/elm-watch-go/internal/logging"
	"github.com/conneroisu/elm-watch-go/internal/protocol"
	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

// Request is one postprocess invocation.
type Request struct {
	// Code is the artifact to transform.
	Code []byte
	// TargetName identifies the target for the plug-in.
	TargetName string
	// CompilationMode is passed through to the plug-in.
	CompilationMode protocol.CompilationMode
	// RunMode is "hot" in watch mode, "make" otherwise.
	RunMode string
	// Command is the configured argv list.
	Command []string
	// WorkDir is the directory commands and scripts run in.
	WorkDir string
}

// Pool bounds and reuses postprocess workers.
type Pool struct {
	max         int
	idleTimeout time.Duration
	logger      logging.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*worker
	busy    int
	closed  bool
	retire  *time.Timer
}

// NewPool creates a pool of at most max workers.
func NewPool(max int, idleTimeout time.Duration, logger logging.Logger) *Pool {
	if max < 1 {
		max = 1
	}

	p := &Pool{
		max:         max,
		idleTimeout: idleTimeout,
		logger:      logger.WithComponent("postprocess"),
	}
	p.cond = sync.NewCond(&p.mu)

	return p
}

// Run applies the request's postprocess and returns the replacement
// artifact. The command form is stateless; the elm-watch-node form
// borrows a pooled worker.
func (p *Pool) Run(ctx context.Context, req Request) ([]byte, error) {
	if len(req.Command) == 0 {
		return req.Code, nil
	}

	if req.Command[0] == "elm-watch-node" {
		return p.runScript(ctx, req)
	}

	return runExternal(ctx, req)
}

// runScript borrows (or spawns) a worker for the script and evaluates
// the plug-in in it. A crashed worker is evicted; the next work item
// gets a fresh one.
func (p *Pool) runScript(ctx context.Context, req Request) ([]byte, error) {
	if len(req.Command) < 2 {
		return nil, watcherr.NewPostprocess(
			watcherr.CodeMissingPostprocessScript,
			"elm-watch-node needs a script path after it",
			nil,
		)
	}
	scriptPath := req.Command[1]
	if !filepath.IsAbs(scriptPath) {
		scriptPath = filepath.Join(req.WorkDir, scriptPath)
	}

	w, err := p.acquire(ctx, scriptPath, req.WorkDir)
	if err != nil {
		return nil, err
	}

	code, err := w.run(ctx, req)
	if err != nil {
		if w.broken() {
			p.evict(w)
		} else {
			p.release(w)
		}

		return nil, err
	}

	p.release(w)

	return code, nil
}

// acquire returns an idle worker for scriptPath, spawning one when the
// pool is under its cap, or waits for a release.
func (p *Pool) acquire(ctx context.Context, scriptPath, workDir string) (*worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, watcherr.NewPostprocess(
				watcherr.CodePostprocessRunError, "the postprocess pool is shut down", nil,
			)
		}

		// Prefer a worker already warmed up with this script.
		for i, w := range p.idle {
			if w.scriptPath == scriptPath {
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				p.busy++

				return w, nil
			}
		}

		if p.busy+len(p.idle) < p.max {
			p.busy++
			p.mu.Unlock()
			w, err := spawnWorker(scriptPath, workDir, p.logger)
			p.mu.Lock()
			if err != nil {
				p.busy--
				p.cond.Signal()

				return nil, err
			}

			return w, nil
		}

		// At the cap with no matching idle worker: retire a mismatched
		// idle one to make room, otherwise wait for a release.
		if len(p.idle) > 0 {
			victim := p.idle[0]
			p.idle = p.idle[1:]
			victim.stop()
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, watcherr.NewPostprocess(
				watcherr.CodePostprocessRunError, "postprocess cancelled", err,
			)
		}
		p.cond.Wait()
	}
}

func (p *Pool) release(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.busy--
	if p.closed {
		w.stop()
	} else {
		p.idle = append(p.idle, w)
	}
	p.cond.Signal()
}

func (p *Pool) evict(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.busy--
	w.stop()
	p.cond.Signal()
	p.logger.Warn(nil, "evicted a crashed postprocess worker", "script", w.scriptPath)
}

// RoundDone tells the pool a build round has completed with the given
// number of active targets. Workers exceeding activeTargets+1 are
// retired after the idle timeout.
func (p *Pool) RoundDone(activeTargets int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.retire != nil {
		p.retire.Stop()
	}

	limit := activeTargets + 1
	p.retire = time.AfterFunc(p.idleTimeout, func() {
		p.retireDownTo(limit)
	})
}

func (p *Pool) retireDownTo(limit int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.busy + len(p.idle)
	retired := 0
	for total > limit && len(p.idle) > 0 {
		w := p.idle[0]
		p.idle = p.idle[1:]
		w.stop()
		total--
		retired++
	}

	if retired > 0 {
		p.logger.Info(fmt.Sprintf("Terminated %d superfluous workers", retired))
	}
}

// WorkerCount reports how many workers currently exist.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.busy + len(p.idle)
}

// Close stops every worker and rejects further work.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.retire != nil {
		p.retire.Stop()
	}
	for _, w := range p.idle {
		w.stop()
	}
	p.idle = nil
	p.cond.Broadcast()
}
