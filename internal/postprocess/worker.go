package postprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/conneroisu/elm-watch-go/internal/logging"
	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

// runnerSource is the JavaScript shim each worker process runs. It loads
// the plug-in once, validates its surface, and then serves run requests
// over stdin/stdout JSON lines.
const runnerSource = `
const readline = require("readline");
const rl = readline.createInterface({ input: process.stdin, terminal: false });
let fn = null;
function reply(msg) { process.stdout.write(JSON.stringify(msg) + "\n"); }
rl.on("line", (line) => {
  let msg;
  try { msg = JSON.parse(line); } catch (e) { reply({ tag: "ProtocolError", error: String(e) }); return; }
  if (msg.tag === "Load") {
    try {
      const loaded = require(msg.scriptPath);
      fn = loaded && loaded.__esModule ? loaded.default : loaded;
      if (typeof fn !== "function") { reply({ tag: "NoDefaultExport" }); fn = null; }
      else { reply({ tag: "Loaded" }); }
    } catch (e) { reply({ tag: "ImportError", error: String((e && e.stack) || e) }); }
  } else if (msg.tag === "Run") {
    Promise.resolve()
      .then(() => fn({ code: msg.code, targetName: msg.targetName, compilationMode: msg.compilationMode, runMode: msg.runMode, argv: msg.argv }))
      .then((result) => {
        if (typeof result !== "string") { reply({ tag: "InvalidResult", got: typeof result }); }
        else { reply({ tag: "Success", code: result }); }
      })
      .catch((e) => { reply({ tag: "RunError", error: String((e && e.stack) || e) }); });
  }
});
`

// worker is one long-lived plug-in evaluator.
type worker struct {
	scriptPath string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	replies    *bufio.Reader
	logger     logging.Logger

	mu     sync.Mutex
	dead   bool
}

type workerReply struct {
	Tag   string `json:"tag"`
	Code  string `json:"code"`
	Error string `json:"error"`
	Got   string `json:"got"`
}

// spawnWorker starts a node process running the shim and loads the
// plug-in into it.
func spawnWorker(scriptPath, workDir string, logger logging.Logger) (*worker, error) {
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, watcherr.NewPostprocess(
			watcherr.CodeMissingPostprocessScript, "could not find the postprocess script", err,
		).WithPath(scriptPath)
	}

	cmd := exec.Command("node", "--input-type=commonjs", "-e", runnerSource)
	cmd.Dir = workDir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, watcherr.NewPostprocess(
			watcherr.CodePostprocessRunError, "could not open the worker's stdin", err,
		)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, watcherr.NewPostprocess(
			watcherr.CodePostprocessRunError, "could not open the worker's stdout", err,
		)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, watcherr.NewPostprocess(
				watcherr.CodeCommandNotFound, "could not find node to run the postprocess script", err,
			).WithPath(scriptPath)
		}

		return nil, watcherr.NewPostprocess(
			watcherr.CodePostprocessRunError, "could not start the postprocess worker", err,
		)
	}

	w := &worker{
		scriptPath: scriptPath,
		cmd:        cmd,
		stdin:      stdin,
		replies:    bufio.NewReaderSize(stdout, 1024*1024),
		logger:     logger,
	}

	reply, err := w.exchange(map[string]any{"tag": "Load", "scriptPath": scriptPath})
	if err != nil {
		w.stop()

		return nil, err
	}

	switch reply.Tag {
	case "Loaded":
		return w, nil
	case "NoDefaultExport":
		w.stop()

		return nil, watcherr.NewPostprocess(
			watcherr.CodeMissingPostprocessDefaultExport,
			"the postprocess script has no default export function",
			nil,
		).WithPath(scriptPath)
	case "ImportError":
		w.stop()

		return nil, watcherr.NewPostprocess(
			watcherr.CodePostprocessImportError, "could not import the postprocess script",
			errors.New(reply.Error),
		).WithPath(scriptPath)
	default:
		w.stop()

		return nil, watcherr.NewPostprocess(
			watcherr.CodePostprocessRunError,
			fmt.Sprintf("unexpected worker reply %q while loading", reply.Tag),
			nil,
		).WithPath(scriptPath)
	}
}

// run evaluates the plug-in against one artifact. Cancellation kills the
// worker process; the pool evicts it afterwards.
func (w *worker) run(ctx context.Context, req Request) ([]byte, error) {
	type outcome struct {
		reply workerReply
		err   error
	}

	result := make(chan outcome, 1)
	go func() {
		reply, err := w.exchange(map[string]any{
			"tag":             "Run",
			"code":            string(req.Code),
			"targetName":      req.TargetName,
			"compilationMode": string(req.CompilationMode),
			"runMode":         req.RunMode,
			"argv":            req.Command[2:],
		})
		result <- outcome{reply: reply, err: err}
	}()

	select {
	case <-ctx.Done():
		w.stop()

		return nil, watcherr.NewPostprocess(
			watcherr.CodePostprocessRunError, "postprocess interrupted", ctx.Err(),
		)

	case out := <-result:
		if out.err != nil {
			return nil, out.err
		}

		switch out.reply.Tag {
		case "Success":
			return []byte(out.reply.Code), nil
		case "RunError":
			return nil, watcherr.NewPostprocess(
				watcherr.CodePostprocessRunError, "the postprocess script threw",
				errors.New(out.reply.Error),
			).WithPath(w.scriptPath)
		case "InvalidResult":
			return nil, watcherr.NewPostprocess(
				watcherr.CodeInvalidPostprocessResult,
				fmt.Sprintf("the postprocess script returned %s, expected a string", out.reply.Got),
				nil,
			).WithPath(w.scriptPath)
		default:
			return nil, watcherr.NewPostprocess(
				watcherr.CodePostprocessRunError,
				fmt.Sprintf("unexpected worker reply %q", out.reply.Tag),
				nil,
			).WithPath(w.scriptPath)
		}
	}
}

// exchange writes one request line and reads one reply line.
func (w *worker) exchange(msg map[string]any) (workerReply, error) {
	line, err := json.Marshal(msg)
	if err != nil {
		return workerReply{}, watcherr.NewPostprocess(
			watcherr.CodePostprocessRunError, "could not encode the worker request", err,
		)
	}
	line = append(line, '\n')

	if _, err := w.stdin.Write(line); err != nil {
		w.markDead()

		return workerReply{}, watcherr.NewPostprocess(
			watcherr.CodePostprocessStdinTrouble, "could not write to the postprocess worker", err,
		)
	}

	replyLine, err := w.replies.ReadBytes('\n')
	if err != nil {
		w.markDead()

		return workerReply{}, watcherr.NewPostprocess(
			watcherr.CodePostprocessRunError, "the postprocess worker died", err,
		)
	}

	var reply workerReply
	if err := json.Unmarshal(replyLine, &reply); err != nil {
		w.markDead()

		return workerReply{}, watcherr.NewPostprocess(
			watcherr.CodePostprocessRunError, "could not decode the worker reply", err,
		)
	}

	return reply, nil
}

func (w *worker) markDead() {
	w.mu.Lock()
	w.dead = true
	w.mu.Unlock()
}

func (w *worker) broken() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.dead
}

// stop terminates the worker process and reaps it.
func (w *worker) stop() {
	w.markDead()
	if w.stdin != nil {
		_ = w.stdin.Close()
	}
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
		_ = w.cmd.Wait()
	}
}
