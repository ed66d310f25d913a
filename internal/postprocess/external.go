package postprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

// runExternal pipes the artifact to an external command; its stdout
// becomes the new artifact. Extra argv entries after the command are
// passed through, followed by run metadata the way plug-ins receive it.
func runExternal(ctx context.Context, req Request) ([]byte, error) {
	argv := append([]string{}, req.Command[1:]...)
	argv = append(argv, req.TargetName, string(req.CompilationMode), req.RunMode)

	cmd := exec.CommandContext(ctx, req.Command[0], argv...)
	cmd.Dir = req.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, watcherr.NewPostprocess(
			watcherr.CodePostprocessStdinTrouble, "could not open the command's stdin", err,
		)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, watcherr.NewPostprocess(
				watcherr.CodeCommandNotFound,
				fmt.Sprintf("could not find the postprocess command %q", req.Command[0]),
				err,
			)
		}

		return nil, watcherr.NewPostprocess(
			watcherr.CodePostprocessRunError, "could not start the postprocess command", err,
		)
	}

	_, writeErr := stdin.Write(req.Code)
	closeErr := stdin.Close()

	waitErr := cmd.Wait()

	// A failed stdin write usually means the command exited early; the
	// pipe error wins only when the command itself looked healthy.
	if writeErr != nil && waitErr == nil {
		return nil, watcherr.NewPostprocess(
			watcherr.CodePostprocessStdinTrouble, "could not write the artifact to the command", writeErr,
		)
	}
	if closeErr != nil && waitErr == nil {
		return nil, watcherr.NewPostprocess(
			watcherr.CodePostprocessStdinTrouble, "could not finish writing to the command", closeErr,
		)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				return nil, watcherr.NewPostprocess(
					watcherr.CodePostprocessRunError,
					fmt.Sprintf("the postprocess command was terminated by signal %s", status.Signal()),
					nil,
				).WithContext("stderr", stderr.String())
			}

			return nil, watcherr.NewPostprocess(
				watcherr.CodePostprocessNonZeroExit,
				fmt.Sprintf("the postprocess command exited with status %d", exitErr.ExitCode()),
				nil,
			).WithContext("stderr", stderr.String())
		}

		return nil, watcherr.NewPostprocess(
			watcherr.CodePostprocessRunError, "the postprocess command failed", waitErr,
		)
	}

	return stdout.Bytes(), nil
}
