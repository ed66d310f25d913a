package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/conneroisu/elm-watch-go/internal/protocol"
)

// openEditor runs the user's configured editor command for a
// PressedOpenEditor request. The command comes from ELM_WATCH_OPEN_EDITOR
// and runs through the shell with the clicked location exported as
// ELM_WATCH_FILE, ELM_WATCH_LINE, and ELM_WATCH_COLUMN. Any failure,
// timeout included, is reported back to the requesting session only.
func (h *Hub) openEditor(s *session, req protocol.PressedOpenEditor) {
	command := h.env.OpenEditorCommand
	if command == "" {
		s.pushMessage(protocol.OpenEditorFailed{
			Error: "the ELM_WATCH_OPEN_EDITOR environment variable is not set",
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.env.OpenEditorTimeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/c", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}

	cmd.Env = append(os.Environ(),
		"ELM_WATCH_FILE="+req.File,
		fmt.Sprintf("ELM_WATCH_LINE=%d", req.Line),
		fmt.Sprintf("ELM_WATCH_COLUMN=%d", req.Column),
	)
	// Background processes started by the command must not keep the
	// output pipes, and so this call, open past the timeout.
	cmd.WaitDelay = h.env.OpenEditorTimeout

	output, err := cmd.CombinedOutput()
	if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		message := fmt.Sprintf("editor command failed: %v", err)
		if ctx.Err() == context.DeadlineExceeded {
			message = fmt.Sprintf(
				"editor command timed out after %s", h.env.OpenEditorTimeout,
			)
		}
		if len(output) > 0 {
			message += "\n" + string(output)
		}

		h.logger.Warn(err, "editor open failed", "file", req.File)
		s.pushMessage(protocol.OpenEditorFailed{Error: message})
		return
	}

	h.logger.Debug("opened editor", "file", req.File, "line", req.Line)
}
