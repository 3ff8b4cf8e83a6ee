package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"autopanel/internal/task/model"
)

// command runs the payload through `<shell> -c`. A non-zero exit is a failure
// carrying the tail of the combined output.
func (x *Executor) command(ctx context.Context, t *model.Task) error {
	p, timeout, err := decodeCommandPayload(t.Payload)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = x.cfg.CommandTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, x.cfg.Shell, "-c", p.Command)
	cmd.Dir = p.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = x.cfg.WorkDir
	}
	// Children holding the pipes open must not keep Wait blocked forever.
	cmd.WaitDelay = 5 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err = cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) && timeout > 0 {
			return fmt.Errorf("command timed out after %s", timeout)
		}
		return fmt.Errorf("command aborted: %w", ctxErr)
	}
	msg := tail(out.String(), maxOutput)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if msg == "" {
			return fmt.Errorf("command exited with status %d", exitErr.ExitCode())
		}
		return fmt.Errorf("command exited with status %d: %s", exitErr.ExitCode(), msg)
	}
	return fmt.Errorf("command: %w", err)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
