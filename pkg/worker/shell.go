package worker

import (
	"context"
	"os"
	"os/exec"
)

// ShellWorker is the built-in worker used by SHELL-mode workflow lines:
// the node's single argument is passed verbatim to /bin/sh -c, and the
// shell's own exit code becomes the worker's return code.
type ShellWorker struct{}

// Run executes args[0] as a shell command. Stdout/stderr are inherited
// from the current process, which the caller (pkg/node) has already
// redirected to the task's log file.
func (ShellWorker) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return 1
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", args[0])
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		return 1
	}
	return 0
}
