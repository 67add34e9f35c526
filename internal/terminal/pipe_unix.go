//go:build !windows

package terminal

import (
	"os"
	"os/exec"
	"syscall"
)

func osPipe() (*os.File, *os.File, error) {
	return os.Pipe()
}

// setControllingTTY ensures the child gets its own session and controlling
// terminal — required for the PTY slave assigned to Stdin/Stdout to behave
// like a real terminal rather than an inherited one. creack/pty.Start does
// the same internally; we set it ourselves here because we only hand the
// slave to Stdin/Stdout and keep Stderr on a separate pipe.
func setControllingTTY(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true
}
