//go:build !windows

package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Set configures cmd to start as the leader of a new process group so that
// Kill reaches grandchildren that inherited its output pipe.
func Set(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.SysProcAttr.Pgid = 0
}

// Kill sends SIGKILL to the process group led by pid. A group that no longer
// exists is not an error.
func Kill(pid int) error {
	// kill(-1) and kill(0) would hit far more than the child.
	if pid <= 1 {
		return nil
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// ExitCode converts a finished process state into a shell style exit code.
// A process terminated by a signal reports 128 plus the signal number.
func ExitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
