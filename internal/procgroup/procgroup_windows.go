//go:build windows

package procgroup

import (
	"errors"
	"os"
	"os/exec"

	"github.com/shirou/gopsutil/v3/process"
)

// Set is a no-op on Windows; Kill walks the process tree instead.
func Set(cmd *exec.Cmd) {}

// Kill terminates pid and every descendant still visible to gopsutil,
// children first. A process that already exited is not an error.
func Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	return killTree(proc)
}

func killTree(proc *process.Process) error {
	children, _ := proc.Children()
	for _, child := range children {
		_ = killTree(child)
	}
	if err := proc.Kill(); err != nil {
		if running, runErr := proc.IsRunning(); runErr == nil && !running {
			return nil
		}
		return err
	}
	return nil
}

// ExitCode returns the process exit code.
func ExitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}
