package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/Paintersrp/cheese/internal/procgroup"
)

// ErrNoCommand is returned by Start when the spec carries no argv.
var ErrNoCommand = errors.New("process: command requires at least one argument")

// waitDelay bounds how long Wait lingers on I/O after the child exited.
const waitDelay = 5 * time.Second

// Handle is the minimal view of a started child process that supervision
// needs. Kill must be safe to call concurrently with Wait and more than once.
type Handle interface {
	Pid() int
	Output() io.Reader
	Kill() error
	Wait() (int, error)
}

// Spec describes a command to launch.
type Spec struct {
	Name    string
	Command []string
	Dir     string
	Env     map[string]string
}

// Process is a started child whose stdout and stderr share one pipe.
type Process struct {
	name string
	cmd  *exec.Cmd
	out  *os.File

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

// Start launches spec in its own process group with stdout and stderr
// redirected to a single pipe. Cancelling ctx kills the process group.
func Start(ctx context.Context, spec Spec) (*Process, error) {
	if len(spec.Command) == 0 {
		return nil, ErrNoCommand
	}
	name := spec.Name
	if name == "" {
		name = spec.Command[0]
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	cmd.Env = mergeEnv(os.Environ(), spec.Env)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%s output pipe: %w", name, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	procgroup.Set(cmd)
	cmd.Cancel = func() error {
		return procgroup.Kill(cmd.Process.Pid)
	}
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	// The child holds its own copy of the write end; dropping ours lets the
	// reader see EOF once the child (and its group) is gone.
	_ = pw.Close()

	return &Process{name: name, cmd: cmd, out: pr}, nil
}

// Name returns the label used in errors and logs.
func (p *Process) Name() string {
	return p.name
}

// Pid returns the child's process id, which is also its process group id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Output returns the read end of the combined stdout/stderr pipe.
func (p *Process) Output() io.Reader {
	return p.out
}

// Kill terminates the child's process group. Killing a child that already
// exited is not an error.
func (p *Process) Kill() error {
	if err := procgroup.Kill(p.Pid()); err != nil {
		return fmt.Errorf("kill %s: %w", p.name, err)
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", p.name, err)
	}
	return nil
}

// Wait blocks until the child exits and returns its exit code. A non-zero
// exit is reported through the code, not the error; the error is reserved for
// failures to wait at all. Repeated calls return the first result.
func (p *Process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		_ = p.out.Close()

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.exitCode = 0
		case errors.As(err, &exitErr):
			p.exitCode = procgroup.ExitCode(exitErr.ProcessState)
		case errors.Is(err, exec.ErrWaitDelay):
			p.exitCode = procgroup.ExitCode(p.cmd.ProcessState)
		default:
			p.exitCode = -1
			p.waitErr = fmt.Errorf("wait %s: %w", p.name, err)
		}
	})
	return p.exitCode, p.waitErr
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := append([]string(nil), base...)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, overrides[k]))
	}
	return env
}
