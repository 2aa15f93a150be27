package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// EnvOverride is one entry of a job's environment overlay. Additive entries
// are prepended to any existing value using the path list separator.
type EnvOverride struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Additive bool   `json:"additive,omitempty"`
}

// Job is the transport-neutral description of one program invocation.
type Job struct {
	Name             string        `json:"name"`
	Executable       string        `json:"executable"`
	Args             []string      `json:"args"`
	WorkingDirectory string        `json:"working_directory"`
	Env              []EnvOverride `json:"env,omitempty"`
	ScratchDirs      []string      `json:"scratch_dirs,omitempty"`
	CPUThreads       int           `json:"cpu_threads,omitempty"`
}

// Environ applies the overlay to base (usually os.Environ()).
func (j Job) Environ(base []string) []string {
	values := make(map[string]string, len(base))
	order := make([]string, 0, len(base))
	for _, kv := range base {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, seen := values[name]; !seen {
			order = append(order, name)
		}
		values[name] = value
	}
	for _, ovr := range j.Env {
		current, exists := values[ovr.Name]
		if !exists {
			order = append(order, ovr.Name)
		}
		if ovr.Additive && exists && current != "" {
			values[ovr.Name] = ovr.Value + string(os.PathListSeparator) + current
			continue
		}
		values[ovr.Name] = ovr.Value
	}
	out := make([]string, 0, len(order))
	for _, name := range order {
		out = append(out, name+"="+values[name])
	}
	return out
}

// Process is a launched child as seen by the driver.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Wait blocks until exit and returns a POSIX-style return code: the exit
	// status, or the negated signal number when killed by a signal.
	Wait() (int, error)
	Kill() error
}

// Transport launches jobs: locally, through a shell script, or on a batch
// queue.
type Transport interface {
	Name() string
	Launch(ctx context.Context, job Job) (Process, error)
}

// LocalTransport runs the executable directly and blocks on its output.
type LocalTransport struct{}

// Name implements Transport.
func (LocalTransport) Name() string { return "simple" }

// Launch implements Transport. Standard error is merged into standard output.
func (LocalTransport) Launch(ctx context.Context, job Job) (Process, error) {
	cmd := exec.CommandContext(ctx, job.Executable, job.Args...)
	cmd.Dir = job.WorkingDirectory
	cmd.Env = job.Environ(os.Environ())
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("driver: stdin pipe: %w", err)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("driver: stdout pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("driver: start %s: %w", job.Executable, err)
	}
	_ = w.Close()
	return &localProcess{cmd: cmd, stdin: stdin, stdout: r}, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
}

func (p *localProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *localProcess) Stdout() io.Reader     { return p.stdout }

func (p *localProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	_ = p.stdout.Close()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, err
	}
	return returnCode(p.cmd.ProcessState), nil
}

func (p *localProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func returnCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}
