package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WriteScript writes <dir>/<name>.sh: a bash script that feeds the job's
// stdin records through a heredoc, captures output in <name>.xout and the
// return code in <name>.xstatus.
func WriteScript(dir, name string, job Job, input []string) (string, error) {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n\n")
	for _, ovr := range job.Env {
		if ovr.Additive {
			fmt.Fprintf(&b, "export %s=%s%c$%s\n", ovr.Name, ovr.Value, os.PathListSeparator, ovr.Name)
		} else {
			fmt.Fprintf(&b, "export %s=%s\n", ovr.Name, ovr.Value)
		}
	}
	fmt.Fprintf(&b, "rm -f %s.xstatus\n", name)
	for _, dir := range job.ScratchDirs {
		fmt.Fprintf(&b, "mkdir -p %s\n", dir)
	}
	b.WriteString(job.Executable + " ")
	for _, arg := range job.Args {
		fmt.Fprintf(&b, "'%s' ", arg)
	}
	fmt.Fprintf(&b, "<< eof > %s.xout 2>&1\n", name)
	for _, record := range input {
		b.WriteString(record)
		if !strings.HasSuffix(record, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("eof\n")
	fmt.Fprintf(&b, "echo \"$?\" > %s.xstatus\n", name)

	path := filepath.Join(dir, name+".sh")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("driver: ensure script dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		return "", fmt.Errorf("driver: write script: %w", err)
	}
	return path, nil
}

// scriptName builds the J<name> handle used for batch files.
func scriptName(job Job) string {
	name := job.Name
	if name == "" {
		name = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return "J" + name
}

// batchProcess buffers stdin until it is closed, then runs the submission
// function and exposes the .xout file as stdout.
type batchProcess struct {
	input  bytes.Buffer
	submit func(input []string) (int, error)

	once   sync.Once
	pr     *io.PipeReader
	pw     *io.PipeWriter
	done   chan struct{}
	status int
	err    error
	cancel context.CancelFunc
}

func newBatchProcess(ctx context.Context, submit func(ctx context.Context, input []string) (int, error)) *batchProcess {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	p := &batchProcess{pr: pr, pw: pw, done: make(chan struct{}), cancel: cancel}
	p.submit = func(input []string) (int, error) { return submit(ctx, input) }
	return p
}

func (p *batchProcess) Stdin() io.WriteCloser { return p }
func (p *batchProcess) Stdout() io.Reader     { return p.pr }

func (p *batchProcess) Write(b []byte) (int, error) {
	return p.input.Write(b)
}

// Close runs the job; output streams once it has finished.
func (p *batchProcess) Close() error {
	p.once.Do(func() {
		var records []string
		for _, line := range strings.SplitAfter(p.input.String(), "\n") {
			if line != "" {
				records = append(records, line)
			}
		}
		go func() {
			defer close(p.done)
			p.status, p.err = p.submit(records)
		}()
	})
	return nil
}

func (p *batchProcess) finish(xout string) {
	<-p.done
	if p.err != nil {
		_ = p.pw.CloseWithError(p.err)
		return
	}
	f, err := os.Open(xout)
	if err != nil {
		_ = p.pw.CloseWithError(err)
		return
	}
	defer f.Close()
	_, err = io.Copy(p.pw, f)
	_ = p.pw.CloseWithError(err)
}

func (p *batchProcess) Wait() (int, error) {
	_ = p.Close()
	<-p.done
	return p.status, p.err
}

func (p *batchProcess) Kill() error {
	p.cancel()
	return nil
}

// ScriptTransport writes a bash script per job and runs it with bash.
type ScriptTransport struct {
	Shell string
}

// Name implements Transport.
func (ScriptTransport) Name() string { return "script" }

// Launch implements Transport.
func (t ScriptTransport) Launch(ctx context.Context, job Job) (Process, error) {
	shell := t.Shell
	if shell == "" {
		shell = "bash"
	}
	name := scriptName(job)
	xout := filepath.Join(job.WorkingDirectory, name+".xout")
	p := newBatchProcess(ctx, func(ctx context.Context, input []string) (int, error) {
		script, err := WriteScript(job.WorkingDirectory, name, job, input)
		if err != nil {
			return -1, err
		}
		cmd := exec.CommandContext(ctx, shell, script)
		cmd.Dir = job.WorkingDirectory
		if out, err := cmd.CombinedOutput(); err != nil {
			return -1, fmt.Errorf("driver: run script %s: %w\nOutput: %s", script, err, out)
		}
		return readStatus(filepath.Join(job.WorkingDirectory, name+".xstatus"))
	})
	go p.finish(xout)
	return p, nil
}

// QSubTransport submits a script to Sun Grid Engine and polls until the job
// leaves the queue.
type QSubTransport struct {
	// Command is the submission command, e.g. "qsub" or "qsub -q all.q".
	Command string
	Poll    time.Duration
}

// Name implements Transport.
func (QSubTransport) Name() string { return "qsub" }

// Launch implements Transport.
func (t QSubTransport) Launch(ctx context.Context, job Job) (Process, error) {
	name := filepath.Join("jobs", scriptName(job))
	xout := filepath.Join(job.WorkingDirectory, name+".xout")
	if v, ok := os.LookupEnv("LD_LIBRARY_PATH"); ok && !hasEnv(job.Env, "LD_LIBRARY_PATH") {
		job.Env = append(job.Env, EnvOverride{Name: "LD_LIBRARY_PATH", Value: v})
	}
	p := newBatchProcess(ctx, func(ctx context.Context, input []string) (int, error) {
		script, err := WriteScript(job.WorkingDirectory, name, job, input)
		if err != nil {
			return -1, err
		}
		jobID, err := t.submit(ctx, job, script)
		if err != nil {
			return -1, err
		}
		if err := t.wait(ctx, job.WorkingDirectory, jobID); err != nil {
			return -1, err
		}
		base := filepath.Base(script)
		if err := checkSGEErrors(filepath.Join(job.WorkingDirectory, fmt.Sprintf("%s.e%s", base, jobID))); err != nil {
			return -1, err
		}
		for _, suffix := range []string{"o", "e", "po", "pe"} {
			_ = os.Remove(filepath.Join(job.WorkingDirectory, fmt.Sprintf("%s.%s%s", base, suffix, jobID)))
		}
		// SGE does not propagate the return status.
		return 0, nil
	})
	go p.finish(xout)
	return p, nil
}

func (t QSubTransport) submit(ctx context.Context, job Job, script string) (string, error) {
	command := strings.Fields(t.Command)
	if len(command) == 0 {
		command = []string{"qsub"}
	}
	args := append(command[1:], "-V", "-cwd")
	if job.CPUThreads > 1 {
		args = append(args, "-pe", "smp", strconv.Itoa(job.CPUThreads))
	}
	args = append(args, script)
	cmd := exec.CommandContext(ctx, command[0], args...)
	cmd.Dir = job.WorkingDirectory
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("driver: qsub failed: %w\nOutput: %s", err, stderr.String())
	}
	if strings.Contains(stderr.String(), "error opening") {
		first, _, _ := strings.Cut(stdout.String(), "\n")
		missing, _, _ := strings.Cut(first, ":")
		return "", fmt.Errorf("executable %q does not exist", strings.TrimPrefix(missing, "error opening "))
	}
	return parseJobID(stdout.String())
}

func parseJobID(stdout string) (string, error) {
	for _, record := range strings.Split(stdout, "\n") {
		if strings.Contains(record, "Your job") {
			fields := strings.Fields(record)
			if len(fields) > 2 {
				return fields[2], nil
			}
		}
	}
	return "", fmt.Errorf("driver: no job id in qsub output %q", strings.TrimSpace(stdout))
}

func (t QSubTransport) wait(ctx context.Context, dir, jobID string) error {
	poll := t.Poll
	if poll <= 0 {
		poll = 10 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		cmd := exec.CommandContext(ctx, "qstat", "-j", jobID)
		cmd.Dir = dir
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		_ = cmd.Run()
		if strings.Contains(stderr.String(), "Following jobs do not exist") {
			return nil
		}
		select {
		case <-ctx.Done():
			_ = exec.Command("qdel", jobID).Run()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func checkSGEErrors(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(line, "command not found") {
			parts := strings.Split(line, ":")
			if len(parts) > 2 {
				return fmt.Errorf("executable %q missing", strings.TrimSpace(parts[2]))
			}
		}
	}
	return nil
}

func readStatus(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return -1, fmt.Errorf("driver: read status: %w", err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return -1, fmt.Errorf("driver: parse status %q: %w", strings.TrimSpace(string(data)), err)
	}
	return code, nil
}

func hasEnv(env []EnvOverride, name string) bool {
	for _, e := range env {
		if e.Name == name {
			return true
		}
	}
	return false
}
