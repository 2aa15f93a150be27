// Package drivertest provides a scripted transport for exercising program
// wrappers without the real programs installed.
package drivertest

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kingrea/xia2go/internal/driver"
)

// Run is one canned program invocation.
type Run struct {
	// Output is replayed on stdout.
	Output string
	// Code is the return code reported by Wait.
	Code int
	// Files are written into the job's working directory before the output
	// is replayed, keyed by base name.
	Files map[string]string
	// Check inspects the job before it runs.
	Check func(job driver.Job) error
}

// Transport replays Runs in order. The last run repeats once exhausted.
type Transport struct {
	mu    sync.Mutex
	runs  []Run
	jobs  []driver.Job
	stdin []*buffer
}

// New returns a transport replaying runs.
func New(runs ...Run) *Transport {
	return &Transport{runs: runs}
}

func (t *Transport) Name() string { return "scripted" }

func (t *Transport) Launch(_ context.Context, job driver.Job) (driver.Process, error) {
	t.mu.Lock()
	idx := len(t.jobs)
	t.jobs = append(t.jobs, job)
	in := &buffer{}
	t.stdin = append(t.stdin, in)
	run := Run{}
	if len(t.runs) > 0 {
		run = t.runs[min(idx, len(t.runs)-1)]
	}
	t.mu.Unlock()

	if run.Check != nil {
		if err := run.Check(job); err != nil {
			return nil, err
		}
	}
	for name, body := range run.Files {
		path := filepath.Join(job.WorkingDirectory, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return nil, err
		}
	}
	return &process{stdin: in, stdout: strings.NewReader(run.Output), code: run.Code}, nil
}

// Jobs returns every launched job.
func (t *Transport) Jobs() []driver.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]driver.Job(nil), t.jobs...)
}

// Stdin returns what was written to the i-th job's stdin.
func (t *Transport) Stdin(i int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.stdin) {
		return ""
	}
	return t.stdin[i].String()
}

type buffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (b *buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *buffer) Close() error { return nil }

func (b *buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

type process struct {
	stdin  *buffer
	stdout io.Reader
	code   int
}

func (p *process) Stdin() io.WriteCloser { return p.stdin }
func (p *process) Stdout() io.Reader     { return p.stdout }
func (p *process) Wait() (int, error)    { return p.code, nil }
func (p *process) Kill() error           { return nil }

// Program returns a driver for a stub executable called name, running in a
// fresh temporary working directory.
func Program(t testing.TB, transport driver.Transport, name string) *driver.Driver {
	t.Helper()
	bin := t.TempDir()
	exe := filepath.Join(bin, name)
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	d := driver.New(transport)
	if err := d.SetExecutable(exe); err != nil {
		t.Fatalf("set executable: %v", err)
	}
	d.SetWorkingDirectory(t.TempDir())
	return d
}
