package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ProcessHandle is the full driver surface. Decorators such as the CCP4 file
// slots wrap a ProcessHandle and satisfy it themselves.
type ProcessHandle interface {
	SetExecutable(name string) error
	Executable() string
	AddCommandLine(tokens ...any) error
	SetCommandLine(tokens []string)
	ClearCommandLine()
	CommandLine() []string
	SetWorkingDirectory(dir string)
	WorkingDirectory() string
	SetWorkingEnvironment(name, value string)
	AddWorkingEnvironment(name, value string)
	AddScratchDirectory(dir string)
	SetTask(task string)
	SetCPUThreads(n int)
	SetXpid(id int)
	Xpid() int
	Start(ctx context.Context) error
	Input(record string) error
	Output() (string, LineState)
	CloseWait() error
	Finished() bool
	Status() int
	CheckReturnCode() error
	CheckForErrorText(records []string) error
	CheckForErrors() error
	AllOutput() []string
	WriteLogFile(path string) error
	LogFile() string
	Kill() error
}

// Option customizes a driver instance.
type Option func(*Driver)

// WithLogger routes debug output to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithExecutableCache shares a PATH lookup cache between drivers.
func WithExecutableCache(cache *ExecutableCache) Option {
	return func(d *Driver) {
		if cache != nil {
			d.cache = cache
		}
	}
}

// WithTimings records every completed execution in timings.
func WithTimings(timings *Timings) Option {
	return func(d *Driver) {
		d.timings = timings
	}
}

// WithCleanup installs the hook run at the end of CloseWait.
func WithCleanup(fn func()) Option {
	return func(d *Driver) {
		d.cleanup = fn
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(d *Driver) {
		if clock != nil {
			d.clock = clock
		}
	}
}

type event struct {
	name string
	at   time.Time
}

// Driver runs one external program at a time through a Transport. A driver may
// be reused; Start resets the per-run state.
type Driver struct {
	transport Transport
	cache     *ExecutableCache
	logger    *zap.Logger
	timings   *Timings
	cleanup   func()
	clock     func() time.Time

	executable string
	args       []string
	workingDir string
	env        []EnvOverride
	scratch    []string
	task       string
	threads    int
	xpid       int

	proc     Process
	lines    *LineReader
	inputs   []string
	outputs  []string
	events   []event
	finished bool
	closed   bool
	status   int
	waitErr  error

	logPath string
	log     *os.File
}

// New constructs a driver bound to transport.
func New(transport Transport, opts ...Option) *Driver {
	if transport == nil {
		transport = LocalTransport{}
	}
	d := &Driver{
		transport: transport,
		logger:    zap.NewNop(),
		clock:     time.Now,
		status:    -1,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cache == nil {
		d.cache = NewExecutableCache()
	}
	if wd, err := os.Getwd(); err == nil {
		d.workingDir = wd
	}
	return d
}

// Transport returns the launch model in use.
func (d *Driver) Transport() Transport { return d.transport }

// SetExecutable resolves name on PATH.
func (d *Driver) SetExecutable(name string) error {
	path, err := d.cache.Resolve(name)
	if err != nil {
		return err
	}
	d.executable = path
	return nil
}

// Executable returns the resolved executable path.
func (d *Driver) Executable() string { return d.executable }

// AddCommandLine appends string tokens or []string lists in call order.
func (d *Driver) AddCommandLine(tokens ...any) error {
	var flat []string
	for _, tok := range tokens {
		switch v := tok.(type) {
		case string:
			flat = append(flat, v)
		case []string:
			flat = append(flat, v...)
		default:
			return &ArgumentTypeError{Value: tok}
		}
	}
	d.args = append(d.args, flat...)
	return nil
}

// SetCommandLine replaces the argument list.
func (d *Driver) SetCommandLine(tokens []string) {
	d.args = append([]string(nil), tokens...)
}

// ClearCommandLine empties the argument list.
func (d *Driver) ClearCommandLine() { d.args = nil }

// CommandLine returns a copy of the argument list.
func (d *Driver) CommandLine() []string {
	return append([]string(nil), d.args...)
}

// SetWorkingDirectory sets where the child runs.
func (d *Driver) SetWorkingDirectory(dir string) { d.workingDir = dir }

// WorkingDirectory returns where the child runs.
func (d *Driver) WorkingDirectory() string { return d.workingDir }

// SetWorkingEnvironment sets name for the child only, replacing any value.
func (d *Driver) SetWorkingEnvironment(name, value string) {
	d.env = append(d.env, EnvOverride{Name: name, Value: value})
}

// AddWorkingEnvironment prepends value to name for the child only.
func (d *Driver) AddWorkingEnvironment(name, value string) {
	d.env = append(d.env, EnvOverride{Name: name, Value: value, Additive: true})
}

// AddScratchDirectory registers a directory the child expects to exist.
func (d *Driver) AddScratchDirectory(dir string) {
	d.scratch = append(d.scratch, dir)
}

// SetTask records a human description used in logs.
func (d *Driver) SetTask(task string) { d.task = task }

// SetCPUThreads limits threaded programs via OMP_NUM_THREADS.
func (d *Driver) SetCPUThreads(n int) {
	d.threads = n
	if n > 0 {
		d.SetWorkingEnvironment("OMP_NUM_THREADS", strconv.Itoa(n))
	}
}

// SetXpid sets the job index used in output file names.
func (d *Driver) SetXpid(id int) { d.xpid = id }

// Xpid returns the job index.
func (d *Driver) Xpid() int { return d.xpid }

func (d *Driver) mark(name string) {
	d.events = append(d.events, event{name: name, at: d.clock()})
}

// Start launches the child.
func (d *Driver) Start(ctx context.Context) error {
	if d.executable == "" {
		return errors.New("driver: executable not set")
	}
	if d.proc != nil && !d.closed {
		return fmt.Errorf("driver: %s already running", filepath.Base(d.executable))
	}
	d.inputs = nil
	d.outputs = nil
	d.events = nil
	d.finished = false
	d.closed = false
	d.status = -1
	d.waitErr = nil

	job := Job{
		Name:             fmt.Sprintf("%d_%s", d.xpid, filepath.Base(d.executable)),
		Executable:       d.executable,
		Args:             d.CommandLine(),
		WorkingDirectory: d.workingDir,
		Env:              append([]EnvOverride(nil), d.env...),
		ScratchDirs:      append([]string(nil), d.scratch...),
		CPUThreads:       d.threads,
	}
	for _, dir := range d.scratch {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("driver: scratch dir %s: %w", dir, err)
		}
	}
	d.logger.Debug("starting program",
		zap.String("executable", d.executable),
		zap.Strings("args", job.Args),
		zap.String("task", d.task),
		zap.String("transport", d.transport.Name()),
	)
	d.mark("start")
	proc, err := d.transport.Launch(ctx, job)
	if err != nil {
		return err
	}
	d.proc = proc
	d.lines = NewLineReader(proc.Stdout())
	return nil
}

// Input sends one record to the child's stdin, newline-terminated.
func (d *Driver) Input(record string) error {
	if d.proc == nil {
		return errors.New("driver: input before start")
	}
	if !strings.HasSuffix(record, "\n") {
		record += "\n"
	}
	d.inputs = append(d.inputs, strings.TrimSuffix(record, "\n"))
	if _, err := d.proc.Stdin().Write([]byte(record)); err != nil {
		return fmt.Errorf("driver: write stdin: %w", err)
	}
	return nil
}

// Inputs returns the records sent so far.
func (d *Driver) Inputs() []string {
	return append([]string(nil), d.inputs...)
}

// Output returns the next line of child output. LineEOF is terminal.
func (d *Driver) Output() (string, LineState) {
	if d.finished || d.lines == nil {
		return "", LineEOF
	}
	line, state := d.lines.Next()
	if state == LineEOF {
		d.finished = true
		d.status, d.waitErr = d.proc.Wait()
		if err := d.lines.Err(); err != nil && d.waitErr == nil {
			d.waitErr = err
		}
		d.mark("finish")
		return "", LineEOF
	}
	d.outputs = append(d.outputs, line)
	if d.log != nil {
		_, _ = d.log.WriteString(line + "\n")
	}
	return line, LineRead
}

// CloseWait closes stdin, drains output, writes the log trailer and runs the
// cleanup hook. Calling it again is a no-op.
func (d *Driver) CloseWait() error {
	if d.proc == nil {
		return errors.New("driver: close before start")
	}
	if d.closed {
		return nil
	}
	_ = d.proc.Stdin().Close()
	d.mark("input closed")
	for {
		if _, state := d.Output(); state == LineEOF {
			break
		}
	}
	d.closed = true
	d.writeTrailer()
	if d.log != nil {
		_ = d.log.Close()
		d.log = nil
	}
	tail := d.outputs
	if len(tail) > 50 {
		tail = tail[len(tail)-50:]
	}
	d.logger.Debug("program finished",
		zap.String("executable", filepath.Base(d.executable)),
		zap.Int("status", d.status),
		zap.Strings("tail", tail),
	)
	if len(d.events) > 0 {
		rec := TimingRecord{
			Command: strings.Join(append([]string{filepath.Base(d.executable)}, d.args...), " "),
			Start:   d.events[0].at,
			End:     d.clock(),
			Details: map[string]time.Time{},
		}
		for _, ev := range d.events {
			rec.Details[ev.name] = ev.at
		}
		d.timings.Record(rec)
	}
	if d.cleanup != nil {
		d.cleanup()
	}
	return d.waitErr
}

func (d *Driver) writeTrailer() {
	if d.log == nil {
		return
	}
	var b strings.Builder
	b.WriteString("# command line:\n")
	fmt.Fprintf(&b, "# %s ", filepath.Base(d.executable))
	prefix := d.workingDir + string(os.PathSeparator)
	for _, tok := range d.args {
		fmt.Fprintf(&b, " '%s'", strings.ReplaceAll(tok, prefix, ""))
	}
	b.WriteString("\n")
	if len(d.events) > 0 {
		now := d.clock()
		b.WriteString("#\n# timing information:\n")
		for _, ev := range d.events {
			fmt.Fprintf(&b, "#   time since %s: %.1f seconds\n", ev.name, now.Sub(ev.at).Seconds())
		}
	}
	_, _ = d.log.WriteString(b.String())
}

// Finished reports whether output reached end of stream.
func (d *Driver) Finished() bool { return d.finished }

// Status returns the return code: the exit status, or the negated signal.
func (d *Driver) Status() int { return d.status }

// CheckReturnCode classifies a non-zero return code as a *ProcessError.
func (d *Driver) CheckReturnCode() error {
	code := d.status
	if code == 0 {
		return nil
	}
	kind := KindFailed
	switch code {
	case -int(syscall.SIGSEGV):
		kind = KindSegfault
	case -int(syscall.SIGKILL):
		kind = KindKilled
	case -int(syscall.SIGABRT):
		kind = KindAborted
	}
	return &ProcessError{Executable: d.executable, Code: code, Kind: kind, LogFile: d.logPath}
}

// CheckForErrorText scans records for fatal banners printed by the child.
func (d *Driver) CheckForErrorText(records []string) error {
	return scanErrorText(d.executable, d.logPath, records)
}

// CheckForErrors scans the output tail and then the return code.
func (d *Driver) CheckForErrors() error {
	tail := d.outputs
	if len(tail) > ErrorTailLines {
		tail = tail[len(tail)-ErrorTailLines:]
	}
	if err := d.CheckForErrorText(tail); err != nil {
		return err
	}
	return d.CheckReturnCode()
}

// AllOutput returns every captured line.
func (d *Driver) AllOutput() []string {
	return append([]string(nil), d.outputs...)
}

// WriteLogFile opens path as the program log, replaying captured output.
func (d *Driver) WriteLogFile(path string) error {
	if d.log != nil {
		_ = d.log.Close()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("driver: ensure log dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("driver: open log: %w", err)
	}
	for _, line := range d.outputs {
		if _, err := f.WriteString(line + "\n"); err != nil {
			_ = f.Close()
			return fmt.Errorf("driver: write log: %w", err)
		}
	}
	d.log = f
	d.logPath = path
	return nil
}

// LogFile returns the program log path, if any.
func (d *Driver) LogFile() string { return d.logPath }

// Kill terminates the child through its transport.
func (d *Driver) Kill() error {
	if d.proc == nil {
		return nil
	}
	return d.proc.Kill()
}
