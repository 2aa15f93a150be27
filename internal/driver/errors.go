package driver

import (
	"fmt"
	"path/filepath"
)

// NotAvailableError reports an executable missing from the search path.
type NotAvailableError struct {
	Executable string
}

func (e *NotAvailableError) Error() string {
	return fmt.Sprintf("executable %s does not exist in PATH", e.Executable)
}

// ArgumentTypeError is returned when a command-line token is neither a string
// nor a list of strings.
type ArgumentTypeError struct {
	Value any
}

func (e *ArgumentTypeError) Error() string {
	return fmt.Sprintf("driver: command line token must be a string or []string, got %T", e.Value)
}

// ProcessKind classifies how a child process ended.
type ProcessKind string

const (
	KindSegfault ProcessKind = "segfault"
	KindKilled   ProcessKind = "killed"
	KindAborted  ProcessKind = "aborted"
	KindFailed   ProcessKind = "failed"
)

// ProcessError is raised by CheckReturnCode for any non-zero return code.
type ProcessError struct {
	Executable string
	Code       int
	Kind       ProcessKind
	LogFile    string
}

func (e *ProcessError) Error() string {
	name := filepath.Base(e.Executable)
	extra := ""
	if e.LogFile != "" {
		extra = fmt.Sprintf(": see %s for more details", e.LogFile)
	}
	switch e.Kind {
	case KindSegfault:
		return fmt.Sprintf("%s: child segmentation fault%s", name, extra)
	case KindKilled:
		return fmt.Sprintf("%s killed%s", name, extra)
	case KindAborted:
		return fmt.Sprintf("%s failed%s", name, extra)
	default:
		return fmt.Sprintf("%s subprocess failed with exitcode %d%s", name, e.Code, extra)
	}
}

// TextKind names a failure signature found in program output.
type TextKind string

const (
	TextLibraryNotLoaded TextKind = "library-not-loaded"
	TextNoProgram        TextKind = "no-program"
	TextMissingLibrary   TextKind = "missing-library"
	TextSegfault         TextKind = "segfault"
	TextKilled           TextKind = "killed"
	TextAborted          TextKind = "aborted"
	TextFloatingPoint    TextKind = "floating-point"
	TextTraceback        TextKind = "traceback"
)

// TextError is raised when a program printed a fatal banner, regardless of
// its exit status.
type TextError struct {
	Executable string
	Kind       TextKind
	Message    string
	LogFile    string
}

func (e *TextError) Error() string {
	name := filepath.Base(e.Executable)
	if e.Kind == TextTraceback {
		return fmt.Sprintf("%s terminated with an error: see %s for more details", name, e.LogFile)
	}
	return fmt.Sprintf("%s: %s", name, e.Message)
}
