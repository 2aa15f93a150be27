package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a journal entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const (
	// JournalName is the human readable processing journal.
	JournalName = "xia2.txt"
	// ErrorName records the last fatal error of a run.
	ErrorName = "xia2-error.txt"
)

// Logbook persists pipeline progress to a plain text journal.
type Logbook struct {
	path string
	mu   sync.Mutex
}

// New creates a logbook that writes to the provided path.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logbook: ensure dir: %w", err)
	}
	return &Logbook{path: path}, nil
}

// Open creates the journal in the processing directory.
func Open(dir string) (*Logbook, error) {
	return New(filepath.Join(dir, JournalName))
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Logbook) write(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(text)
}

// Append writes a single entry. Multi-line messages keep their continuation
// lines indented under the first.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	lines := strings.Split(strings.TrimSpace(message), "\n")
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s\n", time.Now().UTC().Format(time.RFC3339), string(level), lines[0])
	for _, line := range lines[1:] {
		fmt.Fprintf(&b, "%27s%s\n", "", line)
	}
	l.write(b.String())
}

// Banner writes a section heading, centred in a line of dashes.
func (l *Logbook) Banner(title string) {
	if l == nil {
		return
	}
	const width = 60
	title = " " + strings.TrimSpace(title) + " "
	pad := width - len(title)
	if pad < 2 {
		pad = 2
	}
	left := pad / 2
	l.write("\n" + strings.Repeat("-", left) + title + strings.Repeat("-", pad-left) + "\n\n")
}

// Tail returns up to maxLines of the most recent lines, and the total count.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	total := len(lines)
	if total == 0 {
		return nil, 0
	}
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}

// RecordFailure writes xia2-error.txt next to the journal and returns its
// path. The file is overwritten on every call.
func (l *Logbook) RecordFailure(err error, debugLog string) (string, error) {
	if l == nil || err == nil {
		return "", nil
	}
	l.Error("%v", err)
	path := filepath.Join(filepath.Dir(l.path), ErrorName)
	var b strings.Builder
	fmt.Fprintf(&b, "Error: %v\n", err)
	fmt.Fprintf(&b, "Time: %s\n", time.Now().UTC().Format(time.RFC3339))
	if debugLog != "" {
		fmt.Fprintf(&b, "\nPlease send the contents of %s and %s when reporting this error.\n", path, debugLog)
	}
	if werr := os.WriteFile(path, []byte(b.String()), 0o644); werr != nil {
		return "", fmt.Errorf("logbook: write error record: %w", werr)
	}
	return path, nil
}
