package logbook

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTailReturnsRecentLinesAndTotal(t *testing.T) {
	dir := t.TempDir()
	book, err := Open(dir)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 5; i++ {
		book.Info("entry-%d", i)
	}
	lines, total := book.Tail(3)
	if total != 5 {
		t.Fatalf("total lines = %d, want 5", total)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for idx, want := range []string{"entry-2", "entry-3", "entry-4"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
	}
	if book.Path() != filepath.Join(dir, JournalName) {
		t.Fatalf("unexpected path %s", book.Path())
	}
}

func TestMultiLineEntriesAreIndented(t *testing.T) {
	book, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	book.Warn("first\nsecond")
	lines, total := book.Tail(10)
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	if !strings.Contains(lines[0], "WARN  first") {
		t.Fatalf("unexpected first line %q", lines[0])
	}
	if strings.TrimSpace(lines[1]) != "second" || !strings.HasPrefix(lines[1], "   ") {
		t.Fatalf("continuation not indented: %q", lines[1])
	}
}

func TestBannerIsCentred(t *testing.T) {
	book, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	book.Banner("Scaling")
	lines, _ := book.Tail(5)
	var banner string
	for _, line := range lines {
		if strings.Contains(line, "Scaling") {
			banner = line
		}
	}
	if len(banner) != 60 || !strings.HasPrefix(banner, "---") || !strings.HasSuffix(banner, "---") {
		t.Fatalf("unexpected banner %q", banner)
	}
}

func TestRecordFailure(t *testing.T) {
	dir := t.TempDir()
	book, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	path, err := book.RecordFailure(errors.New("xds: no spots"), "/tmp/xia2-debug.log")
	if err != nil {
		t.Fatalf("RecordFailure returned error: %v", err)
	}
	if path != filepath.Join(dir, ErrorName) {
		t.Fatalf("unexpected error path %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Error: xds: no spots") || !strings.Contains(string(data), "/tmp/xia2-debug.log") {
		t.Fatalf("error record incomplete: %s", data)
	}
	lines, _ := book.Tail(1)
	if len(lines) != 1 || !strings.Contains(lines[0], "ERROR xds: no spots") {
		t.Fatalf("journal missing error line: %v", lines)
	}
}

func TestNilLogbookIsSafe(t *testing.T) {
	var book *Logbook
	book.Info("ignored")
	book.Banner("ignored")
	if lines, total := book.Tail(3); lines != nil || total != 0 {
		t.Fatalf("nil logbook returned lines")
	}
}
