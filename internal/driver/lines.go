package driver

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// LineState tags the result of reading one line of child output.
type LineState int

const (
	// LineRead means a line was returned.
	LineRead LineState = iota
	// LineEOF is terminal: the stream is exhausted and stays exhausted.
	LineEOF
)

func (s LineState) String() string {
	if s == LineEOF {
		return "eof"
	}
	return "line"
}

// LineReader yields a finite, non-restartable sequence of lines.
type LineReader struct {
	r    *bufio.Reader
	done bool
	err  error
}

// NewLineReader wraps r. A nil reader is already at end of stream.
func NewLineReader(r io.Reader) *LineReader {
	if r == nil {
		return &LineReader{done: true}
	}
	return &LineReader{r: bufio.NewReader(r)}
}

// Next returns the next line without its terminator.
func (lr *LineReader) Next() (string, LineState) {
	if lr.done {
		return "", LineEOF
	}
	line, err := lr.r.ReadString('\n')
	if err != nil {
		lr.done = true
		if !errors.Is(err, io.EOF) {
			lr.err = err
		}
		if line == "" {
			return "", LineEOF
		}
	}
	return strings.TrimRight(line, "\r\n"), LineRead
}

// Err reports a read failure other than end of stream.
func (lr *LineReader) Err() error {
	return lr.err
}
