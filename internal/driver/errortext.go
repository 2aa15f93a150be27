package driver

import (
	"fmt"
	"runtime"
	"strings"
)

// ErrorTailLines is how much of the captured output CheckForErrors scans.
const ErrorTailLines = 30

// scanErrorText looks for known failure banners. It returns the first match.
func scanErrorText(executable, logFile string, records []string) error {
	fail := func(kind TextKind, msg string) error {
		return &TextError{Executable: executable, Kind: kind, Message: msg, LogFile: logFile}
	}
	for _, record := range records {
		if strings.Contains(record, "dyld: Library not loaded") {
			return fail(TextLibraryNotLoaded, strings.TrimSpace(record))
		}
		if strings.Contains(record, "command not found") {
			fields := strings.Fields(record)
			missing := "unknown"
			if len(fields) >= 4 {
				missing = strings.ReplaceAll(fields[len(fields)-4], ":", "")
			}
			return fail(TextNoProgram, fmt.Sprintf("executable %q does not exist", missing))
		}
		if strings.Contains(record, "error while loading shared libraries") {
			for _, token := range strings.Split(record, ":") {
				token = strings.TrimSpace(token)
				if strings.HasPrefix(token, "lib") {
					return fail(TextMissingLibrary, "child missing library "+token)
				}
			}
			return fail(TextMissingLibrary, fmt.Sprintf("child missing library (%s)", strings.TrimSpace(record)))
		}
		if strings.Contains(record, "Segmentation fault") {
			return fail(TextSegfault, "child segmentation fault")
		}
		if strings.Contains(record, "Killed") {
			return fail(TextKilled, "subprocess killed")
		}
		if abortBanner(record) {
			return fail(TextAborted, "process failed")
		}
		if strings.Contains(record, "Floating Exception") {
			return fail(TextFloatingPoint, "subprocess killed")
		}
	}
	if msg := tracebackMessage(records); msg != "" {
		return fail(TextTraceback, msg)
	}
	return nil
}

func abortBanner(record string) bool {
	switch runtime.GOOS {
	case "linux":
		return strings.Contains(record, "Aborted")
	case "darwin":
		return strings.Contains(record, "Abort trap")
	}
	return false
}

// tracebackMessage returns the error message following the first Python
// traceback in records, or "" when there is none.
func tracebackMessage(records []string) string {
	inTrace := false
	inMessage := false
	var buf []string
	for _, line := range records {
		if strings.Contains(line, "Traceback (most recent call last)") {
			inTrace = true
		}
		if inTrace && !(startsWithSpace(line) || strings.HasPrefix(line, "Traceback")) {
			inTrace = false
			inMessage = true
			buf = nil
		}
		if inMessage && len(line) < 4 {
			return strings.Join(buf, "\n")
		}
		if inTrace || inMessage {
			if len(line) > 400 {
				line = line[:400] + "..."
			}
			buf = append(buf, line)
		}
	}
	return ""
}

func startsWithSpace(line string) bool {
	return line != "" && strings.ContainsAny(line[:1], " \t\r\n\v\f")
}
