package xds

import (
	"fmt"
	"strings"
	"sync"
)

// Error is a failure XDS reported in its own output.
type Error struct {
	Message string
}

func (e *Error) Error() string { return "[XDS] " + e.Message }

// knownErrors rewrites terse XDS messages into something actionable.
var knownErrors = map[string]string{
	"cannot open or read file lp_01.tmp": "Error running forkintegrate",
}

// CheckError returns the first "!!! ERROR !!!" record in output as an *Error.
func CheckError(output []string) error {
	for _, line := range output {
		if !strings.Contains(line, "!!!") || !strings.Contains(line, "ERROR") {
			continue
		}
		parts := strings.Split(line, "!!!")
		if len(parts) < 3 {
			continue
		}
		message := strings.ToLower(strings.TrimSpace(parts[2]))
		if known, ok := knownErrors[message]; ok {
			message = known
		}
		return &Error{Message: message}
	}
	return nil
}

// CheckLicense fails when XDS refused to run because its licence expired.
func CheckLicense(output []string) error {
	for _, line := range output {
		if strings.Contains(line, "Sorry, license expired") {
			fields := strings.Fields(line)
			return fmt.Errorf("installed XDS expired on %s", fields[len(fields)-1])
		}
	}
	return nil
}

// ParseVersion extracts the version string from an XDS banner.
func ParseVersion(output []string) (string, error) {
	for _, line := range output {
		if _, after, ok := strings.Cut(line, "XDS VERSION"); ok {
			v, _, _ := strings.Cut(after, ")")
			return strings.TrimSpace(v), nil
		}
		if strings.Contains(line, "XDS") && strings.Contains(line, "VERSION") {
			if _, after, ok := strings.Cut(line, "(VERSION"); ok {
				v, _, _ := strings.Cut(after, ")")
				return strings.TrimSpace(v), nil
			}
		}
	}
	return "", fmt.Errorf("xds: version not found")
}

// VersionCache remembers the XDS version seen during one processing run.
// Construct one per run and share it between wrappers.
type VersionCache struct {
	mu      sync.Mutex
	version string
}

// Observe records the version from output when none is known yet.
func (c *VersionCache) Observe(output []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version != "" {
		return
	}
	if v, err := ParseVersion(output); err == nil {
		c.version = v
	}
}

// Version returns the recorded version, or "" before any run.
func (c *VersionCache) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}
