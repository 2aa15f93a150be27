package driver

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// ExecutableCache memoises PATH lookups. Construct one per run and hand it to
// every driver; it is discarded with the process.
type ExecutableCache struct {
	mu       sync.Mutex
	resolved map[string]string
	lookPath func(string) (string, error)
}

// NewExecutableCache returns an empty cache backed by exec.LookPath.
func NewExecutableCache() *ExecutableCache {
	return &ExecutableCache{resolved: map[string]string{}, lookPath: exec.LookPath}
}

// Resolve returns the full path of name or a *NotAvailableError. Absolute
// paths are checked for existence but never searched.
func (c *ExecutableCache) Resolve(name string) (string, error) {
	if filepath.IsAbs(name) {
		info, err := os.Stat(name)
		if err != nil || info.IsDir() {
			return "", &NotAvailableError{Executable: name}
		}
		return name, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if path, ok := c.resolved[name]; ok {
		return path, nil
	}
	path, err := c.lookPath(name)
	if err != nil {
		return "", &NotAvailableError{Executable: name}
	}
	c.resolved[name] = path
	return path, nil
}

// Available reports whether name resolves.
func (c *ExecutableCache) Available(name string) bool {
	_, err := c.Resolve(name)
	return err == nil
}
