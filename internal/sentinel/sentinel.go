// Package sentinel implements the liveness sentinel (component G): a
// touched file an external health check inspects to tell whether the
// registration client is still refreshing its REGISTER successfully.
package sentinel

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Sentinel is a file under a cache directory whose mtime is updated on
// every successful registration.
type Sentinel struct {
	path string
}

// New returns a Sentinel for file within cacheDir.
func New(cacheDir, file string) *Sentinel {
	return &Sentinel{path: filepath.Join(cacheDir, file)}
}

// Touch creates the sentinel file if needed and sets its mtime to now.
func (s *Sentinel) Touch() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating sentinel directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating sentinel file: %w", err)
	}
	f.Close()

	now := time.Now()
	if err := os.Chtimes(s.path, now, now); err != nil {
		return fmt.Errorf("touching sentinel file: %w", err)
	}
	return nil
}

// Check reports an error if the sentinel is missing or older than maxAge.
func (s *Sentinel) Check(maxAge time.Duration) error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("sentinel file missing: %w", err)
	}
	age := time.Since(info.ModTime())
	if age > maxAge {
		return fmt.Errorf("sentinel stale: last touched %s ago, max age %s", age.Round(time.Second), maxAge)
	}
	return nil
}
