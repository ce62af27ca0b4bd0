// Package utils contains filesystem layout and logging helpers shared by the
// Atlas admin service and its tools.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths resolves filesystem locations used by Atlas relative to a root directory.
type Paths struct {
	RootPath string `json:"root_path"`
}

// NewPaths constructs Paths rooted at the specified directory.
func NewPaths(rootPath string) *Paths {
	return &Paths{RootPath: rootPath}
}

// ConfigDir returns the directory holding auxiliary configuration files.
func (p *Paths) ConfigDir() string {
	return filepath.Join(p.RootPath, "config")
}

// DataDir returns the directory for local state such as the SQLite database.
func (p *Paths) DataDir() string {
	return filepath.Join(p.RootPath, "data")
}

// LogsDir returns the global logs directory.
func (p *Paths) LogsDir() string {
	return filepath.Join(p.RootPath, "logs")
}

// LogFile returns the main application log path.
func (p *Paths) LogFile() string {
	return filepath.Join(p.LogsDir(), "atlas.log")
}

// GinLogFile returns the HTTP access log path.
func (p *Paths) GinLogFile() string {
	return filepath.Join(p.LogsDir(), "GIN.log")
}

// DefaultDatabaseFile returns the SQLite file used when no database is configured.
func (p *Paths) DefaultDatabaseFile() string {
	return filepath.Join(p.DataDir(), "atlas.db")
}

// Resolve returns path unchanged when absolute, otherwise joined under RootPath.
// Relative paths that climb out of the root are rejected.
func (p *Paths) Resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	return SecureJoin(p.RootPath, path)
}

// EnsureLayout creates the directory structure (idempotent).
func (p *Paths) EnsureLayout(logger *Logger) {
	for _, dir := range []struct{ path, label string }{
		{p.RootPath, "root"},
		{p.ConfigDir(), "config"},
		{p.DataDir(), "data"},
		{p.LogsDir(), "logs"},
	} {
		if _, err := os.Stat(dir.path); err == nil {
			continue
		}
		if err := os.MkdirAll(dir.path, 0o755); err != nil {
			if logger != nil {
				logger.Write(fmt.Sprintf("Unable to create %s path %s: %v", dir.label, dir.path, err))
			}
			continue
		}
		if logger != nil {
			logger.Write(fmt.Sprintf("Creating %s path: %s", dir.label, dir.path))
		}
	}
}
