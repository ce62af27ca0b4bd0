package utils

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const timestampLayout = "2006-01-02 15:04:05"

// Logger writes timestamped lines to a log file and can tail recent entries.
type Logger struct {
	mu        sync.Mutex
	path      string
	writeFile *os.File
}

// defaultLogPath returns the Atlas log path next to the running executable.
func defaultLogPath() string {
	exe, err := os.Executable()
	if err == nil {
		if resolved, rerr := filepath.EvalSymlinks(exe); rerr == nil && resolved != "" {
			exe = resolved
		}
		return NewPaths(filepath.Dir(exe)).LogFile()
	}
	return NewPaths(filepath.Join(os.TempDir(), "atlas")).LogFile()
}

// NewLogger opens the given log file for appending. An empty path selects the
// default location. When the file cannot be opened, lines go to stdout.
func NewLogger(logFile string) *Logger {
	if logFile == "" {
		logFile = defaultLogPath()
	}
	logger := &Logger{path: logFile}
	_ = os.MkdirAll(filepath.Dir(logFile), 0o755)

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: Error opening log file (%s): %v\n", time.Now().Format(timestampLayout), logFile, err)
		return logger
	}
	logger.writeFile = f
	return logger
}

// Write appends a timestamped message to the log (or stdout when no file).
func (l *Logger) Write(message string) {
	if l == nil {
		return
	}
	line := fmt.Sprintf("%s: %s\n", time.Now().Format(timestampLayout), message)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeFile != nil {
		_, _ = l.writeFile.WriteString(line)
		return
	}
	fmt.Print(line)
}

// Writef formats and writes a message.
func (l *Logger) Writef(format string, args ...interface{}) {
	l.Write(fmt.Sprintf(format, args...))
}

// Tail returns up to n of the most recent non-empty lines.
func (l *Logger) Tail(n int) []string {
	if l == nil || l.path == "" || n <= 0 {
		return nil
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, line)
	}
	return ring
}

// Path returns the backing file path.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Close closes the underlying file handle.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeFile != nil {
		_ = l.writeFile.Close()
		l.writeFile = nil
	}
}

// File returns the underlying write handle when available.
func (l *Logger) File() *os.File {
	if l == nil {
		return nil
	}
	return l.writeFile
}
