// Package manager owns the Atlas configuration document: loading, atomic
// persistence, snapshot caching, hot reload and the services built from it.
package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"

	"atlas/internal/config"
	"atlas/internal/utils"
)

const (
	// DefaultConfigFile is used when neither a flag nor ATLAS_CONFIG names a file.
	DefaultConfigFile = "atlas.config.json"
	// ConfigEnvVar names the environment variable that locates the config file.
	ConfigEnvVar = "ATLAS_CONFIG"

	defaultCacheCheckInterval = time.Second
	defaultWatchInterval      = 2 * time.Second
)

var (
	ErrSetupComplete   = errors.New("setup already completed")
	ErrSetupIncomplete = errors.New("setup not completed")
	ErrNoConfigFile    = errors.New("no configuration file")
)

// ChangeReason tells listeners why the document changed.
type ChangeReason string

const (
	ChangeSaved    ChangeReason = "saved"
	ChangeReloaded ChangeReason = "reloaded"
)

// Change describes a configuration transition delivered to listeners.
type Change struct {
	Old    *config.Config
	New    *config.Config
	Reason ChangeReason
}

// Listener receives configuration changes. Listeners must not block.
type Listener func(Change)

// Manager holds the in-memory configuration and keeps it in sync with disk.
type Manager struct {
	ConfigFile string
	Paths      *utils.Paths
	Log        *utils.Logger

	mu        sync.RWMutex
	cfg       *config.Config
	modTime   time.Time
	size      int64
	lastCheck time.Time

	generation atomic.Uint64

	cacheCheckInterval time.Duration
	watchInterval      time.Duration

	listenersMu sync.RWMutex
	listeners   []Listener

	watchMu   sync.Mutex
	watchStop chan struct{}
	watchDone chan struct{}

	notificationsMu sync.RWMutex
	notifications   []Notification
	notificationSeq atomic.Int64

	telemetry telemetryState
	svc       services
}

// ResolveConfigPath returns the configuration path to use: the explicit
// argument, then ATLAS_CONFIG from the environment or a .env file, then
// ./atlas.config.json.
func ResolveConfigPath(configPath string) string {
	if p := strings.TrimSpace(configPath); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(ConfigEnvVar)); p != "" {
		return p
	}
	if env, err := godotenv.Read(); err == nil {
		if p := strings.TrimSpace(env[ConfigEnvVar]); p != "" {
			return p
		}
	}
	return DefaultConfigFile
}

// NewManagerWithConfig creates a Manager loading configuration from the
// resolved path, bootstrapping a default document when the file is missing.
func NewManagerWithConfig(configPath string) (*Manager, error) {
	path, err := filepath.Abs(ResolveConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	m := &Manager{
		ConfigFile:         path,
		Paths:              utils.NewPaths(filepath.Dir(path)),
		cacheCheckInterval: defaultCacheCheckInterval,
		watchInterval:      defaultWatchInterval,
	}

	if !fileExists(path) {
		if err := m.bootstrapDefaultConfig(path, filepath.Dir(path)); err != nil {
			return nil, err
		}
	}

	if err := m.Load(); err != nil {
		return nil, err
	}
	m.startLogs()
	m.safeLog(fmt.Sprintf("Configuration loaded from %s", m.ConfigFile))
	return m, nil
}

func (m *Manager) bootstrapDefaultConfig(configPath, rootPath string) error {
	if strings.TrimSpace(configPath) == "" {
		return fmt.Errorf("config path cannot be empty")
	}
	if strings.TrimSpace(rootPath) == "" {
		return fmt.Errorf("root path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to ensure config directory: %w", err)
	}
	data, err := json.MarshalIndent(config.Default(rootPath), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal default configuration: %w", err)
	}
	if err := writeFileAtomic(configPath, data); err != nil {
		return fmt.Errorf("failed to write default configuration: %w", err)
	}
	return nil
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func (m *Manager) safeLog(message string) {
	if m.Log != nil {
		m.Log.Write(message)
	}
}

func (m *Manager) startLogs() {
	if m.Paths == nil {
		return
	}
	m.Paths.EnsureLayout(nil)
	if m.Log != nil {
		if m.Log.Path() == m.Paths.LogFile() {
			return
		}
		m.Log.Close()
	}
	m.Log = utils.NewLogger(m.Paths.LogFile())
}

// Close stops the watcher and releases services.
func (m *Manager) Close() {
	m.StopWatcher()
	m.StopTelemetryMonitor()
	m.closeServices()
	if m.Log != nil {
		m.Log.Close()
	}
}

// Load reads and parses the configuration file, replacing the in-memory document.
func (m *Manager) Load() error {
	if strings.TrimSpace(m.ConfigFile) == "" {
		return ErrNoConfigFile
	}
	cfg, info, err := m.readFromDisk()
	if err != nil {
		return err
	}
	m.mu.Lock()
	old := m.cfg
	m.cfg = cfg
	m.recordFileLocked(info)
	if cfg.Paths != nil && strings.TrimSpace(cfg.Paths.RootPath) != "" {
		m.Paths = utils.NewPaths(cfg.Paths.RootPath)
	}
	m.mu.Unlock()
	m.generation.Add(1)
	if old != nil {
		m.startLogs()
		m.notify(Change{Old: old, New: cfg.Clone(), Reason: ChangeReloaded})
	}
	return nil
}

func (m *Manager) readFromDisk() (*config.Config, os.FileInfo, error) {
	info, err := os.Stat(m.ConfigFile)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration file not found: %w", err)
	}
	data, err := os.ReadFile(m.ConfigFile)
	if err != nil {
		return nil, nil, fmt.Errorf("read configuration: %w", err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing configuration: %w", err)
	}
	if cfg.Paths == nil || strings.TrimSpace(cfg.Paths.RootPath) == "" {
		cfg.Paths = utils.NewPaths(filepath.Dir(m.ConfigFile))
	}
	return cfg, info, nil
}

func (m *Manager) recordFileLocked(info os.FileInfo) {
	if info == nil {
		return
	}
	m.modTime = info.ModTime()
	m.size = info.Size()
	m.lastCheck = time.Now()
}

// Generation increments every time the in-memory document is replaced.
func (m *Manager) Generation() uint64 {
	return m.generation.Load()
}

// Snapshot returns a deep copy of the current document. The cached copy is
// refreshed when the file on disk has changed since it was last read.
func (m *Manager) Snapshot() *config.Config {
	m.refreshIfStale(false)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// Redacted returns a snapshot with secrets masked.
func (m *Manager) Redacted() *config.Config {
	return config.Redact(m.Snapshot())
}

// refreshIfStale reloads from disk when the file's mtime or size changed.
// Unless forced, the stat is skipped if one ran within cacheCheckInterval.
func (m *Manager) refreshIfStale(force bool) bool {
	m.mu.RLock()
	recent := time.Since(m.lastCheck) < m.cacheCheckInterval
	modTime, size := m.modTime, m.size
	m.mu.RUnlock()
	if recent && !force {
		return false
	}

	info, err := os.Stat(m.ConfigFile)
	if err != nil {
		m.mu.Lock()
		m.lastCheck = time.Now()
		m.mu.Unlock()
		return false
	}
	if info.ModTime().Equal(modTime) && info.Size() == size {
		m.mu.Lock()
		m.lastCheck = time.Now()
		m.mu.Unlock()
		return false
	}
	return m.reloadExternal()
}

// reloadExternal applies an out-of-band edit. Invalid documents are logged
// and ignored so the last good configuration stays active.
func (m *Manager) reloadExternal() bool {
	cfg, info, err := m.readFromDisk()
	if err == nil {
		err = validateForSave(cfg)
	}
	if err != nil {
		m.mu.Lock()
		if info != nil {
			m.recordFileLocked(info)
		} else {
			m.lastCheck = time.Now()
		}
		m.mu.Unlock()
		m.safeLog(fmt.Sprintf("Ignoring configuration change on disk: %v", err))
		return false
	}

	m.mu.Lock()
	if info.ModTime().Equal(m.modTime) && info.Size() == m.size && m.cfg != nil {
		m.mu.Unlock()
		return false
	}
	old := m.cfg
	m.cfg = cfg
	m.recordFileLocked(info)
	m.mu.Unlock()

	m.generation.Add(1)
	m.safeLog("Configuration reloaded from disk")
	m.notify(Change{Old: old, New: cfg.Clone(), Reason: ChangeReloaded})
	return true
}

// Reload forces a re-read of the file regardless of the cache interval.
func (m *Manager) Reload() error {
	cfg, info, err := m.readFromDisk()
	if err != nil {
		return err
	}
	if err := validateForSave(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	old := m.cfg
	m.cfg = cfg
	m.recordFileLocked(info)
	m.mu.Unlock()
	m.generation.Add(1)
	m.safeLog("Configuration reloaded on request")
	m.notify(Change{Old: old, New: cfg.Clone(), Reason: ChangeReloaded})
	return nil
}

// validateForSave validates the whole document once setup has completed.
// While the wizard is running only the server section must be valid; the
// wizard validates each step as it is submitted.
func validateForSave(cfg *config.Config) error {
	if cfg.SetupComplete {
		return config.Validate(cfg)
	}
	return config.ValidateSection(cfg, config.SectionServer)
}

// Save validates and persists the current in-memory document.
func (m *Manager) Save() error {
	return m.Update(func(*config.Config) error { return nil })
}

// Update clones the document, applies fn, validates and persists the result.
// On any error the in-memory document is left unchanged.
func (m *Manager) Update(fn func(*config.Config) error) error {
	// edits made on disk since the last check must not be overwritten
	m.refreshIfStale(true)
	m.mu.Lock()
	if m.cfg == nil {
		m.mu.Unlock()
		return ErrNoConfigFile
	}
	next := m.cfg.Clone()
	if err := fn(next); err != nil {
		m.mu.Unlock()
		return err
	}
	config.ApplyDefaults(next)
	old, err := m.persistLocked(next)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.generation.Add(1)
	m.notify(Change{Old: old, New: next.Clone(), Reason: ChangeSaved})
	return nil
}

// UpdateSection decodes raw JSON over the named section and persists it.
// Masked secrets keep their stored values.
func (m *Manager) UpdateSection(section string, raw []byte) error {
	return m.Update(func(cfg *config.Config) error {
		next, err := config.DecodeSection(cfg, section, raw)
		if err != nil {
			return err
		}
		if err := config.ValidateSection(next, section); err != nil {
			return err
		}
		*cfg = *next
		return nil
	})
}

func (m *Manager) persistLocked(next *config.Config) (*config.Config, error) {
	if m.ConfigFile == "" {
		return nil, ErrNoConfigFile
	}
	if err := validateForSave(next); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		m.safeLog(fmt.Sprintf("Error marshaling configuration: %v", err))
		return nil, fmt.Errorf("marshal configuration: %w", err)
	}
	if err := writeFileAtomic(m.ConfigFile, data); err != nil {
		m.safeLog(fmt.Sprintf("Error saving configuration: %v", err))
		return nil, fmt.Errorf("save configuration: %w", err)
	}
	if info, err := os.Stat(m.ConfigFile); err == nil {
		m.recordFileLocked(info)
	}
	old := m.cfg
	m.cfg = next
	m.safeLog("Configuration saved successfully")
	return old, nil
}

// writeFileAtomic writes data to a temp file beside path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// Subscribe registers fn for configuration changes.
func (m *Manager) Subscribe(fn Listener) {
	if fn == nil {
		return
	}
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

func (m *Manager) notify(change Change) {
	m.listenersMu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}
}

// StartWatcher polls the configuration file for external edits.
func (m *Manager) StartWatcher() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watchStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.watchStop, m.watchDone = stop, done
	interval := m.watchInterval
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.refreshIfStale(true)
			case <-stop:
				return
			}
		}
	}()
}

// StopWatcher stops a running watcher and waits for it to exit.
func (m *Manager) StopWatcher() {
	m.watchMu.Lock()
	stop, done := m.watchStop, m.watchDone
	m.watchStop, m.watchDone = nil, nil
	m.watchMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// IsSetupComplete reports whether the wizard has finished.
func (m *Manager) IsSetupComplete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg != nil && m.cfg.SetupComplete
}

// MarkSetupComplete validates the full document and flags setup as done.
func (m *Manager) MarkSetupComplete() error {
	return m.Update(func(cfg *config.Config) error {
		if cfg.SetupComplete {
			return ErrSetupComplete
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}
		now := time.Now().UTC()
		cfg.SetupComplete = true
		cfg.SetupCompletedAt = &now
		return nil
	})
}
