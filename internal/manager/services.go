package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gorm.io/gorm"

	"atlas/internal/atlasapi"
	"atlas/internal/auth"
	"atlas/internal/cache"
	"atlas/internal/config"
	"atlas/internal/database"
	"atlas/internal/storage"
)

// services caches the clients built from the configuration. Each one is
// rebuilt lazily once the configuration generation moves past the one it was
// built for.
type services struct {
	mu sync.Mutex

	db    *gorm.DB
	dbKey string

	store    cache.Store
	storeKey string

	auth    *auth.Service
	authGen uint64

	api    *atlasapi.Client
	apiErr error
	apiGen uint64

	resolver *storage.Resolver
}

// DatabaseConfig returns the database section with relative SQLite paths
// resolved against the root path.
func (m *Manager) DatabaseConfig(cfg *config.Config) config.DatabaseConfig {
	db := cfg.Database
	if strings.EqualFold(db.Driver, config.DriverSQLite) && cfg.Paths != nil {
		if resolved, err := cfg.Paths.Resolve(db.URL); err == nil {
			db.URL = resolved
		}
	}
	return db
}

// DB returns the shared gorm handle, reopening it and applying migrations
// when the database section changes.
func (m *Manager) DB(ctx context.Context) (*gorm.DB, error) {
	cfg := m.Snapshot()
	m.svc.mu.Lock()
	defer m.svc.mu.Unlock()
	return m.dbLocked(ctx, cfg)
}

func (m *Manager) dbLocked(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	dbCfg := m.DatabaseConfig(cfg)
	key := strings.ToLower(dbCfg.Driver) + "|" + dbCfg.URL
	if m.svc.db != nil && m.svc.dbKey == key {
		return m.svc.db, nil
	}
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, db, dbCfg.Driver); err != nil {
		database.Close(db)
		return nil, err
	}
	if m.svc.db != nil {
		database.Close(m.svc.db)
		m.safeLog("Database connection replaced after configuration change")
	}
	m.svc.db, m.svc.dbKey = db, key
	m.svc.auth = nil
	return db, nil
}

func (m *Manager) storeLocked(cfg *config.Config) cache.Store {
	key := strings.TrimSpace(cfg.Cache.RedisURL)
	if m.svc.store != nil && m.svc.storeKey == key {
		return m.svc.store
	}
	store, err := cache.New(key)
	if err != nil {
		m.safeLog(fmt.Sprintf("Session cache unavailable, using memory: %v", err))
		store = cache.NewMemory()
	}
	if m.svc.store != nil {
		_ = m.svc.store.Close()
	}
	m.svc.store, m.svc.storeKey = store, key
	return store
}

// Auth returns the user/session service for the current configuration.
func (m *Manager) Auth(ctx context.Context) (*auth.Service, error) {
	cfg := m.Snapshot()
	gen := m.Generation()
	m.svc.mu.Lock()
	defer m.svc.mu.Unlock()
	if m.svc.auth != nil && m.svc.authGen == gen {
		return m.svc.auth, nil
	}
	db, err := m.dbLocked(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := m.storeLocked(cfg)
	svc := auth.NewService(db, store, auth.Options{
		Secret:     []byte(cfg.Server.JWTSecret),
		SessionTTL: cfg.Server.SessionDuration(),
	})
	m.svc.auth, m.svc.authGen = svc, gen
	return svc, nil
}

// Authenticate resolves a session token to its user.
func (m *Manager) Authenticate(ctx context.Context, token string) (*auth.User, *auth.Session, error) {
	svc, err := m.Auth(ctx)
	if err != nil {
		return nil, nil, err
	}
	return svc.Authenticate(ctx, token)
}

// API returns the upstream client for the current configuration.
func (m *Manager) API() (*atlasapi.Client, error) {
	cfg := m.Snapshot()
	gen := m.Generation()
	m.svc.mu.Lock()
	defer m.svc.mu.Unlock()
	if m.svc.apiGen == gen && (m.svc.api != nil || m.svc.apiErr != nil) {
		return m.svc.api, m.svc.apiErr
	}
	m.svc.api, m.svc.apiErr = atlasapi.New(cfg.API, nil)
	m.svc.apiGen = gen
	return m.svc.api, m.svc.apiErr
}

// Presigner returns the storage backend for the current configuration.
func (m *Manager) Presigner(ctx context.Context) (storage.Presigner, error) {
	m.svc.mu.Lock()
	if m.svc.resolver == nil {
		m.svc.resolver = storage.NewResolver(func() (*config.Config, uint64) {
			cfg := m.Snapshot()
			return cfg, m.Generation()
		})
	}
	resolver := m.svc.resolver
	m.svc.mu.Unlock()
	return resolver.Presigner(ctx)
}

// CheckReady reports why the service cannot take traffic yet, if anything.
func (m *Manager) CheckReady(ctx context.Context) error {
	if !m.IsSetupComplete() {
		return ErrSetupIncomplete
	}
	db, err := m.DB(ctx)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func (m *Manager) closeServices() {
	m.svc.mu.Lock()
	defer m.svc.mu.Unlock()
	var errs []error
	if m.svc.store != nil {
		errs = append(errs, m.svc.store.Close())
		m.svc.store = nil
	}
	if m.svc.db != nil {
		database.Close(m.svc.db)
		m.svc.db = nil
	}
	m.svc.auth = nil
	m.svc.api, m.svc.apiErr = nil, nil
	if err := errors.Join(errs...); err != nil {
		m.safeLog(fmt.Sprintf("Error closing services: %v", err))
	}
}
