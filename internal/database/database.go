// Package database opens the relational store holding users and sessions and
// applies its schema migrations.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"atlas/internal/config"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// ErrUnsupportedDriver is returned for drivers other than sqlite and postgres.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Open connects with gorm and applies pool limits.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("database url required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case config.DriverPostgres:
		return postgres.Open(url), nil
	case config.DriverSQLite:
		return sqlite.Open(sqliteDSN(url)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// sqliteDSN turns a file path into a DSN with foreign keys enabled and makes
// sure the parent directory exists.
func sqliteDSN(path string) string {
	path = strings.TrimPrefix(path, "file:")
	file := path
	if i := strings.IndexByte(file, '?'); i >= 0 {
		file = file[:i]
	}
	if file != ":memory:" && file != "" {
		_ = os.MkdirAll(filepath.Dir(file), 0o755)
	}
	if strings.Contains(path, "_foreign_keys") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_busy_timeout=5000"
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded migrations for driver.
func Migrate(ctx context.Context, db *gorm.DB, driver string) error {
	var (
		dir     string
		dialect string
	)
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case config.DriverPostgres:
		dir, dialect = "migrations/postgres", "postgres"
	case config.DriverSQLite:
		dir, dialect = "migrations/sqlite", "sqlite3"
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	sub, err := fs.Sub(migrations, dir)
	if err != nil {
		return err
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(sub)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Ping verifies that the configured database is reachable.
func Ping(ctx context.Context, cfg config.DatabaseConfig) error {
	if strings.EqualFold(strings.TrimSpace(cfg.Driver), config.DriverPostgres) {
		conn, err := pgx.Connect(ctx, strings.TrimSpace(cfg.URL))
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer conn.Close(context.Background())
		return conn.Ping(ctx)
	}
	db, err := Open(cfg)
	if err != nil {
		return err
	}
	defer Close(db)
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the pool behind db.
func Close(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
