// Package alertstore persists alert rules, history, cooldowns, maintenance
// windows and notification channels in SQLite through gorm.
package alertstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xtxerr/bandwatch/internal/errors"
)

// Config configures the database.
type Config struct {
	Path        string        `yaml:"path"`
	InMemory    bool          `yaml:"-"`
	EnableWAL   bool          `yaml:"wal"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	MaxOpenConns int `yaml:"max_open_conns"`

	Logger logger.Interface `yaml:"-"`
}

// Store is the alert rule store.
type Store struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

// Open opens the database and migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn, err := dsnFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	gormCfg := &gorm.Config{Logger: logger.Discard}
	if cfg.Logger != nil {
		gormCfg.Logger = cfg.Logger
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}

	switch {
	case cfg.InMemory:
		// Every connection would otherwise see its own empty database.
		sqlDB.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	s := &Store{db: db, sqlDB: sqlDB}

	if cfg.EnableWAL && !cfg.InMemory {
		if err := s.db.WithContext(ctx).Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}

	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return errors.ErrClosed
	}
	return s.sqlDB.PingContext(ctx)
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&AlertConfig{},
		&AlertHistory{},
		&AlertCooldown{},
		&MaintenanceWindow{},
		&NotificationChannel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// DB returns the underlying gorm handle, shared with the lease manager.
func (s *Store) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func dsnFromConfig(cfg Config) (string, error) {
	timeoutMS := int(cfg.BusyTimeout / time.Millisecond)

	if cfg.InMemory {
		return fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(%d)", uuid.NewString(), timeoutMS), nil
	}

	if cfg.Path == "" {
		return "", errors.NewConfiguration("database path is required")
	}

	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", cfg.Path, timeoutMS), nil
}

// notFound maps gorm's record-not-found to errors.ErrNotFound.
func notFound(err error, entity string, id any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.NewNotFound(entity, id)
	}
	return err
}
