package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/klear-exec/internal/database/migrations"
	"github.com/ksred/klear-exec/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store owns the engine's durable state. All mutations run through Update,
// which holds one exclusive lock for the whole load -> mutate -> persist cycle
// and bumps the state version in the same transaction.
//
// The store assumes a single writer process owns the database file.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewDatabase opens (or creates) the sqlite file at path and runs migrations
func NewDatabase(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One connection keeps sqlite writes strictly serialized
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	// Run migrations
	if err := migrations.AddIntentLedger(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddPositionTracking(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Update runs fn inside a transaction while holding the store lock.
func (s *Store) Update(ctx context.Context, fn func(tx *gorm.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Model(&types.StateVersion{}).
			Where("id = ?", 1).
			Updates(map[string]interface{}{
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now(),
			}).Error
	})
}

// View runs a read-only query.
func (s *Store) View(ctx context.Context, fn func(db *gorm.DB) error) error {
	return fn(s.db.WithContext(ctx))
}

// Version returns the current state version.
func (s *Store) Version(ctx context.Context) (int64, error) {
	var v types.StateVersion
	if err := s.db.WithContext(ctx).First(&v, 1).Error; err != nil {
		return 0, err
	}
	return v.Version, nil
}

// Ping checks the underlying connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AppendClosedTrade writes rec and trims history to the newest limit rows.
func AppendClosedTrade(tx *gorm.DB, rec *types.ClosedTrade, limit int) error {
	if err := tx.Create(rec).Error; err != nil {
		return err
	}
	if limit <= 0 {
		return nil
	}

	return tx.Exec(`DELETE FROM closed_trades WHERE id NOT IN (
		SELECT id FROM closed_trades ORDER BY closed_at DESC, id DESC LIMIT ?
	)`, limit).Error
}
