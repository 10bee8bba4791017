package cooldown

import (
	"context"
	"time"

	"github.com/ksred/klear-exec/internal/database"
	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Config sets the default re-entry block and how long closes are kept.
type Config struct {
	// DefaultDuration applies when a close carries no duration of its own.
	DefaultDuration time.Duration `yaml:"default_duration"`
	// MaxRetention drops entries older than this regardless of duration.
	MaxRetention time.Duration `yaml:"max_retention"`
	MaxRows      int           `yaml:"max_rows"`
}

// DefaultConfig returns the ledger defaults.
func DefaultConfig() Config {
	return Config{
		DefaultDuration: 15 * time.Minute,
		MaxRetention:    7 * 24 * time.Hour,
		MaxRows:         1000,
	}
}

// Ledger records recent closes and blocks same-direction re-entry.
type Ledger struct {
	store *database.Store
	cfg   Config
}

// NewLedger creates a cooldown ledger backed by store.
func NewLedger(store *database.Store, cfg Config) *Ledger {
	return &Ledger{store: store, cfg: cfg}
}

// RecordClose appends a cooldown for symbol+side starting at closedAt.
func (l *Ledger) RecordClose(ctx context.Context, symbol string, side types.Side, reason string, duration time.Duration, closedAt time.Time) error {
	return l.store.Update(ctx, func(tx *gorm.DB) error {
		return l.RecordCloseTx(tx, symbol, side, reason, duration, closedAt)
	})
}

// RecordCloseTx is RecordClose inside a caller-owned transaction.
func (l *Ledger) RecordCloseTx(tx *gorm.DB, symbol string, side types.Side, reason string, duration time.Duration, closedAt time.Time) error {
	if duration <= 0 {
		duration = l.cfg.DefaultDuration
	}
	if duration <= 0 {
		return nil
	}

	entry := &types.Cooldown{
		Symbol:      symbol,
		Side:        side,
		ClosedAt:    closedAt,
		Reason:      reason,
		DurationSec: int64(duration / time.Second),
	}
	if err := tx.Create(entry).Error; err != nil {
		return err
	}

	log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("reason", reason).
		Time("expires_at", entry.ExpiresAt()).
		Msg("cooldown recorded")
	return nil
}

// IsBlocked reports whether an unexpired cooldown matches symbol+side and
// returns the one that expires last.
func (l *Ledger) IsBlocked(ctx context.Context, symbol string, side types.Side, now time.Time) (bool, *types.Cooldown, error) {
	var entries []types.Cooldown
	err := l.store.View(ctx, func(db *gorm.DB) error {
		return db.Where("symbol = ? AND side = ?", symbol, side).Find(&entries).Error
	})
	if err != nil {
		return false, nil, err
	}

	var worst *types.Cooldown
	for i := range entries {
		c := &entries[i]
		if !c.Active(now) {
			continue
		}
		if worst == nil || c.ExpiresAt().After(worst.ExpiresAt()) {
			worst = c
		}
	}
	return worst != nil, worst, nil
}

// Active lists every cooldown still in force at now.
func (l *Ledger) Active(ctx context.Context, now time.Time) ([]types.Cooldown, error) {
	var entries []types.Cooldown
	err := l.store.View(ctx, func(db *gorm.DB) error {
		return db.Order("closed_at DESC").Find(&entries).Error
	})
	if err != nil {
		return nil, err
	}

	out := entries[:0]
	for _, c := range entries {
		if c.Active(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Prune deletes expired entries, entries older than MaxRetention, and the
// oldest rows beyond MaxRows.
func (l *Ledger) Prune(ctx context.Context, now time.Time) (int, error) {
	var removed int64
	err := l.store.Update(ctx, func(tx *gorm.DB) error {
		var entries []types.Cooldown
		if err := tx.Find(&entries).Error; err != nil {
			return err
		}

		var ids []uint
		for _, c := range entries {
			tooOld := l.cfg.MaxRetention > 0 && now.Sub(c.ClosedAt) > l.cfg.MaxRetention
			if !c.Active(now) || tooOld {
				ids = append(ids, c.ID)
			}
		}
		if len(ids) > 0 {
			res := tx.Delete(&types.Cooldown{}, ids)
			if res.Error != nil {
				return res.Error
			}
			removed += res.RowsAffected
		}

		if l.cfg.MaxRows > 0 {
			res := tx.Exec(`DELETE FROM cooldowns WHERE id NOT IN (
				SELECT id FROM cooldowns ORDER BY closed_at DESC, id DESC LIMIT ?
			)`, l.cfg.MaxRows)
			if res.Error != nil {
				return res.Error
			}
			removed += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		log.Debug().Int64("removed", removed).Msg("pruned cooldowns")
	}
	return int(removed), nil
}
