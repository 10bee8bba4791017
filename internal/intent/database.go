package intent

import (
	"errors"
	"time"

	"github.com/ksred/klear-exec/internal/database"
	"github.com/ksred/klear-exec/internal/types"
	"gorm.io/gorm"
)

// Database holds the intent queries. Every method takes the transaction or
// handle it runs on so callers can compose them inside one store update.
type Database struct{}

func NewDatabase() *Database {
	return &Database{}
}

func (d *Database) CreateIntent(tx *gorm.DB, intent *types.OrderIntent) error {
	return tx.Create(intent).Error
}

func (d *Database) GetIntent(tx *gorm.DB, intentID string) (*types.OrderIntent, error) {
	var intent types.OrderIntent
	if err := tx.Where("intent_id = ?", intentID).First(&intent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &intent, nil
}

func (d *Database) UpdateIntent(tx *gorm.DB, intent *types.OrderIntent) error {
	return tx.Save(intent).Error
}

// CountActive counts PENDING and EXECUTING intents for symbol+side.
func (d *Database) CountActive(tx *gorm.DB, symbol string, side types.Side) (int64, error) {
	var count int64
	err := tx.Model(&types.OrderIntent{}).
		Where("symbol = ? AND side = ? AND status IN ?", symbol, side, activeStatuses()).
		Count(&count).Error
	return count, err
}

func (d *Database) ListActive(tx *gorm.DB, symbol string, side types.Side) ([]types.OrderIntent, error) {
	var intents []types.OrderIntent
	err := tx.Where("symbol = ? AND side = ? AND status IN ?", symbol, side, activeStatuses()).
		Order("created_at ASC").
		Find(&intents).Error
	return intents, err
}

func (d *Database) ListByStatus(tx *gorm.DB, statuses ...types.IntentStatus) ([]types.OrderIntent, error) {
	var intents []types.OrderIntent
	err := tx.Where("status IN ?", statuses).Order("created_at ASC").Find(&intents).Error
	return intents, err
}

// ListRestingLimits returns LIMIT intents that have a resting exchange order.
func (d *Database) ListRestingLimits(tx *gorm.DB) ([]types.OrderIntent, error) {
	var intents []types.OrderIntent
	err := tx.Where("status = ? AND entry_type = ? AND exchange_order_id <> ''", types.IntentExecuting, types.EntryLimit).
		Order("created_at ASC").
		Find(&intents).Error
	return intents, err
}

func (d *Database) ListTerminalBefore(tx *gorm.DB, cutoff time.Time) ([]types.OrderIntent, error) {
	var intents []types.OrderIntent
	err := tx.Where("status IN ? AND updated_at < ?", []types.IntentStatus{
		types.IntentExecuted, types.IntentFailed, types.IntentCancelled,
	}, cutoff).Find(&intents).Error
	return intents, err
}

func (d *Database) HasHistory(tx *gorm.DB, intentID string) (bool, error) {
	var count int64
	err := tx.Model(&types.ClosedTrade{}).Where("intent_id = ?", intentID).Count(&count).Error
	return count > 0, err
}

// HasOpenPosition reports whether an executed intent still backs a live position.
func (d *Database) HasOpenPosition(tx *gorm.DB, intentID string) (bool, error) {
	var count int64
	err := tx.Model(&types.PositionMetadata{}).Where("intent_id = ?", intentID).Count(&count).Error
	return count > 0, err
}

// DeleteIntent hard deletes an intent and writes its audit entry first when
// history does not already reference it.
func (d *Database) DeleteIntent(tx *gorm.DB, intent *types.OrderIntent, historyLimit int, now time.Time) error {
	seen, err := d.HasHistory(tx, intent.IntentID)
	if err != nil {
		return err
	}
	if !seen {
		audit := &types.ClosedTrade{
			Symbol:     intent.Symbol,
			Side:       intent.Side,
			IntentID:   intent.IntentID,
			EntryPrice: intent.EntryPrice,
			Leverage:   intent.Leverage,
			Reason:     types.CloseIntentPurged + ":" + string(intent.Status),
			OpenedAt:   intent.CreatedAt,
			ClosedAt:   now,
		}
		if err := database.AppendClosedTrade(tx, audit, historyLimit); err != nil {
			return err
		}
	}
	return tx.Delete(&types.OrderIntent{}, intent.ID).Error
}

func activeStatuses() []types.IntentStatus {
	return []types.IntentStatus{types.IntentPending, types.IntentExecuting}
}
