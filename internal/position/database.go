package position

import (
	"errors"

	"github.com/ksred/klear-exec/internal/types"
	"gorm.io/gorm"
)

// Database holds transaction-scoped position queries.
type Database struct{}

func NewDatabase() *Database {
	return &Database{}
}

func (d *Database) GetPosition(tx *gorm.DB, symbol string, side types.Side) (*types.PositionMetadata, error) {
	var pos types.PositionMetadata
	if err := tx.Where("symbol = ? AND side = ?", symbol, side).First(&pos).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pos, nil
}

// SavePosition inserts or replaces the live row for pos.Symbol/pos.Side.
func (d *Database) SavePosition(tx *gorm.DB, pos *types.PositionMetadata) error {
	existing, err := d.GetPosition(tx, pos.Symbol, pos.Side)
	if err != nil {
		return err
	}
	if existing != nil {
		pos.ID = existing.ID
	} else {
		pos.ID = 0
	}
	return tx.Save(pos).Error
}

func (d *Database) DeletePosition(tx *gorm.DB, symbol string, side types.Side) error {
	return tx.Where("symbol = ? AND side = ?", symbol, side).Delete(&types.PositionMetadata{}).Error
}

func (d *Database) ListPositions(tx *gorm.DB) ([]types.PositionMetadata, error) {
	var out []types.PositionMetadata
	err := tx.Order("opened_at ASC").Find(&out).Error
	return out, err
}

func (d *Database) ListBySymbol(tx *gorm.DB, symbol string) ([]types.PositionMetadata, error) {
	var out []types.PositionMetadata
	err := tx.Where("symbol = ?", symbol).Order("side ASC").Find(&out).Error
	return out, err
}

func (d *Database) GetTrailing(tx *gorm.DB, symbol string, side types.Side) (*types.TrailingStopState, error) {
	var st types.TrailingStopState
	if err := tx.Where("symbol = ? AND side = ?", symbol, side).First(&st).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

// SaveTrailing inserts or replaces the trailing state for st.Symbol/st.Side.
func (d *Database) SaveTrailing(tx *gorm.DB, st *types.TrailingStopState) error {
	existing, err := d.GetTrailing(tx, st.Symbol, st.Side)
	if err != nil {
		return err
	}
	if existing != nil {
		st.ID = existing.ID
	} else {
		st.ID = 0
	}
	return tx.Save(st).Error
}

func (d *Database) DeleteTrailing(tx *gorm.DB, symbol string, side types.Side) error {
	return tx.Where("symbol = ? AND side = ?", symbol, side).Delete(&types.TrailingStopState{}).Error
}

func (d *Database) ListHistory(tx *gorm.DB, limit int) ([]types.ClosedTrade, error) {
	var out []types.ClosedTrade
	q := tx.Order("closed_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
