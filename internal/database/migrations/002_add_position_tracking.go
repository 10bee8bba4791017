package migrations

import (
	"github.com/ksred/klear-exec/internal/types"
	"gorm.io/gorm"
)

// AddPositionTracking creates position, trailing stop, cooldown and history
// tables along with the indexes used by the monitor loop.
func AddPositionTracking(db *gorm.DB) error {
	err := db.AutoMigrate(
		&types.PositionMetadata{},
		&types.TrailingStopState{},
		&types.Cooldown{},
		&types.ClosedTrade{},
	)
	if err != nil {
		return err
	}

	indexes := []string{
		// Pending LIMIT polling filters on status and entry type
		`CREATE INDEX IF NOT EXISTS idx_order_intents_status_entry
		 ON order_intents(status, entry_type)`,

		// Purge scans terminal records by age
		`CREATE INDEX IF NOT EXISTS idx_order_intents_updated_at
		 ON order_intents(updated_at)`,

		// History trimming keeps the newest rows
		`CREATE INDEX IF NOT EXISTS idx_closed_trades_closed_at_id
		 ON closed_trades(closed_at, id)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
