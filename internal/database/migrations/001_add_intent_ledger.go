package migrations

import (
	"github.com/ksred/klear-exec/internal/types"
	"gorm.io/gorm"
)

// AddIntentLedger creates the intent registry and the single state version row.
func AddIntentLedger(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.OrderIntent{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.StateVersion{}); err != nil {
		return err
	}

	// Seed the version row so every later transaction can bump it in place
	return db.Exec(`INSERT OR IGNORE INTO state_versions (id, version, updated_at)
		VALUES (1, 0, CURRENT_TIMESTAMP)`).Error
}
