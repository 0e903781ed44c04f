package migrations

import (
	"fmt"

	"github.com/khankhulgun/offlinemap/models"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Tileset{},
		&models.Style{},
		&models.StyleSource{},
		&models.Import{},
		&models.Tile{},
		&models.TileData{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	// Placement lookups by blob drive garbage collection and byte accounting.
	createIndexes := `
	CREATE INDEX IF NOT EXISTS idx_tile_data_tileset ON tile_data (tileset_id);
	CREATE INDEX IF NOT EXISTS idx_imports_state ON imports (state);
	`
	if err := db.Exec(createIndexes).Error; err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}
