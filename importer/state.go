package importer

import (
	"fmt"
	"time"

	"github.com/khankhulgun/offlinemap/models"
	"gorm.io/gorm"
)

// Every write below is guarded by state = 'active', so an import leaves the
// active state exactly once and is never reopened.

func recordProgress(db *gorm.DB, id string, soFar, bytesSoFar int64) error {
	err := db.Model(&models.Import{}).
		Where("id = ? AND state = ?", id, models.ImportActive).
		Updates(map[string]any{
			"imported_resources": soFar,
			"imported_bytes":     bytesSoFar,
			"last_updated":       time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("record progress of import %s: %w", id, err)
	}
	return nil
}

// finish moves an active import to a terminal state. It reports whether this
// call made the transition.
func finish(db *gorm.DB, id, state string, code *string, soFar, bytesSoFar int64) (bool, error) {
	now := time.Now().UTC()
	updates := map[string]any{
		"state":        state,
		"error":        code,
		"finished":     now,
		"last_updated": now,
	}
	if soFar >= 0 {
		updates["imported_resources"] = soFar
		updates["imported_bytes"] = bytesSoFar
	}
	result := db.Model(&models.Import{}).
		Where("id = ? AND state = ?", id, models.ImportActive).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("finish import %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func errorCode(code string) *string {
	return &code
}
