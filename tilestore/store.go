// Package tilestore keeps tile bytes content addressed: identical tiles are
// stored once no matter how many tilesets or coordinates place them. Blobs are
// reference counted through their placements and collected when the last
// placement goes away.
package tilestore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/khankhulgun/offlinemap/apierror"
	"github.com/khankhulgun/offlinemap/models"
	"github.com/zeebo/blake3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Hash returns the content address of a tile.
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Placement is a tile to be stored at an XYZ coordinate.
type Placement struct {
	Z    int
	X    int
	Y    int
	Data []byte
}

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Put stores data at the given coordinate of a tileset.
func (s *Store) Put(ctx context.Context, tilesetID string, z, x, y int, data []byte) error {
	return s.PutBatch(ctx, tilesetID, []Placement{{Z: z, X: x, Y: y, Data: data}})
}

// PutBatch stores several placements in one transaction. It fails with
// apierror.ErrNotFound when the tileset no longer exists.
func (s *Store) PutBatch(ctx context.Context, tilesetID string, placements []Placement) error {
	if len(placements) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exists int64
		if err := tx.Model(&models.Tileset{}).Where("id = ?", tilesetID).Count(&exists).Error; err != nil {
			return fmt.Errorf("read tileset %s: %w", tilesetID, err)
		}
		if exists == 0 {
			return fmt.Errorf("tileset %s: %w", tilesetID, apierror.ErrNotFound)
		}
		for _, p := range placements {
			if err := put(tx, tilesetID, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func put(tx *gorm.DB, tilesetID string, p Placement) error {
	hash := Hash(p.Data)

	var previous string
	err := tx.Raw(`SELECT tile_hash FROM tile_data WHERE tileset_id = ? AND z = ? AND x = ? AND y = ?`,
		tilesetID, p.Z, p.X, p.Y).Row().Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read placement %d/%d/%d: %w", p.Z, p.X, p.Y, err)
	}
	if previous == hash {
		return nil
	}

	blob := models.Tile{Hash: hash, Data: p.Data, Length: int64(len(p.Data))}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&blob).Error; err != nil {
		return fmt.Errorf("insert tile %s: %w", hash, err)
	}

	placement := models.TileData{TilesetID: tilesetID, Z: p.Z, X: p.X, Y: p.Y, TileHash: hash}
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&placement).Error; err != nil {
		return fmt.Errorf("insert placement %d/%d/%d: %w", p.Z, p.X, p.Y, err)
	}

	if previous != "" {
		if err := tx.Exec(`DELETE FROM tiles WHERE hash = ? AND NOT EXISTS (SELECT 1 FROM tile_data WHERE tile_hash = ?)`,
			previous, previous).Error; err != nil {
			return fmt.Errorf("release tile %s: %w", previous, err)
		}
	}
	return nil
}

// Get returns the bytes placed at a coordinate or apierror.ErrNotFound.
func (s *Store) Get(ctx context.Context, tilesetID string, z, x, y int) ([]byte, error) {
	var data []byte
	err := s.db.WithContext(ctx).Raw(`
		SELECT t.data FROM tile_data td
		JOIN tiles t ON t.hash = td.tile_hash
		WHERE td.tileset_id = ? AND td.z = ? AND td.x = ? AND td.y = ?`,
		tilesetID, z, x, y).Row().Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tile %s/%d/%d/%d: %w", tilesetID, z, x, y, apierror.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read tile: %w", err)
	}
	return data, nil
}

// BytesStoredFor sums the sizes of the distinct blobs reachable from the
// tilesets a style references. A blob shared by several coordinates or
// tilesets of the style is counted once.
func (s *Store) BytesStoredFor(ctx context.Context, styleID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Raw(`
		SELECT COALESCE(SUM(length), 0) FROM tiles WHERE hash IN (
			SELECT td.tile_hash FROM tile_data td
			JOIN style_sources ss ON ss.tileset_id = td.tileset_id
			WHERE ss.style_id = ?
		)`, styleID).Row().Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("bytes stored for %s: %w", styleID, err)
	}
	return total, nil
}

// DeleteStyle removes a style together with every tileset that only it
// referenced, their placements, and any blob left without placements. It
// returns the ids of the removed tilesets.
func (s *Store) DeleteStyle(ctx context.Context, styleID string) ([]string, error) {
	var removed []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var referenced []string
		if err := tx.Model(&models.StyleSource{}).Where("style_id = ?", styleID).
			Distinct().Pluck("tileset_id", &referenced).Error; err != nil {
			return fmt.Errorf("read style sources: %w", err)
		}

		// Sources reference the style row, so they go first.
		if err := tx.Where("style_id = ?", styleID).Delete(&models.StyleSource{}).Error; err != nil {
			return fmt.Errorf("delete style sources: %w", err)
		}
		res := tx.Where("id = ?", styleID).Delete(&models.Style{})
		if res.Error != nil {
			return fmt.Errorf("delete style: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("style %s: %w", styleID, apierror.ErrNotFound)
		}

		if len(referenced) > 0 {
			if err := tx.Raw(`
				SELECT id FROM tilesets
				WHERE id IN ? AND NOT EXISTS (SELECT 1 FROM style_sources ss WHERE ss.tileset_id = tilesets.id)`,
				referenced).Scan(&removed).Error; err != nil {
				return fmt.Errorf("find unreferenced tilesets: %w", err)
			}
		}
		if len(removed) > 0 {
			if err := tx.Where("tileset_id IN ?", removed).Delete(&models.TileData{}).Error; err != nil {
				return fmt.Errorf("delete placements: %w", err)
			}
			if err := tx.Where("id IN ?", removed).Delete(&models.Tileset{}).Error; err != nil {
				return fmt.Errorf("delete tilesets: %w", err)
			}
		}

		_, err := collectGarbage(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// CollectGarbage deletes blobs that no placement references.
func (s *Store) CollectGarbage(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		n, err = collectGarbage(tx)
		return err
	})
	return n, err
}

func collectGarbage(tx *gorm.DB) (int64, error) {
	res := tx.Exec(`DELETE FROM tiles WHERE NOT EXISTS (SELECT 1 FROM tile_data td WHERE td.tile_hash = tiles.hash)`)
	if res.Error != nil {
		return 0, fmt.Errorf("collect unreferenced tiles: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Stats reports how many blobs are stored and their total size.
func (s *Store) Stats(ctx context.Context) (blobs int64, bytes int64, err error) {
	err = s.db.WithContext(ctx).Raw(`SELECT COUNT(*), COALESCE(SUM(length), 0) FROM tiles`).Row().Scan(&blobs, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("tile stats: %w", err)
	}
	return blobs, bytes, nil
}
