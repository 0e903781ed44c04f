package tilestore

import (
	"context"
	"fmt"

	"github.com/khankhulgun/offlinemap/mbtiles"
	"github.com/khankhulgun/offlinemap/models"
)

// Export writes every placement of a tileset into a new MBTiles archive at
// path and returns the number of tiles written.
func (s *Store) Export(ctx context.Context, ts *models.Tileset, path string) (int64, error) {
	w, err := mbtiles.Create(path, mbtiles.Metadata{
		Name:         ts.Name,
		Format:       ts.TileFormat,
		Type:         "baselayer",
		Attribution:  ts.Attribution,
		MinZoom:      ts.MinZoom,
		MaxZoom:      ts.MaxZoom,
		Bounds:       ts.Bounds,
		Center:       ts.Center,
		VectorLayers: ts.VectorLayers,
	})
	if err != nil {
		return 0, err
	}

	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT td.z, td.x, td.y, t.data FROM tile_data td
		JOIN tiles t ON t.hash = td.tile_hash
		WHERE td.tileset_id = ?
		ORDER BY td.z, td.x, td.y`, ts.ID).Rows()
	if err != nil {
		w.Close()
		return 0, fmt.Errorf("read placements: %w", err)
	}
	defer rows.Close()

	var written int64
	for rows.Next() {
		var z, x, y int
		var data []byte
		if err := rows.Scan(&z, &x, &y, &data); err != nil {
			w.Close()
			return written, fmt.Errorf("scan placement: %w", err)
		}
		if err := w.WriteTile(z, x, y, data); err != nil {
			w.Close()
			return written, err
		}
		written++
	}
	if err := rows.Err(); err != nil {
		w.Close()
		return written, fmt.Errorf("read placements: %w", err)
	}
	return written, w.Close()
}
