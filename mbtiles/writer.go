package mbtiles

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS metadata (name TEXT, value TEXT);
CREATE UNIQUE INDEX IF NOT EXISTS metadata_name ON metadata (name);
CREATE TABLE IF NOT EXISTS tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB);
CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row);
`

// Writer creates an MBTiles archive. All writes happen in one transaction
// that is committed by Close.
type Writer struct {
	db *sql.DB
	tx *sql.Tx
}

// Create creates a new archive at path with the given metadata. Empty
// metadata fields are not written.
func Create(path string, meta Metadata) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply archive schema: %w", err)
	}
	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("begin archive transaction: %w", err)
	}

	w := &Writer{db: db, tx: tx}
	if err := w.writeMetadata(meta); err != nil {
		tx.Rollback()
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeMetadata(meta Metadata) error {
	values := map[string]string{
		"name":        meta.Name,
		"format":      meta.Format,
		"type":        meta.Type,
		"description": meta.Description,
		"attribution": meta.Attribution,
	}
	if meta.MinZoom != 0 || meta.MaxZoom != 0 {
		values["minzoom"] = strconv.Itoa(meta.MinZoom)
		values["maxzoom"] = strconv.Itoa(meta.MaxZoom)
	}
	if len(meta.Bounds) == 4 {
		values["bounds"] = joinFloats(meta.Bounds)
	}
	if len(meta.Center) == 3 {
		values["center"] = joinFloats(meta.Center)
	}
	if len(meta.VectorLayers) > 0 {
		raw, err := json.Marshal(map[string]any{"vector_layers": meta.VectorLayers})
		if err != nil {
			return fmt.Errorf("encode vector layers: %w", err)
		}
		values["json"] = string(raw)
	}

	for name, value := range values {
		if value == "" {
			continue
		}
		if _, err := w.tx.Exec(`INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?)`, name, value); err != nil {
			return fmt.Errorf("write metadata %s: %w", name, err)
		}
	}
	return nil
}

// WriteTile stores an XYZ addressed tile.
func (w *Writer) WriteTile(z, x, y int, data []byte) error {
	_, err := w.tx.Exec(`INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`,
		z, x, flipY(z, y), data)
	if err != nil {
		return fmt.Errorf("write tile %d/%d/%d: %w", z, x, y, err)
	}
	return nil
}

// Close commits the archive.
func (w *Writer) Close() error {
	if err := w.tx.Commit(); err != nil {
		w.db.Close()
		return fmt.Errorf("commit archive: %w", err)
	}
	return w.db.Close()
}

func joinFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}
