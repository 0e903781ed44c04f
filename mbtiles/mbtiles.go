// Package mbtiles reads and writes MBTiles archives, the bulk tile packages
// accepted by the import pipeline.
package mbtiles

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

var (
	// ErrNotOpenable means the file does not exist or is not an MBTiles archive.
	ErrNotOpenable = errors.New("mbtiles: archive cannot be opened")
	// ErrMissingMetadata means a required metadata row is absent or malformed.
	ErrMissingMetadata = errors.New("mbtiles: required metadata missing")
	// ErrUnsupportedFormat means the tile encoding is not one the server stores.
	ErrUnsupportedFormat = errors.New("mbtiles: unsupported tile format")
	// ErrUnreadableRow means a tile row could not be read.
	ErrUnreadableRow = errors.New("mbtiles: tile row unreadable")
)

// WorldBounds is used when an archive does not declare its bounds.
var WorldBounds = []float64{-180, -85.0511, 180, 85.0511}

type Metadata struct {
	Name         string
	Format       string
	Type         string
	Description  string
	Attribution  string
	MinZoom      int
	MaxZoom      int
	Bounds       []float64
	Center       []float64
	VectorLayers []map[string]any
}

// Tile is one archive row converted to XYZ addressing.
type Tile struct {
	Z    int
	X    int
	Y    int
	Data []byte
}

type Archive struct {
	db   *sql.DB
	path string
}

// Open opens an archive read-only.
func Open(path string) (*Archive, error) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotOpenable, path)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotOpenable, err)
	}

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name = 'tiles'`).Scan(&name)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrNotOpenable, path, err)
	}
	return &Archive{db: db, path: path}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// Metadata reads the metadata table. A missing name defaults to the archive
// file name without extension; missing zoom levels are taken from the tiles.
func (a *Archive) Metadata() (*Metadata, error) {
	rows, err := a.db.Query(`SELECT name, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingMetadata, err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var name, value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingMetadata, err)
		}
		values[name.String] = value.String
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingMetadata, err)
	}

	format := strings.ToLower(strings.TrimSpace(values["format"]))
	if format == "" {
		return nil, fmt.Errorf("%w: format", ErrMissingMetadata)
	}
	if format == "jpeg" {
		format = "jpg"
	}
	switch format {
	case "png", "jpg", "webp", "pbf":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	meta := &Metadata{
		Name:        values["name"],
		Format:      format,
		Type:        values["type"],
		Description: values["description"],
		Attribution: values["attribution"],
	}
	if meta.Name == "" {
		base := filepath.Base(a.path)
		meta.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	meta.MinZoom, meta.MaxZoom, err = a.zoomRange(values)
	if err != nil {
		return nil, err
	}

	meta.Bounds = WorldBounds
	if raw := values["bounds"]; raw != "" {
		bounds, err := parseFloats(raw, 4)
		if err != nil {
			return nil, fmt.Errorf("%w: bounds: %v", ErrMissingMetadata, err)
		}
		meta.Bounds = bounds
	}

	if raw := values["center"]; raw != "" {
		center, err := parseFloats(raw, 3)
		if err != nil {
			return nil, fmt.Errorf("%w: center: %v", ErrMissingMetadata, err)
		}
		meta.Center = center
	} else {
		bound := orb.Bound{
			Min: orb.Point{meta.Bounds[0], meta.Bounds[1]},
			Max: orb.Point{meta.Bounds[2], meta.Bounds[3]},
		}
		c := bound.Center()
		meta.Center = []float64{c.Lon(), c.Lat(), float64(meta.MinZoom)}
	}

	if raw := values["json"]; raw != "" {
		var doc struct {
			VectorLayers []map[string]any `json:"vector_layers"`
		}
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("%w: json: %v", ErrMissingMetadata, err)
		}
		meta.VectorLayers = doc.VectorLayers
	}
	return meta, nil
}

func (a *Archive) zoomRange(values map[string]string) (int, int, error) {
	minRaw, maxRaw := values["minzoom"], values["maxzoom"]
	if minRaw != "" && maxRaw != "" {
		minZoom, err := strconv.Atoi(strings.TrimSpace(minRaw))
		if err != nil {
			return 0, 0, fmt.Errorf("%w: minzoom: %v", ErrMissingMetadata, err)
		}
		maxZoom, err := strconv.Atoi(strings.TrimSpace(maxRaw))
		if err != nil {
			return 0, 0, fmt.Errorf("%w: maxzoom: %v", ErrMissingMetadata, err)
		}
		return minZoom, maxZoom, nil
	}

	var minZoom, maxZoom sql.NullInt64
	if err := a.db.QueryRow(`SELECT MIN(zoom_level), MAX(zoom_level) FROM tiles`).Scan(&minZoom, &maxZoom); err != nil {
		return 0, 0, fmt.Errorf("%w: zoom levels: %v", ErrMissingMetadata, err)
	}
	return int(minZoom.Int64), int(maxZoom.Int64), nil
}

// Count returns the number of tile rows and their total byte size.
func (a *Archive) Count(ctx context.Context) (int64, int64, error) {
	var count, size int64
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(LENGTH(tile_data)), 0) FROM tiles`).Scan(&count, &size)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnreadableRow, err)
	}
	return count, size, nil
}

// Tiles streams every tile row. Rows are stored in TMS order inside the
// archive and are yielded with the Y axis flipped to XYZ.
func (a *Archive) Tiles(ctx context.Context) iter.Seq2[Tile, error] {
	return func(yield func(Tile, error) bool) {
		rows, err := a.db.QueryContext(ctx, `SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles`)
		if err != nil {
			yield(Tile{}, fmt.Errorf("%w: %v", ErrUnreadableRow, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var z, x, row int
			var data []byte
			if err := rows.Scan(&z, &x, &row, &data); err != nil {
				yield(Tile{}, fmt.Errorf("%w: %v", ErrUnreadableRow, err))
				return
			}
			t := maptile.New(uint32(x), uint32(flipY(z, row)), maptile.Zoom(z))
			if z < 0 || row < 0 || x < 0 || !t.Valid() {
				yield(Tile{}, fmt.Errorf("%w: invalid coordinate %d/%d/%d", ErrUnreadableRow, z, x, row))
				return
			}
			if !yield(Tile{Z: z, X: x, Y: flipY(z, row), Data: data}, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Tile{}, fmt.Errorf("%w: %v", ErrUnreadableRow, err))
		}
	}
}

func flipY(z, y int) int {
	return (1 << uint(z)) - 1 - y
}

func parseFloats(raw string, want int) ([]float64, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != want {
		return nil, fmt.Errorf("want %d values, got %d", want, len(parts))
	}
	out := make([]float64, 0, want)
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
