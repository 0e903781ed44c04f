package models

import "time"

// Tile encodings stored in tilesets.
const (
	FormatRaster = "raster"
	FormatVector = "vector"

	PNG  = "png"
	JPG  = "jpg"
	WEBP = "webp"
	PBF  = "pbf"
)

type Tileset struct {
	ID              string           `gorm:"column:id;primaryKey" json:"id"`
	Name            string           `gorm:"column:name" json:"name"`
	Format          string           `gorm:"column:format" json:"format"`
	TileFormat      string           `gorm:"column:tile_format" json:"tileFormat"`
	MinZoom         int              `gorm:"column:minzoom" json:"minzoom"`
	MaxZoom         int              `gorm:"column:maxzoom" json:"maxzoom"`
	Bounds          []float64        `gorm:"column:bounds;serializer:json" json:"bounds"`
	Center          []float64        `gorm:"column:center;serializer:json" json:"center"`
	Attribution     string           `gorm:"column:attribution" json:"attribution,omitempty"`
	VectorLayers    []map[string]any `gorm:"column:vector_layers;serializer:json" json:"vector_layers,omitempty"`
	UpstreamTileURL string           `gorm:"column:upstream_tile_url" json:"-"`
	CreatedAt       time.Time        `gorm:"column:created_at" json:"-"`
	UpdatedAt       time.Time        `gorm:"column:updated_at" json:"-"`
}

func (t *Tileset) TableName() string {
	return "tilesets"
}

// TileJSON is the TileJSON 2.2 document exchanged with clients and upstream
// providers.
type TileJSON struct {
	TileJSON     string           `json:"tilejson"`
	ID           string           `json:"id,omitempty"`
	Name         string           `json:"name,omitempty"`
	Format       string           `json:"format,omitempty"`
	Scheme       string           `json:"scheme,omitempty"`
	Tiles        []string         `json:"tiles"`
	MinZoom      int              `json:"minzoom"`
	MaxZoom      int              `json:"maxzoom"`
	Bounds       []float64        `json:"bounds,omitempty"`
	Center       []float64        `json:"center,omitempty"`
	Attribution  string           `json:"attribution,omitempty"`
	VectorLayers []map[string]any `json:"vector_layers,omitempty"`
}
