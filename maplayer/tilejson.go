package maplayer

import (
	"fmt"
	"strings"

	"github.com/khankhulgun/offlinemap/apierror"
	"github.com/khankhulgun/offlinemap/models"
)

// TileURL is the locally served TileJSON endpoint of a tileset.
func TileURL(baseURL, id string) string {
	return strings.TrimRight(baseURL, "/") + "/tilesets/" + id
}

// TileJSON renders ts for clients of the server at baseURL.
func TileJSON(ts *models.Tileset, baseURL string) models.TileJSON {
	return models.TileJSON{
		TileJSON:     "2.2.0",
		ID:           ts.ID,
		Name:         ts.Name,
		Format:       ts.TileFormat,
		Scheme:       "xyz",
		Tiles:        []string{TileURL(baseURL, ts.ID) + "/{z}/{x}/{y}"},
		MinZoom:      ts.MinZoom,
		MaxZoom:      ts.MaxZoom,
		Bounds:       ts.Bounds,
		Center:       ts.Center,
		Attribution:  ts.Attribution,
		VectorLayers: ts.VectorLayers,
	}
}

// FromTileJSON builds a tileset definition from a TileJSON document. The
// first tile URL becomes the upstream template; sourceType decides the
// encoding when the document does not declare one.
func FromTileJSON(tj *models.TileJSON, sourceType string) (*models.Tileset, error) {
	format := strings.ToLower(tj.Format)
	if format == "jpeg" {
		format = models.JPG
	}
	if format == "" {
		format = formatFromTemplate(tj.Tiles)
	}
	if format == "" {
		if sourceType == models.SourceVector || len(tj.VectorLayers) > 0 {
			format = models.PBF
		} else {
			format = models.PNG
		}
	}

	ts := &models.Tileset{
		Name:         tj.Name,
		TileFormat:   format,
		MinZoom:      tj.MinZoom,
		MaxZoom:      tj.MaxZoom,
		Bounds:       tj.Bounds,
		Center:       tj.Center,
		Attribution:  tj.Attribution,
		VectorLayers: tj.VectorLayers,
	}
	switch format {
	case models.PBF:
		ts.Format = models.FormatVector
	case models.PNG, models.JPG, models.WEBP:
		ts.Format = models.FormatRaster
	default:
		return nil, fmt.Errorf("tile format %q: %w", format, apierror.ErrUnsupportedFormat)
	}
	if ts.MaxZoom == 0 {
		ts.MaxZoom = 22
	}
	if ts.MinZoom > ts.MaxZoom {
		return nil, fmt.Errorf("minzoom %d above maxzoom %d: %w", ts.MinZoom, ts.MaxZoom, apierror.ErrOutOfRange)
	}
	if len(tj.Tiles) > 0 {
		ts.UpstreamTileURL = tj.Tiles[0]
	}
	return ts, nil
}

func formatFromTemplate(tiles []string) string {
	if len(tiles) == 0 {
		return ""
	}
	path := tiles[0]
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	switch {
	case strings.HasSuffix(path, ".pbf"), strings.HasSuffix(path, ".mvt"), strings.HasSuffix(path, ".vector.pbf"):
		return models.PBF
	case strings.HasSuffix(path, ".png"):
		return models.PNG
	case strings.HasSuffix(path, ".jpg"), strings.HasSuffix(path, ".jpeg"):
		return models.JPG
	case strings.HasSuffix(path, ".webp"):
		return models.WEBP
	}
	return ""
}
