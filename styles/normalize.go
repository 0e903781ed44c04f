package styles

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/khankhulgun/offlinemap/apierror"
	"github.com/khankhulgun/offlinemap/maplayer"
	"github.com/khankhulgun/offlinemap/models"
	"github.com/khankhulgun/offlinemap/upstream"
)

type NormalizeOptions struct {
	StyleID     string
	BaseURL     string
	AccessToken string
}

// Normalized is a rewritten style together with the tilesets its sources
// now point at. Nothing is persisted yet.
type Normalized struct {
	Document *models.StyleDocument
	// Tilesets are keyed by source name. Sources that already referenced a
	// local tileset appear in Existing instead.
	Tilesets       map[string]*models.Tileset
	Existing       map[string]string
	UpstreamGlyphs string
	UpstreamSprite string
}

// Edges lists the style_sources rows of the normalized style.
func (n *Normalized) Edges(styleID string) []models.StyleSource {
	var edges []models.StyleSource
	for name, ts := range n.Tilesets {
		edges = append(edges, models.StyleSource{StyleID: styleID, SourceName: name, TilesetID: ts.ID})
	}
	for name, id := range n.Existing {
		edges = append(edges, models.StyleSource{StyleID: styleID, SourceName: name, TilesetID: id})
	}
	return edges
}

// Normalize rewrites the raster and vector sources of doc to locally served
// tilesets and points external glyphs at the local font endpoint. doc is
// not modified.
func (s *Service) Normalize(ctx context.Context, doc *models.StyleDocument, opts NormalizeOptions) (*Normalized, error) {
	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	out, err := cloneDocument(doc)
	if err != nil {
		return nil, err
	}
	n := &Normalized{
		Document: out,
		Tilesets: map[string]*models.Tileset{},
		Existing: map[string]string{},
	}
	localPrefix := maplayer.TileURL(opts.BaseURL, "")

	for name, source := range out.Sources {
		sourceType, _ := source["type"].(string)
		if sourceType != models.SourceRaster && sourceType != models.SourceVector {
			continue
		}

		if url, ok := source["url"].(string); ok && url != "" && strings.HasPrefix(url, localPrefix) {
			n.Existing[name] = strings.TrimPrefix(url, localPrefix)
			continue
		}

		ts, err := s.resolveSource(ctx, name, sourceType, source, opts.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", name, err)
		}
		id, err := maplayer.ComputeID(ts)
		if err != nil {
			return nil, err
		}
		ts.ID = id
		n.Tilesets[name] = ts

		delete(source, "tiles")
		source["url"] = maplayer.TileURL(opts.BaseURL, id)
	}

	if out.Glyphs != "" && !isLocal(out.Glyphs, opts.BaseURL) {
		n.UpstreamGlyphs = out.Glyphs
		out.Glyphs = GlyphsTemplate(opts.BaseURL, opts.StyleID)
	}
	if sprite, ok := out.Sprite.(string); ok && sprite != "" && !isLocal(sprite, opts.BaseURL) {
		n.UpstreamSprite = sprite
	}
	return n, nil
}

// resolveSource turns a style source into a tileset definition, fetching the
// TileJSON upstream when the source refers to one by url.
func (s *Service) resolveSource(ctx context.Context, name, sourceType string, source map[string]any, accessToken string) (*models.Tileset, error) {
	var tj *models.TileJSON
	if url, ok := source["url"].(string); ok && url != "" {
		if upstream.IsMapboxURL(url) && accessToken == "" {
			return nil, fmt.Errorf("%s: %w", url, apierror.ErrMissingAccessToken)
		}
		fetched, err := s.upstream.FetchTileJSON(ctx, url, accessToken)
		if err != nil {
			return nil, err
		}
		tj = fetched
	} else if _, ok := source["tiles"]; ok {
		inline, err := inlineTileJSON(source)
		if err != nil {
			return nil, err
		}
		tj = inline
	} else {
		return nil, fmt.Errorf("neither url nor tiles: %w", apierror.ErrInvalidStyle)
	}

	if len(tj.Tiles) == 0 {
		return nil, fmt.Errorf("no tile urls: %w", apierror.ErrInvalidStyle)
	}
	if tj.Name == "" {
		tj.Name = name
	}
	if attribution, ok := source["attribution"].(string); ok && tj.Attribution == "" {
		tj.Attribution = attribution
	}
	return maplayer.FromTileJSON(tj, sourceType)
}

// inlineTileJSON reads the TileJSON properties a source may carry inline.
func inlineTileJSON(source map[string]any) (*models.TileJSON, error) {
	raw, err := json.Marshal(source)
	if err != nil {
		return nil, fmt.Errorf("encode source: %v: %w", err, apierror.ErrInvalidStyle)
	}
	var tj models.TileJSON
	if err := json.Unmarshal(raw, &tj); err != nil {
		return nil, fmt.Errorf("decode source: %v: %w", err, apierror.ErrInvalidStyle)
	}
	if _, ok := source["maxzoom"]; !ok {
		tj.MaxZoom = 22
	}
	return &tj, nil
}

// GlyphsTemplate is the local glyphs template of a style with custom glyphs.
func GlyphsTemplate(baseURL, styleID string) string {
	return strings.TrimRight(baseURL, "/") + "/fonts/{fontstack}/{range}.pbf?styleId=" + styleID
}

func isLocal(url, baseURL string) bool {
	base := strings.TrimRight(baseURL, "/")
	return base != "" && strings.HasPrefix(url, base+"/")
}

func cloneDocument(doc *models.StyleDocument) (*models.StyleDocument, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode style: %w", err)
	}
	var out models.StyleDocument
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode style: %w", err)
	}
	return &out, nil
}
