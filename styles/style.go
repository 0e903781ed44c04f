// Package styles stores map style documents whose sources are served by
// this server. Creating a style creates the tilesets its sources need.
package styles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/khankhulgun/offlinemap/apierror"
	"github.com/khankhulgun/offlinemap/maplayer"
	"github.com/khankhulgun/offlinemap/models"
	"github.com/khankhulgun/offlinemap/tilestore"
	"github.com/khankhulgun/offlinemap/upstream"
	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"
	"gorm.io/gorm"
)

type Options struct {
	DB       *gorm.DB
	Catalog  *maplayer.Catalog
	Store    *tilestore.Store
	Upstream *upstream.Client
	// StylesDir holds per-style assets; a style's directory is removed with it.
	StylesDir string
	Logger    logrus.FieldLogger
}

type Service struct {
	db        *gorm.DB
	catalog   *maplayer.Catalog
	store     *tilestore.Store
	upstream  *upstream.Client
	stylesDir string
	log       logrus.FieldLogger
}

func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Service{
		db:        opts.DB,
		catalog:   opts.Catalog,
		store:     opts.Store,
		upstream:  opts.Upstream,
		stylesDir: opts.StylesDir,
		log:       opts.Logger,
	}
}

type CreateOptions struct {
	// ID is optional; a short id is generated when empty.
	ID          string
	BaseURL     string
	AccessToken string
}

// Create normalizes doc and stores it together with its tilesets. A caller
// supplied id that is already taken fails with apierror.ErrDuplicateStyle.
func (s *Service) Create(ctx context.Context, doc *models.StyleDocument, opts CreateOptions) (*models.Style, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		generated, err := NewID()
		if err != nil {
			return nil, err
		}
		id = generated
	} else if err := s.ensureFree(s.db.WithContext(ctx), id); err != nil {
		return nil, err
	}

	n, err := s.Normalize(ctx, doc, NormalizeOptions{StyleID: id, BaseURL: opts.BaseURL, AccessToken: opts.AccessToken})
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(n.Document)
	if err != nil {
		return nil, fmt.Errorf("encode style %s: %w", id, err)
	}

	style := &models.Style{
		ID:             id,
		Name:           styleName(n.Document, id),
		Document:       string(raw),
		UpstreamGlyphs: n.UpstreamGlyphs,
		UpstreamSprite: n.UpstreamSprite,
		Sources:        n.Edges(id),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureFree(tx, id); err != nil {
			return err
		}
		for _, ts := range n.Tilesets {
			if err := maplayer.CreateTx(tx, ts); err != nil {
				return err
			}
		}
		for name, tilesetID := range n.Existing {
			var count int64
			if err := tx.Model(&models.Tileset{}).Where("id = ?", tilesetID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("source %s: tileset %s: %w", name, tilesetID, apierror.ErrNotFound)
			}
		}
		return tx.Create(style).Error
	})
	if err != nil {
		return nil, err
	}
	s.log.WithField("style", id).Infof("created style with %d sources", len(style.Sources))
	return s.Get(ctx, id)
}

// CreateStyleForTileset stores a single source style showing the tileset.
func (s *Service) CreateStyleForTileset(ctx context.Context, tilesetID, name, baseURL string) (*models.Style, error) {
	ts, err := s.catalog.Get(ctx, tilesetID)
	if err != nil {
		return nil, err
	}
	style, err := TilesetStyle(ts, name, baseURL)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(style).Error; err != nil {
		return nil, fmt.Errorf("create style for tileset %s: %w", tilesetID, err)
	}
	return s.Get(ctx, style.ID)
}

// TilesetStyle builds, without storing, the generated style of a tileset.
// Callers creating the tileset in a transaction store both together.
func TilesetStyle(ts *models.Tileset, name, baseURL string) (*models.Style, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = ts.Name
	}

	const sourceName = "tileset"
	doc := &models.StyleDocument{
		Version: 8,
		Name:    name,
		Sources: map[string]map[string]any{
			sourceName: {
				"type": sourceType(ts),
				"url":  maplayer.TileURL(baseURL, ts.ID),
			},
		},
		Layers: defaultLayers(ts, sourceName),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode style for tileset %s: %w", ts.ID, err)
	}
	return &models.Style{
		ID:       id,
		Name:     name,
		Document: string(raw),
		Sources:  []models.StyleSource{{StyleID: id, SourceName: sourceName, TilesetID: ts.ID}},
	}, nil
}

func sourceType(ts *models.Tileset) string {
	if ts.Format == models.FormatVector {
		return models.SourceVector
	}
	return models.SourceRaster
}

func defaultLayers(ts *models.Tileset, source string) []any {
	if ts.Format != models.FormatVector {
		return []any{models.RasterLayer{ID: "raster", Type: "raster", Source: source}}
	}
	layers := []any{models.BackgroundLayer{
		ID:    "background",
		Type:  "background",
		Paint: map[string]any{"background-color": "#f8f4f0"},
	}}
	for _, vl := range ts.VectorLayers {
		layerID, _ := vl["id"].(string)
		if layerID == "" {
			continue
		}
		layers = append(layers, models.FillLayer{
			ID:          layerID,
			Type:        "fill",
			Source:      source,
			SourceLayer: layerID,
			Paint: models.FillLayerPaint{
				FillColor:   "#888888",
				FillOpacity: 0.6,
			},
		})
	}
	return layers
}

// Get returns a style with its bytesStored filled in.
func (s *Service) Get(ctx context.Context, id string) (*models.Style, error) {
	var style models.Style
	err := s.db.WithContext(ctx).Preload("Sources").Where("id = ?", id).First(&style).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("style %s: %w", id, apierror.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read style %s: %w", id, err)
	}
	if style.BytesStored, err = s.store.BytesStoredFor(ctx, id); err != nil {
		return nil, err
	}
	return &style, nil
}

func (s *Service) List(ctx context.Context) ([]models.Style, error) {
	var styles []models.Style
	if err := s.db.WithContext(ctx).Preload("Sources").Order("created_at ASC").Find(&styles).Error; err != nil {
		return nil, fmt.Errorf("list styles: %w", err)
	}
	for i := range styles {
		bytes, err := s.store.BytesStoredFor(ctx, styles[i].ID)
		if err != nil {
			return nil, err
		}
		styles[i].BytesStored = bytes
	}
	return styles, nil
}

// Update renames a style.
func (s *Service) Update(ctx context.Context, id, name string) (*models.Style, error) {
	style, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var doc models.StyleDocument
	if err := json.Unmarshal([]byte(style.Document), &doc); err != nil {
		return nil, fmt.Errorf("decode style %s: %w", id, err)
	}
	doc.Name = name
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode style %s: %w", id, err)
	}
	err = s.db.WithContext(ctx).Model(&models.Style{}).Where("id = ?", id).
		Updates(map[string]any{"name": name, "document": string(raw)}).Error
	if err != nil {
		return nil, fmt.Errorf("update style %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

// Delete removes a style, the tilesets only it referenced and their tiles.
func (s *Service) Delete(ctx context.Context, id string) error {
	removed, err := s.store.DeleteStyle(ctx, id)
	if err != nil {
		return err
	}
	s.catalog.Invalidate(removed...)
	if s.stylesDir != "" {
		if err := os.RemoveAll(filepath.Join(s.stylesDir, filepath.Base(id))); err != nil {
			s.log.WithField("style", id).Warnf("remove style assets: %v", err)
		}
	}
	s.log.WithField("style", id).Infof("deleted style, %d tilesets removed", len(removed))
	return nil
}

// Document returns the stored style with its local urls pointing at baseURL.
func (s *Service) Document(ctx context.Context, id, baseURL string) (*models.StyleDocument, error) {
	style, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var doc models.StyleDocument
	if err := json.Unmarshal([]byte(style.Document), &doc); err != nil {
		return nil, fmt.Errorf("decode style %s: %w", id, err)
	}
	for _, edge := range style.Sources {
		if source, ok := doc.Sources[edge.SourceName]; ok {
			source["url"] = maplayer.TileURL(baseURL, edge.TilesetID)
		}
	}
	if style.UpstreamGlyphs != "" {
		doc.Glyphs = GlyphsTemplate(baseURL, id)
	}
	return &doc, nil
}

// GlyphsTemplate returns the upstream glyphs template of a style, empty when
// the style has no custom glyphs.
func (s *Service) GlyphsTemplate(ctx context.Context, id string) (string, error) {
	var style models.Style
	err := s.db.WithContext(ctx).Select("id", "upstream_glyphs").Where("id = ?", id).First(&style).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("style %s: %w", id, apierror.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read style %s: %w", id, err)
	}
	return style.UpstreamGlyphs, nil
}

func (s *Service) ensureFree(db *gorm.DB, id string) error {
	var count int64
	if err := db.Model(&models.Style{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("check style %s: %w", id, err)
	}
	if count > 0 {
		return fmt.Errorf("style %s: %w", id, apierror.ErrDuplicateStyle)
	}
	return nil
}

// NewID generates a style or import id.
func NewID() (string, error) {
	id, err := shortid.Generate()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id, nil
}

func styleName(doc *models.StyleDocument, id string) string {
	if doc.Name != "" {
		return doc.Name
	}
	return id
}
