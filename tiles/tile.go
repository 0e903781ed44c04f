// Package tiles resolves tile and glyph requests: local storage first, then
// the upstream provider.
package tiles

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/khankhulgun/offlinemap/apierror"
	"github.com/khankhulgun/offlinemap/maplayer"
	"github.com/khankhulgun/offlinemap/models"
	"github.com/khankhulgun/offlinemap/tilestore"
	"github.com/khankhulgun/offlinemap/upstream"
	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"
)

// GlyphTemplates looks up the upstream glyphs template recorded for a style.
// An empty template means the style has no custom glyphs.
type GlyphTemplates interface {
	GlyphsTemplate(ctx context.Context, styleID string) (string, error)
}

type Options struct {
	Catalog  *maplayer.Catalog
	Store    *tilestore.Store
	Upstream *upstream.Client
	Styles   GlyphTemplates
	// FontsDir holds bundled glyphs as <font>/<range>.pbf.
	FontsDir string
	// StylesDir holds per-style assets as <styleId>/fonts/<font>/<range>.pbf.
	StylesDir string
	// WriteBack stores upstream tiles for later offline use.
	WriteBack bool
	Logger    logrus.FieldLogger
}

type Resolver struct {
	catalog   *maplayer.Catalog
	store     *tilestore.Store
	upstream  *upstream.Client
	styles    GlyphTemplates
	fontsDir  string
	stylesDir string
	writeBack bool
	log       logrus.FieldLogger
	pending   sync.WaitGroup
}

func NewResolver(opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Resolver{
		catalog:   opts.Catalog,
		store:     opts.Store,
		upstream:  opts.Upstream,
		styles:    opts.Styles,
		fontsDir:  opts.FontsDir,
		stylesDir: opts.StylesDir,
		writeBack: opts.WriteBack,
		log:       opts.Logger,
	}
}

type Tile struct {
	Data            []byte
	ContentType     string
	ContentEncoding string
}

// ResolveTile returns a tile from the store, falling back to the tileset's
// upstream template. Every unsuccessful upstream outcome is reported as
// apierror.ErrNotFound.
func (r *Resolver) ResolveTile(ctx context.Context, tilesetID string, z, x, y int, accessToken string) (*Tile, error) {
	ts, err := r.catalog.Get(ctx, tilesetID)
	if err != nil {
		return nil, err
	}
	if z < ts.MinZoom || z > ts.MaxZoom {
		return nil, fmt.Errorf("zoom %d outside %d-%d: %w", z, ts.MinZoom, ts.MaxZoom, apierror.ErrOutOfRange)
	}
	// bound x and y before narrowing them to maptile's uint32
	n := 1 << z
	if x < 0 || y < 0 || x >= n || y >= n || !maptile.New(uint32(x), uint32(y), maptile.Zoom(z)).Valid() {
		return nil, fmt.Errorf("tile %d/%d/%d: %w", z, x, y, apierror.ErrOutOfRange)
	}

	data, err := r.store.Get(ctx, ts.ID, z, x, y)
	if err == nil {
		return newTile(ts, data), nil
	}
	if !errors.Is(err, apierror.ErrNotFound) {
		return nil, err
	}

	if ts.UpstreamTileURL == "" {
		return nil, err
	}
	data, ok := r.fetchUpstreamTile(ctx, ts, z, x, y, accessToken)
	if !ok {
		return nil, fmt.Errorf("tile %s/%d/%d/%d: %w", ts.ID, z, x, y, apierror.ErrNotFound)
	}
	if r.writeBack {
		r.storeUpstreamTile(ts, z, x, y, data)
	}
	return newTile(ts, data), nil
}

func (r *Resolver) fetchUpstreamTile(ctx context.Context, ts *models.Tileset, z, x, y int, accessToken string) ([]byte, bool) {
	target, err := upstream.TileURL(ts.UpstreamTileURL, z, x, y, accessToken)
	if err != nil {
		r.log.WithField("tileset", ts.ID).Debugf("bad upstream template: %v", err)
		return nil, false
	}
	resp, err := r.upstream.Get(ctx, target)
	if err != nil {
		r.log.WithField("tileset", ts.ID).Debugf("upstream tile %d/%d/%d unavailable: %v", z, x, y, err)
		return nil, false
	}
	if !resp.OK() || len(resp.Body) == 0 {
		r.log.WithField("tileset", ts.ID).Debugf("upstream tile %d/%d/%d status %d", z, x, y, resp.Status)
		return nil, false
	}
	return resp.Body, true
}

func newTile(ts *models.Tileset, data []byte) *Tile {
	t := &Tile{Data: data}
	if ts.Format == models.FormatVector {
		t.ContentType = "application/x-protobuf"
		if isGzip(data) {
			t.ContentEncoding = "gzip"
		}
		return t
	}
	switch ts.TileFormat {
	case models.PNG:
		t.ContentType = "image/png"
	case models.JPG:
		t.ContentType = "image/jpeg"
	case models.WEBP:
		t.ContentType = "image/webp"
	default:
		t.ContentType = http.DetectContentType(data)
	}
	return t
}

// Wait blocks until pending write-backs finish.
func (r *Resolver) Wait() {
	r.pending.Wait()
}

// ParseTileParams reads z/x/y route parameters.
func ParseTileParams(c *fiber.Ctx) (int, int, int, error) {
	z, err := strconv.Atoi(c.Params("z"))
	if err != nil {
		return 0, 0, 0, err
	}
	x, err := strconv.Atoi(c.Params("x"))
	if err != nil {
		return 0, 0, 0, err
	}
	y, err := strconv.Atoi(stripExtension(c.Params("y")))
	if err != nil {
		return 0, 0, 0, err
	}
	return z, x, y, nil
}

func stripExtension(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' || s[i] == '@' {
			return s[:i]
		}
	}
	return s
}
