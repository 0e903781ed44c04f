package styles

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/khankhulgun/offlinemap/apierror"
	"github.com/khankhulgun/offlinemap/database"
	"github.com/khankhulgun/offlinemap/maplayer"
	"github.com/khankhulgun/offlinemap/models"
	"github.com/khankhulgun/offlinemap/tilestore"
	"github.com/khankhulgun/offlinemap/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const baseURL = "http://localhost:8080"

type fixture struct {
	svc     *Service
	db      *gorm.DB
	catalog *maplayer.Catalog
	store   *tilestore.Store
	apiURL  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/v4/"):
			if r.URL.Query().Get("access_token") != "pk.good" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(models.TileJSON{
				TileJSON: "2.2.0",
				Name:     "Streets",
				Tiles:    []string{"https://tiles.example.com/streets/{z}/{x}/{y}.vector.pbf"},
				MaxZoom:  14,
				VectorLayers: []map[string]any{
					{"id": "water"},
				},
			})
		case r.URL.Path == "/satellite.json":
			json.NewEncoder(w).Encode(models.TileJSON{
				TileJSON: "2.2.0",
				Name:     "Satellite",
				Format:   "jpg",
				Tiles:    []string{"https://tiles.example.com/sat/{z}/{x}/{y}.jpg"},
				MaxZoom:  18,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "styles.db"))
	require.NoError(t, err)
	catalog, err := maplayer.NewCatalog(db, 64)
	require.NoError(t, err)
	t.Cleanup(func() {
		catalog.Close()
		database.Close(db)
	})

	store := tilestore.New(db)
	svc := New(Options{
		DB:        db,
		Catalog:   catalog,
		Store:     store,
		Upstream:  upstream.New(upstream.Options{APIURL: srv.URL, Retries: 0, Timeout: time.Second}),
		StylesDir: filepath.Join(dir, "styles"),
	})
	return &fixture{svc: svc, db: db, catalog: catalog, store: store, apiURL: srv.URL}
}

func (f *fixture) document(t *testing.T) *models.StyleDocument {
	t.Helper()
	raw := `{
		// satellite imagery under a streets overlay
		"version": 8,
		"name": "Field map",
		"glyphs": "mapbox://fonts/mapbox/{fontstack}/{range}.pbf",
		"sprite": "mapbox://sprites/mapbox/streets-v11",
		"center": [106.9, 47.9],
		"sources": {
			"satellite": {"type": "raster", "url": "` + f.apiURL + `/satellite.json", "tileSize": 256},
			"streets": {"type": "vector", "url": "mapbox://mapbox.mapbox-streets-v8"},
			"points": {"type": "geojson", "data": {"type": "FeatureCollection", "features": []}},
		},
		"layers": [
			{"id": "satellite", "type": "raster", "source": "satellite"},
			{"id": "water", "type": "fill", "source": "streets", "source-layer": "water"},
		],
	}`
	doc, err := ParseDocument([]byte(raw))
	require.NoError(t, err)
	return doc
}

func (f *fixture) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Count(&n).Error)
	return n
}

func TestParseDocumentRejectsMalformedStyles(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"version": 8,`,
		"missing layers": `{"version": 8, "sources": {}}`,
		"missing source": `{"version": 8, "layers": []}`,
		"untyped source": `{"version": 8, "sources": {"a": {"url": "x"}}, "layers": []}`,
		"bad layers":     `{"version": 8, "sources": {}, "layers": {}}`,
		"layer no id":    `{"version": 8, "sources": {}, "layers": [{"type": "fill"}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDocument([]byte(raw))
			assert.ErrorIs(t, err, apierror.ErrInvalidStyle)
		})
	}
}

func TestParseDocumentKeepsUnknownFields(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"version": 8, "sources": {}, "layers": [], "bearing": 12, /* c */ "pitch": 30,}`))
	require.NoError(t, err)

	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"bearing":12`)
	assert.Contains(t, string(raw), `"pitch":30`)
}

func TestNormalizeRequiresToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Normalize(context.Background(), f.document(t), NormalizeOptions{StyleID: "s", BaseURL: baseURL})
	assert.ErrorIs(t, err, apierror.ErrMissingAccessToken)
}

func TestNormalizeRewritesSourcesAndGlyphs(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)

	n, err := f.svc.Normalize(context.Background(), doc, NormalizeOptions{StyleID: "field", BaseURL: baseURL, AccessToken: "pk.good"})
	require.NoError(t, err)

	require.Len(t, n.Tilesets, 2)
	sat := n.Tilesets["satellite"]
	assert.Equal(t, models.FormatRaster, sat.Format)
	assert.Equal(t, "https://tiles.example.com/sat/{z}/{x}/{y}.jpg", sat.UpstreamTileURL)
	assert.Equal(t, baseURL+"/tilesets/"+sat.ID, n.Document.Sources["satellite"]["url"])
	assert.Equal(t, float64(256), n.Document.Sources["satellite"]["tileSize"])

	streets := n.Tilesets["streets"]
	assert.Equal(t, models.FormatVector, streets.Format)
	assert.Equal(t, baseURL+"/tilesets/"+streets.ID, n.Document.Sources["streets"]["url"])

	assert.Nil(t, n.Document.Sources["points"]["url"])
	assert.Equal(t, baseURL+"/fonts/{fontstack}/{range}.pbf?styleId=field", n.Document.Glyphs)
	assert.Equal(t, "mapbox://fonts/mapbox/{fontstack}/{range}.pbf", n.UpstreamGlyphs)
	assert.Equal(t, "mapbox://sprites/mapbox/streets-v11", n.Document.Sprite)
	assert.Len(t, n.Document.Layers, 2)

	// the input document is left alone
	assert.Equal(t, f.apiURL+"/satellite.json", doc.Sources["satellite"]["url"])
}

func TestNormalizeInlineTiles(t *testing.T) {
	f := newFixture(t)
	doc := &models.StyleDocument{
		Version: 8,
		Sources: map[string]map[string]any{
			"osm": {"type": "raster", "tiles": []any{"https://tile.example.org/{z}/{x}/{y}.png"}, "maxzoom": 19},
		},
		Layers: []any{map[string]any{"id": "osm", "type": "raster", "source": "osm"}},
	}

	n, err := f.svc.Normalize(context.Background(), doc, NormalizeOptions{StyleID: "s", BaseURL: baseURL})
	require.NoError(t, err)
	ts := n.Tilesets["osm"]
	assert.Equal(t, "osm", ts.Name)
	assert.Equal(t, 19, ts.MaxZoom)
	assert.Equal(t, models.PNG, ts.TileFormat)
	assert.NotContains(t, n.Document.Sources["osm"], "tiles")
}

func TestNormalizeForwardsUpstreamStatus(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)
	_, err := f.svc.Normalize(context.Background(), doc, NormalizeOptions{StyleID: "s", BaseURL: baseURL, AccessToken: "pk.bad"})
	assert.Equal(t, "FORWARDED_UPSTREAM_401", apierror.Code(err))
}

func TestCreateStoresStyleAndTilesets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	style, err := f.svc.Create(ctx, f.document(t), CreateOptions{ID: "field", BaseURL: baseURL, AccessToken: "pk.good"})
	require.NoError(t, err)
	assert.Equal(t, "field", style.ID)
	assert.Equal(t, "Field map", style.Name)
	assert.Len(t, style.Sources, 2)
	assert.Equal(t, int64(2), f.count(t, &models.Tileset{}))

	template, err := f.svc.GlyphsTemplate(ctx, "field")
	require.NoError(t, err)
	assert.Equal(t, "mapbox://fonts/mapbox/{fontstack}/{range}.pbf", template)

	doc, err := f.svc.Document(ctx, "field", "http://10.0.0.5:9000")
	require.NoError(t, err)
	for _, edge := range style.Sources {
		assert.Equal(t, "http://10.0.0.5:9000/tilesets/"+edge.TilesetID, doc.Sources[edge.SourceName]["url"])
	}
	assert.Equal(t, "http://10.0.0.5:9000/fonts/{fontstack}/{range}.pbf?styleId=field", doc.Glyphs)
}

func TestCreateDuplicateStyle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Create(ctx, f.document(t), CreateOptions{ID: "field", BaseURL: baseURL, AccessToken: "pk.good"})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, f.document(t), CreateOptions{ID: "field", BaseURL: baseURL, AccessToken: "pk.good"})
	assert.ErrorIs(t, err, apierror.ErrDuplicateStyle)
	assert.Equal(t, int64(1), f.count(t, &models.Style{}))
	assert.Equal(t, int64(2), f.count(t, &models.StyleSource{}))
}

func TestCreateFailureLeavesNoRows(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), f.document(t), CreateOptions{BaseURL: baseURL})
	require.ErrorIs(t, err, apierror.ErrMissingAccessToken)
	assert.Zero(t, f.count(t, &models.Style{}))
	assert.Zero(t, f.count(t, &models.Tileset{}))
}

func TestStylesShareTilesetIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Create(ctx, f.document(t), CreateOptions{BaseURL: baseURL, AccessToken: "pk.good"})
	require.NoError(t, err)
	second, err := f.svc.Create(ctx, f.document(t), CreateOptions{BaseURL: "http://other:1234", AccessToken: "pk.good"})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int64(2), f.count(t, &models.Tileset{}))
	assert.ElementsMatch(t, tilesetIDs(first), tilesetIDs(second))
}

func tilesetIDs(s *models.Style) []string {
	var ids []string
	for _, edge := range s.Sources {
		ids = append(ids, edge.TilesetID)
	}
	return ids
}

func TestCreateStyleForTileset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	vector, err := f.catalog.Create(ctx, &models.Tileset{
		Name: "roads", Format: models.FormatVector, TileFormat: models.PBF, MaxZoom: 14,
		VectorLayers: []map[string]any{{"id": "roads"}, {"id": "water"}},
	})
	require.NoError(t, err)

	style, err := f.svc.CreateStyleForTileset(ctx, vector.ID, "", baseURL)
	require.NoError(t, err)
	assert.Equal(t, "roads", style.Name)
	require.Len(t, style.Sources, 1)
	assert.Equal(t, vector.ID, style.Sources[0].TilesetID)

	doc, err := f.svc.Document(ctx, style.ID, baseURL)
	require.NoError(t, err)
	assert.Equal(t, "vector", doc.Sources["tileset"]["type"])
	assert.Len(t, doc.Layers, 3)

	raster, err := f.catalog.Create(ctx, &models.Tileset{Name: "sat", Format: models.FormatRaster, TileFormat: models.JPG, MaxZoom: 10})
	require.NoError(t, err)
	rasterStyle, err := f.svc.CreateStyleForTileset(ctx, raster.ID, "Imagery", baseURL)
	require.NoError(t, err)
	rasterDoc, err := f.svc.Document(ctx, rasterStyle.ID, baseURL)
	require.NoError(t, err)
	require.Len(t, rasterDoc.Layers, 1)
	assert.Equal(t, "raster", rasterDoc.Layers[0].(map[string]any)["type"])

	_, err = f.svc.CreateStyleForTileset(ctx, "missing", "", baseURL)
	assert.ErrorIs(t, err, apierror.ErrNotFound)
}

func TestDeleteCascadesToUnsharedTilesets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ts, err := f.catalog.Create(ctx, &models.Tileset{Name: "shared", Format: models.FormatRaster, TileFormat: models.PNG, MaxZoom: 4})
	require.NoError(t, err)
	require.NoError(t, f.store.Put(ctx, ts.ID, 0, 0, 0, []byte("tile zero")))
	require.NoError(t, f.store.Put(ctx, ts.ID, 1, 0, 0, []byte("tile one")))

	s1, err := f.svc.CreateStyleForTileset(ctx, ts.ID, "one", baseURL)
	require.NoError(t, err)
	s2, err := f.svc.CreateStyleForTileset(ctx, ts.ID, "two", baseURL)
	require.NoError(t, err)
	assert.Equal(t, int64(17), s2.BytesStored)

	require.NoError(t, f.svc.Delete(ctx, s1.ID))
	after, err := f.svc.Get(ctx, s2.ID)
	require.NoError(t, err)
	assert.Equal(t, s2.BytesStored, after.BytesStored)
	_, err = f.catalog.Get(ctx, ts.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, s2.ID))
	_, err = f.catalog.Get(ctx, ts.ID)
	assert.ErrorIs(t, err, apierror.ErrNotFound)
	blobs, _, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, blobs)

	assert.ErrorIs(t, f.svc.Delete(ctx, s2.ID), apierror.ErrNotFound)
}

func TestUpdateAndList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ts, err := f.catalog.Create(ctx, &models.Tileset{Name: "sat", Format: models.FormatRaster, TileFormat: models.PNG, MaxZoom: 4})
	require.NoError(t, err)
	style, err := f.svc.CreateStyleForTileset(ctx, ts.ID, "before", baseURL)
	require.NoError(t, err)

	updated, err := f.svc.Update(ctx, style.ID, "after")
	require.NoError(t, err)
	assert.Equal(t, "after", updated.Name)

	doc, err := f.svc.Document(ctx, style.ID, baseURL)
	require.NoError(t, err)
	assert.Equal(t, "after", doc.Name)

	all, err := f.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "after", all[0].Name)

	_, err = f.svc.Update(ctx, "missing", "x")
	assert.ErrorIs(t, err, apierror.ErrNotFound)
	_, err = f.svc.GlyphsTemplate(ctx, "missing")
	assert.ErrorIs(t, err, apierror.ErrNotFound)
}
