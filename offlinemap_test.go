package offlinemap

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/khankhulgun/offlinemap/config"
	"github.com/khankhulgun/offlinemap/mbtiles"
	"github.com/khankhulgun/offlinemap/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseURL = "http://maps.test"

var upstreamTile = []byte("\x89PNG\r\n\x1a\nupstream tile")

type server struct {
	app     *fiber.App
	svc     *Services
	dataDir string
}

func newServer(t *testing.T) *server {
	t.Helper()
	dir := t.TempDir()
	conf, err := config.Load("")
	require.NoError(t, err)
	conf.Server.BaseURL = baseURL
	conf.Storage.DBPath = filepath.Join(dir, "offlinemap.db")
	conf.Storage.DataDir = dir
	conf.Upstream.Retries = 0

	svc, err := NewServices(conf, nil, nil)
	require.NoError(t, err)
	app := fiber.New()
	Set(app, svc)
	t.Cleanup(func() {
		app.Shutdown()
		svc.Close()
	})
	return &server{app: app, svc: svc, dataDir: dir}
}

func (s *server) do(t *testing.T, method, path string, body any, header ...string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := s.app.Test(req, 10000)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var out struct {
		Status string `json:"status"`
		Code   string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	assert.Equal(t, "error", out.Status)
	return out.Code
}

func tileUpstream(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/tiles/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(upstreamTile)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTilesetRoutes(t *testing.T) {
	s := newServer(t)
	up := tileUpstream(t)

	def := map[string]any{
		"tilejson": "2.2.0",
		"name":     "osm",
		"tiles":    []string{up.URL + "/tiles/{z}/{x}/{y}.png"},
		"maxzoom":  4,
	}
	resp, body := s.do(t, http.MethodPost, "/tilesets", def)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var tj models.TileJSON
	require.NoError(t, json.Unmarshal(body, &tj))
	require.NotEmpty(t, tj.ID)
	assert.Equal(t, []string{baseURL + "/tilesets/" + tj.ID + "/{z}/{x}/{y}"}, tj.Tiles)

	_, body = s.do(t, http.MethodPost, "/tilesets", def)
	var again models.TileJSON
	require.NoError(t, json.Unmarshal(body, &again))
	assert.Equal(t, tj.ID, again.ID)

	resp, body = s.do(t, http.MethodGet, "/tilesets/"+tj.ID+"/2/1/1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, upstreamTile, body)

	resp, body = s.do(t, http.MethodGet, "/tilesets/"+tj.ID+"/2/9/1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "OUT_OF_RANGE", errorCode(t, body))

	resp, body = s.do(t, http.MethodGet, "/tilesets/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, body))

	resp, body = s.do(t, http.MethodPut, "/tilesets/"+tj.ID, map[string]string{"name": "streets"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &tj))
	assert.Equal(t, "streets", tj.Name)

	_, body = s.do(t, http.MethodGet, "/tilesets", nil)
	var list []models.TileJSON
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	s.svc.Resolver.Wait()
	resp, body = s.do(t, http.MethodGet, "/tilesets/"+tj.ID+"/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), tj.ID+".mbtiles")

	exported := filepath.Join(t.TempDir(), "export.mbtiles")
	require.NoError(t, os.WriteFile(exported, body, 0644))
	archive, err := mbtiles.Open(exported)
	require.NoError(t, err)
	defer archive.Close()
	n, _, err := archive.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func rasterStyle(tileURL string) map[string]any {
	return map[string]any{
		"version": 8,
		"name":    "satellite",
		"sources": map[string]any{
			"imagery": map[string]any{"type": "raster", "tiles": []string{tileURL}, "tileSize": 256},
		},
		"layers": []any{
			map[string]any{"id": "imagery", "type": "raster", "source": "imagery"},
		},
	}
}

func TestStyleRoutes(t *testing.T) {
	s := newServer(t)
	up := tileUpstream(t)

	resp, body := s.do(t, http.MethodPost, "/styles", map[string]any{
		"id":    "satellite",
		"style": rasterStyle(up.URL + "/tiles/{z}/{x}/{y}.png"),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created models.Style
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "satellite", created.ID)
	assert.Equal(t, baseURL+"/styles/satellite", created.URL)

	resp, body = s.do(t, http.MethodPost, "/styles", map[string]any{
		"id":    "satellite",
		"style": rasterStyle(up.URL + "/tiles/{z}/{x}/{y}.png"),
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "DUPLICATE_STYLE", errorCode(t, body))

	resp, body = s.do(t, http.MethodPost, "/styles", map[string]any{"style": "{\n // no layers\n \"version\": 8,\n}"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_STYLE", errorCode(t, body))

	resp, body = s.do(t, http.MethodGet, "/styles/satellite", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var doc models.StyleDocument
	require.NoError(t, json.Unmarshal(body, &doc))
	url, _ := doc.Sources["imagery"]["url"].(string)
	assert.True(t, strings.HasPrefix(url, baseURL+"/tilesets/"), url)
	assert.NotContains(t, doc.Sources["imagery"], "tiles")

	_, body = s.do(t, http.MethodGet, "/styles", nil)
	var list []models.Style
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Zero(t, list[0].BytesStored)

	resp, body = s.do(t, http.MethodPut, "/styles/satellite", map[string]string{"name": "Imagery"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var renamed models.Style
	require.NoError(t, json.Unmarshal(body, &renamed))
	assert.Equal(t, "Imagery", renamed.Name)

	resp, _ = s.do(t, http.MethodDelete, "/styles/satellite", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body = s.do(t, http.MethodGet, "/styles/satellite", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, body))
}

func TestImportRoutes(t *testing.T) {
	s := newServer(t)

	archivePath := filepath.Join(t.TempDir(), "city.mbtiles")
	w, err := mbtiles.Create(archivePath, mbtiles.Metadata{Name: "city", Format: "png", MaxZoom: 2})
	require.NoError(t, err)
	for y := 0; y < 4; y++ {
		require.NoError(t, w.WriteTile(2, 1, y, []byte{byte(y)}))
	}
	require.NoError(t, w.WriteTile(0, 0, 0, []byte("root")))
	require.NoError(t, w.Close())

	resp, body := s.do(t, http.MethodPost, "/tilesets/import", map[string]string{"filePath": archivePath})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var result struct {
		Import struct {
			ID string `json:"id"`
		} `json:"import"`
		Tileset *models.Tileset `json:"tileset"`
		StyleID string          `json:"styleId"`
	}
	require.NoError(t, json.Unmarshal(body, &result))
	require.NotEmpty(t, result.Import.ID)
	assert.Equal(t, "city", result.Tileset.Name)

	resp, body = s.do(t, http.MethodGet, "/imports/progress/"+result.Import.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "id: complete\nevent: message\ndata: {\"type\":\"complete\"")

	resp, _ = s.do(t, http.MethodGet, "/imports/progress/"+result.Import.ID, nil, "Last-Event-ID", "complete")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/imports/"+result.Import.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var row models.Import
	require.NoError(t, json.Unmarshal(body, &row))
	assert.Equal(t, models.ImportComplete, row.State)
	assert.EqualValues(t, 5, row.ImportedResources)

	_, body = s.do(t, http.MethodGet, "/imports", nil)
	var rows []models.Import
	require.NoError(t, json.Unmarshal(body, &rows))
	assert.Len(t, rows, 1)

	resp, body = s.do(t, http.MethodGet, "/tilesets/"+result.Tileset.ID+"/0/0/0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("root"), body)

	resp, body = s.do(t, http.MethodPost, "/tilesets/import", map[string]string{"filePath": filepath.Join(t.TempDir(), "missing.mbtiles")})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "IMPORT_TARGET_MISSING", errorCode(t, body))

	resp, _ = s.do(t, http.MethodGet, "/imports/progress/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGlyphRoutes(t *testing.T) {
	s := newServer(t)
	fontDir := filepath.Join(s.dataDir, "fonts", "Open Sans Regular")
	require.NoError(t, os.MkdirAll(fontDir, 0755))
	glyphs := []byte{0x0a, 0x00}
	require.NoError(t, os.WriteFile(filepath.Join(fontDir, "0-255.pbf"), glyphs, 0644))

	resp, body := s.do(t, http.MethodGet, "/fonts/Open%20Sans%20Regular/0-255.pbf", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))
	assert.Equal(t, glyphs, body)

	resp, body = s.do(t, http.MethodGet, "/fonts/Open%20Sans%20Regular/0-10.pbf", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_RANGE", errorCode(t, body))
}

func TestSpriteRoutes(t *testing.T) {
	s := newServer(t)
	up := tileUpstream(t)

	resp, _ := s.do(t, http.MethodPost, "/styles/ghost/sprites/build", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/styles", map[string]any{
		"id":    "icons",
		"style": rasterStyle(up.URL + "/tiles/{z}/{x}/{y}.png"),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = s.do(t, http.MethodPost, "/styles/icons/sprites/build", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, body))

	iconsDir := filepath.Join(s.dataDir, "styles", "icons", "icons")
	require.NoError(t, os.MkdirAll(iconsDir, 0755))
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	f, err := os.Create(filepath.Join(iconsDir, "dot.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	resp, body = s.do(t, http.MethodPost, "/styles/icons/sprites/build", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = s.do(t, http.MethodGet, "/styles/icons/sprites/sprite@2x.json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), `"dot"`)

	resp, _ = s.do(t, http.MethodGet, "/styles/icons/sprites/sprite.png", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/styles/icons/sprites/other.png", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
