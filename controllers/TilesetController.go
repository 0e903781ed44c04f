package controllers

import (
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"github.com/khankhulgun/offlinemap/maplayer"
	"github.com/khankhulgun/offlinemap/models"
	"github.com/khankhulgun/offlinemap/tiles"
)

// CreateTileset registers a tileset described by a TileJSON body. Posting
// the same definition twice yields the same tileset.
func (ctl *Controller) CreateTileset(c *fiber.Ctx) error {
	var tj models.TileJSON
	if err := c.BodyParser(&tj); err != nil {
		return ctl.fail(c, badRequest("invalid TileJSON: "+err.Error()))
	}
	def, err := maplayer.FromTileJSON(&tj, "")
	if err != nil {
		return ctl.fail(c, err)
	}
	ts, err := ctl.catalog.Create(c.Context(), def)
	if err != nil {
		return ctl.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(maplayer.TileJSON(ts, ctl.base(c)))
}

func (ctl *Controller) ListTilesets(c *fiber.Ctx) error {
	list, err := ctl.catalog.List(c.Context())
	if err != nil {
		return ctl.fail(c, err)
	}
	base := ctl.base(c)
	out := make([]models.TileJSON, 0, len(list))
	for i := range list {
		out = append(out, maplayer.TileJSON(&list[i], base))
	}
	return c.JSON(out)
}

func (ctl *Controller) GetTileset(c *fiber.Ctx) error {
	ts, err := ctl.catalog.Get(c.Context(), c.Params("id"))
	if err != nil {
		return ctl.fail(c, err)
	}
	return c.JSON(maplayer.TileJSON(ts, ctl.base(c)))
}

func (ctl *Controller) UpdateTileset(c *fiber.Ctx) error {
	var input struct {
		Name        *string `json:"name"`
		Attribution *string `json:"attribution"`
	}
	if err := c.BodyParser(&input); err != nil {
		return ctl.fail(c, badRequest("invalid input: "+err.Error()))
	}
	ts, err := ctl.catalog.Update(c.Context(), c.Params("id"), input.Name, input.Attribution)
	if err != nil {
		return ctl.fail(c, err)
	}
	return c.JSON(maplayer.TileJSON(ts, ctl.base(c)))
}

// GetTile serves /tilesets/:id/:z/:x/:y. The y segment may carry an
// extension or a @2x suffix.
func (ctl *Controller) GetTile(c *fiber.Ctx) error {
	z, x, y, err := tiles.ParseTileParams(c)
	if err != nil {
		return ctl.fail(c, badRequest("invalid tile parameters"))
	}
	tile, err := ctl.resolver.ResolveTile(c.Context(), c.Params("id"), z, x, y, c.Query("access_token"))
	if err != nil {
		return ctl.fail(c, err)
	}
	c.Set(fiber.HeaderContentType, tile.ContentType)
	if tile.ContentEncoding != "" {
		c.Set(fiber.HeaderContentEncoding, tile.ContentEncoding)
	}
	c.Set(fiber.HeaderCacheControl, "public, max-age=86400")
	return c.Send(tile.Data)
}

// ExportTileset streams the stored tiles of a tileset as an MBTiles archive.
func (ctl *Controller) ExportTileset(c *fiber.Ctx) error {
	ts, err := ctl.catalog.Get(c.Context(), c.Params("id"))
	if err != nil {
		return ctl.fail(c, err)
	}
	dir, err := os.MkdirTemp("", "offlinemap-export-")
	if err != nil {
		return ctl.fail(c, err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, ts.ID+".mbtiles")
	written, err := ctl.store.Export(c.Context(), ts, path)
	if err != nil {
		return ctl.fail(c, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return ctl.fail(c, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return ctl.fail(c, err)
	}
	ctl.log.WithField("tileset", ts.ID).Infof("exporting %d tiles", written)

	c.Attachment(ts.ID + ".mbtiles")
	c.Set(fiber.HeaderContentType, "application/vnd.sqlite3")
	// The open descriptor outlives the removed directory; fasthttp closes it.
	return c.SendStream(f, int(info.Size()))
}
