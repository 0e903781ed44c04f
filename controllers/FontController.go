package controllers

import (
	"net/url"

	"github.com/gofiber/fiber/v2"
	"github.com/khankhulgun/offlinemap/tiles"
)

// GetGlyphs serves /fonts/:fontstack/:range.pbf.
func (ctl *Controller) GetGlyphs(c *fiber.Ctx) error {
	fontstack, err := url.PathUnescape(c.Params("fontstack"))
	if err != nil {
		return ctl.fail(c, badRequest("invalid font stack"))
	}
	data, err := ctl.resolver.ResolveGlyphs(c.Context(), tiles.ParseFontStack(fontstack), c.Params("range"), c.Query("styleId"), c.Query("access_token"))
	if err != nil {
		return ctl.fail(c, err)
	}
	c.Set(fiber.HeaderContentType, "application/x-protobuf")
	c.Set(fiber.HeaderCacheControl, "public, max-age=86400")
	return c.Send(data)
}
