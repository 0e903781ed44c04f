package controllers

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v2"
	"github.com/khankhulgun/offlinemap/apierror"
	"github.com/khankhulgun/offlinemap/sprite"
)

func (ctl *Controller) GetSprite(c *fiber.Ctx) error {
	path, contentType, err := sprite.Locate(ctl.stylesDir, c.Params("id"), c.Params("name"))
	if err != nil {
		return ctl.fail(c, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ctl.fail(c, err)
	}
	c.Set(fiber.HeaderContentType, contentType)
	return c.Send(data)
}

// BuildSprite renders the style's icons directory into sprite sheets.
func (ctl *Controller) BuildSprite(c *fiber.Ctx) error {
	style, err := ctl.styles.Get(c.Context(), c.Params("id"))
	if err != nil {
		return ctl.fail(c, err)
	}
	icons, err := sprite.Build(filepath.Join(ctl.stylesDir, style.ID))
	if errors.Is(err, sprite.ErrNoIcons) {
		return ctl.fail(c, fmt.Errorf("style %s has no icons: %w", style.ID, apierror.ErrNotFound))
	}
	if err != nil {
		return ctl.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "success", "icons": icons})
}
