package controllers

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/khankhulgun/offlinemap/styles"
)

func (ctl *Controller) ListStyles(c *fiber.Ctx) error {
	list, err := ctl.styles.List(c.Context())
	if err != nil {
		return ctl.fail(c, err)
	}
	base := ctl.base(c)
	for i := range list {
		list[i].URL = base + "/styles/" + list[i].ID
	}
	return c.JSON(list)
}

// CreateStyle accepts {style, id?, accessToken?}. The style may contain
// comments and trailing commas.
func (ctl *Controller) CreateStyle(c *fiber.Ctx) error {
	var input struct {
		Style       json.RawMessage `json:"style"`
		ID          string          `json:"id"`
		AccessToken string          `json:"accessToken"`
	}
	if err := json.Unmarshal(c.Body(), &input); err != nil {
		return ctl.fail(c, badRequest("invalid input: "+err.Error()))
	}
	if len(input.Style) == 0 {
		return ctl.fail(c, badRequest("style is required"))
	}
	raw := input.Style
	// A style posted as a JSON string is parsed from its contents.
	var text string
	if json.Unmarshal(raw, &text) == nil {
		raw = []byte(text)
	}
	doc, err := styles.ParseDocument(raw)
	if err != nil {
		return ctl.fail(c, err)
	}
	base := ctl.base(c)
	style, err := ctl.styles.Create(c.Context(), doc, styles.CreateOptions{
		ID:          input.ID,
		BaseURL:     base,
		AccessToken: input.AccessToken,
	})
	if err != nil {
		return ctl.fail(c, err)
	}
	style.URL = base + "/styles/" + style.ID
	return c.Status(fiber.StatusCreated).JSON(style)
}

// GetStyle returns the stored style document with local urls pointing at
// this server.
func (ctl *Controller) GetStyle(c *fiber.Ctx) error {
	doc, err := ctl.styles.Document(c.Context(), c.Params("id"), ctl.base(c))
	if err != nil {
		return ctl.fail(c, err)
	}
	return c.JSON(doc)
}

func (ctl *Controller) UpdateStyle(c *fiber.Ctx) error {
	var input struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&input); err != nil {
		return ctl.fail(c, badRequest("invalid input: "+err.Error()))
	}
	if input.Name == "" {
		return ctl.fail(c, badRequest("name is required"))
	}
	style, err := ctl.styles.Update(c.Context(), c.Params("id"), input.Name)
	if err != nil {
		return ctl.fail(c, err)
	}
	style.URL = ctl.base(c) + "/styles/" + style.ID
	return c.JSON(style)
}

// DeleteStyle removes a style together with tilesets and tiles no other
// style uses.
func (ctl *Controller) DeleteStyle(c *fiber.Ctx) error {
	if err := ctl.styles.Delete(c.Context(), c.Params("id")); err != nil {
		return ctl.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
