package controllers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

// keepAlive is how long a progress stream may stay silent before a comment
// frame is written to detect gone clients.
var keepAlive = 15 * time.Second

// ImportTileset starts importing the MBTiles archive at {filePath}. It
// answers once the worker has reported for the first time.
func (ctl *Controller) ImportTileset(c *fiber.Ctx) error {
	var input struct {
		FilePath string `json:"filePath"`
	}
	if err := c.BodyParser(&input); err != nil {
		return ctl.fail(c, badRequest("invalid input: "+err.Error()))
	}
	if input.FilePath == "" {
		return ctl.fail(c, badRequest("filePath is required"))
	}
	result, err := ctl.imports.Import(c.Context(), input.FilePath, ctl.base(c))
	if err != nil {
		return ctl.fail(c, err)
	}
	return c.JSON(result)
}

func (ctl *Controller) ListImports(c *fiber.Ctx) error {
	rows, err := ctl.imports.ListImports(c.Context())
	if err != nil {
		return ctl.fail(c, err)
	}
	return c.JSON(rows)
}

func (ctl *Controller) GetImport(c *fiber.Ctx) error {
	row, err := ctl.imports.GetImport(c.Context(), c.Params("id"))
	if err != nil {
		return ctl.fail(c, err)
	}
	return c.JSON(row)
}

// ImportProgress streams progress as server-sent events. Each frame's id is
// the message type, so a client reconnecting after the terminal message
// gets 204.
func (ctl *Controller) ImportProgress(c *fiber.Ctx) error {
	// The stream outlives the handler, so the route parameter is copied.
	id := strings.Clone(c.Params("id"))
	sub, err := ctl.imports.Subscribe(c.Context(), id, c.Get("Last-Event-ID"))
	if err != nil {
		return ctl.fail(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	log := ctl.log.WithField("import", id)

	var stream fasthttp.StreamWriter = func(w *bufio.Writer) {
		defer sub.Close()
		for {
			ctx, cancel := context.WithTimeout(context.Background(), keepAlive)
			m, ok := sub.Next(ctx)
			timedOut := ctx.Err() != nil
			cancel()
			if !ok && !timedOut {
				return
			}
			if !ok {
				fmt.Fprint(w, ": keep-alive\n\n")
			} else {
				data, err := json.Marshal(m)
				if err != nil {
					log.Errorf("encode progress: %v", err)
					return
				}
				fmt.Fprintf(w, "id: %s\nevent: message\ndata: %s\n\n", m.Type, data)
			}
			if err := w.Flush(); err != nil {
				log.Debugf("progress client gone: %v", err)
				return
			}
			if ok && m.Terminal() {
				return
			}
		}
	}
	c.Context().SetBodyStreamWriter(stream)
	return nil
}
