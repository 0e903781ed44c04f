// Package controllers holds the fiber handlers of the map server.
package controllers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/khankhulgun/offlinemap/apierror"
	"github.com/khankhulgun/offlinemap/importer"
	"github.com/khankhulgun/offlinemap/maplayer"
	"github.com/khankhulgun/offlinemap/styles"
	"github.com/khankhulgun/offlinemap/tiles"
	"github.com/khankhulgun/offlinemap/tilestore"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Catalog  *maplayer.Catalog
	Store    *tilestore.Store
	Styles   *styles.Service
	Resolver *tiles.Resolver
	Imports  *importer.Pipeline
	// StylesDir holds per-style sprites as <styleId>/sprites.
	StylesDir string
	// BaseURL is the public url of the server. Empty means derive it from
	// each request.
	BaseURL string
	Logger  logrus.FieldLogger
}

type Controller struct {
	catalog   *maplayer.Catalog
	store     *tilestore.Store
	styles    *styles.Service
	resolver  *tiles.Resolver
	imports   *importer.Pipeline
	stylesDir string
	baseURL   string
	log       logrus.FieldLogger
}

func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Controller{
		catalog:   opts.Catalog,
		store:     opts.Store,
		styles:    opts.Styles,
		resolver:  opts.Resolver,
		imports:   opts.Imports,
		stylesDir: opts.StylesDir,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		log:       opts.Logger,
	}
}

func (ctl *Controller) base(c *fiber.Ctx) string {
	if ctl.baseURL != "" {
		return ctl.baseURL
	}
	return c.BaseURL()
}

// fail renders err as {"status":"error","code":...,"message":...}.
func (ctl *Controller) fail(c *fiber.Ctx, err error) error {
	status := apierror.Status(err)
	if status == fiber.StatusNoContent {
		return c.SendStatus(status)
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{
			"status":  "error",
			"code":    "BAD_REQUEST",
			"message": fe.Message,
		})
	}
	if status >= fiber.StatusInternalServerError && apierror.Code(err) == "INTERNAL" {
		ctl.log.WithField("path", c.Path()).Errorf("request failed: %v", err)
	}
	return c.Status(status).JSON(fiber.Map{
		"status":  "error",
		"code":    apierror.Code(err),
		"message": err.Error(),
	})
}

func badRequest(message string) error {
	return fiber.NewError(fiber.StatusBadRequest, message)
}
