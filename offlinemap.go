// Package offlinemap wires the map server's services and routes.
package offlinemap

import (
	"fmt"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/khankhulgun/offlinemap/config"
	"github.com/khankhulgun/offlinemap/controllers"
	"github.com/khankhulgun/offlinemap/database"
	"github.com/khankhulgun/offlinemap/importer"
	"github.com/khankhulgun/offlinemap/maplayer"
	"github.com/khankhulgun/offlinemap/styles"
	"github.com/khankhulgun/offlinemap/tiles"
	"github.com/khankhulgun/offlinemap/tilestore"
	"github.com/khankhulgun/offlinemap/upstream"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Services struct {
	Config   *config.Config
	DB       *gorm.DB
	Catalog  *maplayer.Catalog
	Store    *tilestore.Store
	Upstream *upstream.Client
	Styles   *styles.Service
	Resolver *tiles.Resolver
	Imports  *importer.Pipeline
	Log      logrus.FieldLogger
}

// NewServices opens the database and builds every service. runner may be
// nil, in which case conf.Import.Isolation decides how imports run.
func NewServices(conf *config.Config, runner importer.Runner, log logrus.FieldLogger) (*Services, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := database.Open(conf.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	catalog, err := maplayer.NewCatalog(db, conf.Cache.MaxCost)
	if err != nil {
		database.Close(db)
		return nil, err
	}
	if runner == nil {
		if runner, err = newRunner(conf, log); err != nil {
			catalog.Close()
			database.Close(db)
			return nil, err
		}
	}

	svc := &Services{Config: conf, DB: db, Catalog: catalog, Log: log}
	svc.Store = tilestore.New(db)
	svc.Upstream = upstream.New(upstream.Options{
		APIURL:  conf.Upstream.APIURL,
		Retries: conf.Upstream.Retries,
		Timeout: conf.Upstream.Timeout,
		Logger:  log.WithField("component", "upstream"),
	})
	svc.Styles = styles.New(styles.Options{
		DB:        db,
		Catalog:   catalog,
		Store:     svc.Store,
		Upstream:  svc.Upstream,
		StylesDir: conf.StylesDir(),
		Logger:    log.WithField("component", "styles"),
	})
	svc.Resolver = tiles.NewResolver(tiles.Options{
		Catalog:   catalog,
		Store:     svc.Store,
		Upstream:  svc.Upstream,
		Styles:    svc.Styles,
		FontsDir:  conf.FontsDir(),
		StylesDir: conf.StylesDir(),
		WriteBack: conf.Upstream.WriteBack,
		Logger:    log.WithField("component", "tiles"),
	})
	svc.Imports = importer.New(importer.Options{
		DB:              db,
		DBPath:          conf.Storage.DBPath,
		Catalog:         catalog,
		Runner:          runner,
		InitialTimeout:  conf.Import.InitialTimeout,
		ProgressTimeout: conf.Import.ProgressTimeout,
		BatchSize:       conf.Import.BatchSize,
		Logger:          log.WithField("component", "import"),
	})
	return svc, nil
}

func newRunner(conf *config.Config, log logrus.FieldLogger) (importer.Runner, error) {
	if conf.Import.Isolation != config.IsolationProcess {
		return &importer.GoroutineRunner{Logger: log.WithField("component", "import")}, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate import worker binary: %w", err)
	}
	return &importer.ProcessRunner{Path: self, Logger: log.WithField("component", "import")}, nil
}

// Close stops running imports, waits for tile write-backs and closes the
// database.
func (s *Services) Close() error {
	s.Imports.Close()
	s.Resolver.Wait()
	s.Catalog.Close()
	return database.Close(s.DB)
}

// Set registers the map server routes on app.
func Set(app *fiber.App, svc *Services) {
	ctl := controllers.New(controllers.Options{
		Catalog:   svc.Catalog,
		Store:     svc.Store,
		Styles:    svc.Styles,
		Resolver:  svc.Resolver,
		Imports:   svc.Imports,
		StylesDir: svc.Config.StylesDir(),
		BaseURL:   svc.Config.Server.BaseURL,
		Logger:    svc.Log.WithField("component", "http"),
	})

	t := app.Group("/tilesets")
	t.Post("/import", ctl.ImportTileset)
	t.Post("/", ctl.CreateTileset)
	t.Get("/", ctl.ListTilesets)
	t.Get("/:id", ctl.GetTileset)
	t.Put("/:id", ctl.UpdateTileset)
	t.Get("/:id/export", ctl.ExportTileset)
	t.Get("/:id/:z/:x/:y", ctl.GetTile)

	s := app.Group("/styles")
	s.Get("/", ctl.ListStyles)
	s.Post("/", ctl.CreateStyle)
	s.Get("/:id", ctl.GetStyle)
	s.Put("/:id", ctl.UpdateStyle)
	s.Delete("/:id", ctl.DeleteStyle)
	s.Get("/:id/sprites/:name", ctl.GetSprite)
	s.Post("/:id/sprites/build", ctl.BuildSprite)

	app.Get("/fonts/:fontstack/:range.pbf", ctl.GetGlyphs)

	i := app.Group("/imports")
	i.Get("/", ctl.ListImports)
	i.Get("/progress/:id", ctl.ImportProgress)
	i.Get("/:id", ctl.GetImport)
}
