package main

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/khankhulgun/offlinemap"
	"github.com/khankhulgun/offlinemap/config"
	"github.com/khankhulgun/offlinemap/logger"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func setup(opts *options) (*config.Config, *logrus.Logger, error) {
	conf, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if opts.logLevel != "" {
		conf.Log.Level = opts.logLevel
	}
	log, err := logger.New(logger.Options{
		Level:    conf.Log.Level,
		Dir:      conf.Log.Dir,
		Terminal: conf.Log.Terminal,
	})
	if err != nil {
		return nil, nil, err
	}
	return conf, log, nil
}

func serve(opts *options) error {
	conf, log, err := setup(opts)
	if err != nil {
		return err
	}
	svc, err := offlinemap.NewServices(conf, nil, log)
	if err != nil {
		return err
	}
	if _, err := svc.Imports.RecoverStale(context.Background()); err != nil {
		svc.Close()
		return err
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             32 << 20,
	})
	app.Use(recover.New())
	offlinemap.Set(app, svc)

	exit := newSafeExit(log)
	exit.Register(func() {
		if err := svc.Close(); err != nil {
			log.Errorf("close services: %v", err)
		}
	})
	exit.Register(func() {
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.Errorf("shutdown server: %v", err)
		}
	})

	log.Infof("serving on %s, data in %s, import isolation %s", conf.Server.Addr, conf.Storage.DataDir, conf.Import.Isolation)
	err = app.Listen(conf.Server.Addr)
	exit.Run()
	return err
}
