package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/khankhulgun/offlinemap"
	"github.com/khankhulgun/offlinemap/models"
	pb "gopkg.in/cheggaaa/pb.v1"
)

// importArchive imports one archive without starting the server and draws
// its progress until the import finishes.
func importArchive(opts *options, archive string) error {
	conf, log, err := setup(opts)
	if err != nil {
		return err
	}
	path, err := filepath.Abs(archive)
	if err != nil {
		return err
	}
	svc, err := offlinemap.NewServices(conf, nil, log)
	if err != nil {
		return err
	}
	exit := newSafeExit(log)
	exit.Register(func() {
		if err := svc.Close(); err != nil {
			log.Errorf("close services: %v", err)
		}
	})
	defer exit.Run()

	ctx := context.Background()
	baseURL := conf.Server.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost" + conf.Server.Addr
	}
	result, err := svc.Imports.Import(ctx, path, baseURL)
	if err != nil {
		return err
	}
	log.Infof("import %s started: tileset %s, style %s", result.Import.ID, result.Tileset.ID, result.StyleID)

	var bar *pb.ProgressBar
	var last models.ProgressMessage
	for m := range svc.Imports.Progress(ctx, result.Import.ID) {
		if bar == nil {
			bar = pb.New64(m.Total).Prefix(fmt.Sprintf("%s : ", result.Tileset.Name)).Postfix("\n")
			bar.Start()
		}
		bar.Set64(m.SoFar)
		last = m
	}
	if bar != nil {
		bar.Finish()
	}

	switch last.Type {
	case models.MessageComplete:
		fmt.Printf("imported %d tiles (%s) into tileset %s, style %s\n",
			last.SoFar, humanize.Bytes(uint64(last.BytesSoFar)), result.Tileset.ID, result.StyleID)
		return nil
	case models.MessageError:
		row, err := svc.Imports.GetImport(ctx, result.Import.ID)
		if err != nil {
			return err
		}
		code := models.ImportErrorUnknown
		if row.Error != nil {
			code = *row.Error
		}
		return fmt.Errorf("import %s failed after %d of %d tiles: %s", row.ID, row.ImportedResources, row.TotalResources, code)
	default:
		return fmt.Errorf("import %s ended without a result", result.Import.ID)
	}
}
