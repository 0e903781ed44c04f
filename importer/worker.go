package importer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/khankhulgun/offlinemap/database"
	"github.com/khankhulgun/offlinemap/mbtiles"
	"github.com/khankhulgun/offlinemap/models"
	"github.com/khankhulgun/offlinemap/tilestore"
	"gorm.io/gorm"
)

const defaultBatchSize = 500

// Emit delivers one message to the pipeline, in order.
type Emit func(models.ProgressMessage) error

// Run copies the archive of job into the tile store. It emits a progress
// message before the first tile and after every committed batch, and ends
// with exactly one complete or error message unless ctx is cancelled first.
// The terminal state is persisted before the terminal message is emitted.
func Run(ctx context.Context, job Job, emit Emit) error {
	db, err := database.Open(job.DBPath)
	if err != nil {
		return fmt.Errorf("worker store: %w", err)
	}
	defer database.Close(db)

	w := &worker{job: job, db: db, store: tilestore.New(db), emit: emit}
	if w.job.BatchSize <= 0 {
		w.job.BatchSize = defaultBatchSize
	}
	return w.run(ctx)
}

type worker struct {
	job   Job
	db    *gorm.DB
	store *tilestore.Store
	emit  Emit

	total      int64
	bytesTotal int64
	soFar      int64
	bytesSoFar int64
}

func (w *worker) run(ctx context.Context) error {
	archive, err := mbtiles.Open(w.job.ArchivePath)
	if err != nil {
		return w.fail(ctx, err)
	}
	defer archive.Close()

	if w.total, w.bytesTotal, err = archive.Count(ctx); err != nil {
		return w.fail(ctx, err)
	}
	if err := w.progress(); err != nil {
		return err
	}

	batch := make([]tilestore.Placement, 0, w.job.BatchSize)
	for tile, err := range archive.Tiles(ctx) {
		if err != nil {
			return w.fail(ctx, err)
		}
		batch = append(batch, tilestore.Placement{Z: tile.Z, X: tile.X, Y: tile.Y, Data: tile.Data})
		if len(batch) < w.job.BatchSize {
			continue
		}
		if err := w.flush(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
	}
	if len(batch) > 0 {
		if err := w.flush(ctx, batch); err != nil {
			return err
		}
	}

	if _, err := finish(w.db, w.job.ImportID, models.ImportComplete, nil, w.total, w.bytesSoFar); err != nil {
		return err
	}
	return w.emit(models.ProgressMessage{
		Type:       models.MessageComplete,
		ImportID:   w.job.ImportID,
		SoFar:      w.total,
		Total:      w.total,
		BytesSoFar: w.bytesSoFar,
		BytesTotal: w.bytesTotal,
	})
}

func (w *worker) flush(ctx context.Context, batch []tilestore.Placement) error {
	if err := w.store.PutBatch(ctx, w.job.TilesetID, batch); err != nil {
		return w.fail(ctx, err)
	}
	w.soFar += int64(len(batch))
	for _, p := range batch {
		w.bytesSoFar += int64(len(p.Data))
	}
	if err := recordProgress(w.db, w.job.ImportID, w.soFar, w.bytesSoFar); err != nil {
		return w.fail(ctx, err)
	}
	return w.progress()
}

func (w *worker) progress() error {
	return w.emit(models.ProgressMessage{
		Type:       models.MessageProgress,
		ImportID:   w.job.ImportID,
		SoFar:      w.soFar,
		Total:      w.total,
		BytesSoFar: w.bytesSoFar,
		BytesTotal: w.bytesTotal,
	})
}

// fail records an UNKNOWN error. A cancelled worker records nothing: the
// pipeline owns the outcome of imports it gave up on.
func (w *worker) fail(ctx context.Context, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, err := finish(w.db, w.job.ImportID, models.ImportError, errorCode(models.ImportErrorUnknown), w.soFar, w.bytesSoFar); err != nil {
		return errors.Join(cause, err)
	}
	if err := w.emit(models.ProgressMessage{
		Type:       models.MessageError,
		ImportID:   w.job.ImportID,
		SoFar:      w.soFar,
		Total:      w.total,
		BytesSoFar: w.bytesSoFar,
		BytesTotal: w.bytesTotal,
	}); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// ServeWorker runs one job read from in, writing progress to out. It is the
// body of the import-worker command.
func ServeWorker(ctx context.Context, in io.Reader, out io.Writer) error {
	var job Job
	if err := newDecoder(in).Decode(&job); err != nil {
		return fmt.Errorf("read import job: %w", err)
	}
	enc := newEncoder(out)
	return Run(ctx, job, func(m models.ProgressMessage) error {
		return enc.Encode(m)
	})
}
