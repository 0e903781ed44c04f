// Package importer copies MBTiles archives into the tile store. Each import
// runs in an isolated worker that reports progress over an ordered message
// channel; the pipeline watches those messages, persists the outcome and
// rebroadcasts them to subscribers.
package importer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/khankhulgun/offlinemap/apierror"
	"github.com/khankhulgun/offlinemap/maplayer"
	"github.com/khankhulgun/offlinemap/mbtiles"
	"github.com/khankhulgun/offlinemap/models"
	"github.com/khankhulgun/offlinemap/styles"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrTimeout is returned by Import when the worker sent nothing before the
// watchdog expired.
var ErrTimeout = errors.New("import worker did not report progress")

type Options struct {
	DB *gorm.DB
	// DBPath is handed to workers, which open their own connection.
	DBPath  string
	Catalog *maplayer.Catalog
	Runner  Runner
	// InitialTimeout bounds the wait for a worker's first message,
	// ProgressTimeout the wait between later messages.
	InitialTimeout  time.Duration
	ProgressTimeout time.Duration
	BatchSize       int
	// BrokerRetention is how long a finished import keeps its broker.
	// Later subscribers are served from the import row.
	BrokerRetention time.Duration
	Logger          logrus.FieldLogger
}

type Pipeline struct {
	db              *gorm.DB
	dbPath          string
	catalog         *maplayer.Catalog
	runner          Runner
	initialTimeout  time.Duration
	progressTimeout time.Duration
	batchSize       int
	retention       time.Duration
	log             logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	brokers map[string]*broker
}

func New(opts Options) *Pipeline {
	if opts.Runner == nil {
		opts.Runner = &GoroutineRunner{Logger: opts.Logger}
	}
	if opts.InitialTimeout <= 0 {
		opts.InitialTimeout = 30 * time.Second
	}
	if opts.ProgressTimeout <= 0 {
		opts.ProgressTimeout = 10 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BrokerRetention <= 0 {
		opts.BrokerRetention = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		db:              opts.DB,
		dbPath:          opts.DBPath,
		catalog:         opts.Catalog,
		runner:          opts.Runner,
		initialTimeout:  opts.InitialTimeout,
		progressTimeout: opts.ProgressTimeout,
		batchSize:       opts.BatchSize,
		retention:       opts.BrokerRetention,
		log:             opts.Logger,
		ctx:             ctx,
		cancel:          cancel,
		brokers:         map[string]*broker{},
	}
}

type ImportRef struct {
	ID string `json:"id"`
}

// Result is what Import returns once the worker has reported in.
type Result struct {
	Import  ImportRef       `json:"import"`
	Tileset *models.Tileset `json:"tileset"`
	StyleID string          `json:"styleId"`
}

// Import validates the archive at filePath, creates its tileset, a style
// showing it and an active import row, then starts a worker. It returns as
// soon as the worker's first message arrives. Validation failures leave no
// rows behind.
func (p *Pipeline) Import(ctx context.Context, filePath, baseURL string) (*Result, error) {
	ts, total, bytesTotal, err := inspect(filePath)
	if err != nil {
		return nil, err
	}
	if ts.ID, err = maplayer.ComputeID(ts); err != nil {
		return nil, err
	}
	style, err := styles.TilesetStyle(ts, ts.Name, baseURL)
	if err != nil {
		return nil, err
	}
	importID, err := styles.NewID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	row := &models.Import{
		ID:             importID,
		TilesetID:      ts.ID,
		StyleID:        style.ID,
		State:          models.ImportActive,
		TotalResources: total,
		TotalBytes:     bytesTotal,
		Started:        now,
		LastUpdated:    now,
	}
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := maplayer.CreateTx(tx, ts); err != nil {
			return err
		}
		if err := tx.Create(style).Error; err != nil {
			return fmt.Errorf("create style %s: %w", style.ID, err)
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("create import %s: %w", importID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stored, err := p.catalog.Get(ctx, ts.ID)
	if err != nil {
		return nil, err
	}

	log := p.log.WithField("import", importID).WithField("tileset", ts.ID)
	log.Infof("importing %s: %d tiles", filePath, total)

	b := newBroker()
	p.mu.Lock()
	p.brokers[importID] = b
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(p.ctx)
	msgs, err := p.runner.Start(runCtx, Job{
		ImportID:    importID,
		TilesetID:   ts.ID,
		StyleID:     style.ID,
		ArchivePath: filePath,
		DBPath:      p.dbPath,
		BatchSize:   p.batchSize,
	})
	if err != nil {
		cancel()
		p.conclude(importID, models.ImportErrorUnknown, b)
		p.release(importID, b)
		return nil, err
	}

	first := make(chan error, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		p.supervise(importID, msgs, b, cancel, first, log)
	}()

	select {
	case err := <-first:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Result{Import: ImportRef{ID: importID}, Tileset: stored, StyleID: style.ID}, nil
}

// inspect reads the archive's metadata into a tileset definition.
func inspect(filePath string) (*models.Tileset, int64, int64, error) {
	archive, err := mbtiles.Open(filePath)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%v: %w", err, apierror.ErrImportTargetMissing)
	}
	defer archive.Close()

	meta, err := archive.Metadata()
	switch {
	case errors.Is(err, mbtiles.ErrUnsupportedFormat):
		return nil, 0, 0, fmt.Errorf("%v: %w", err, apierror.ErrUnsupportedFormat)
	case err != nil:
		return nil, 0, 0, fmt.Errorf("%v: %w", err, apierror.ErrInvalidMetadata)
	}
	total, bytesTotal, err := archive.Count(context.Background())
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%v: %w", err, apierror.ErrInvalidMetadata)
	}

	ts := &models.Tileset{
		Name:         meta.Name,
		Format:       models.FormatRaster,
		TileFormat:   meta.Format,
		MinZoom:      meta.MinZoom,
		MaxZoom:      meta.MaxZoom,
		Bounds:       meta.Bounds,
		Center:       meta.Center,
		Attribution:  meta.Attribution,
		VectorLayers: meta.VectorLayers,
	}
	if meta.Format == models.PBF {
		ts.Format = models.FormatVector
	}
	return ts, total, bytesTotal, nil
}

// supervise relays worker messages to the broker and runs the watchdog.
func (p *Pipeline) supervise(importID string, msgs <-chan models.ProgressMessage, b *broker, cancel context.CancelFunc, first chan<- error, log logrus.FieldLogger) {
	resolved := false
	resolve := func(err error) {
		if !resolved {
			resolved = true
			first <- err
		}
	}

	defer p.release(importID, b)

	watchdog := time.NewTimer(p.initialTimeout)
	defer watchdog.Stop()

	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				if p.ctx.Err() != nil {
					// shutting down; RecoverStale settles the row on next start
					resolve(p.ctx.Err())
					return
				}
				if _, done := b.finished(); !done {
					log.Warn("import worker exited without a result")
					p.conclude(importID, models.ImportErrorUnknown, b)
				}
				resolve(nil)
				return
			}
			watchdog.Reset(p.progressTimeout)
			m.ImportID = importID
			b.publish(m)
			resolve(nil)
			if m.Terminal() {
				log.Infof("import %s: %d/%d tiles", m.Type, m.SoFar, m.Total)
				return
			}

		case <-watchdog.C:
			log.Warn("import worker stalled, cancelling")
			cancel()
			p.conclude(importID, models.ImportErrorTimeout, b)
			resolve(fmt.Errorf("import %s: %w", importID, ErrTimeout))
			go func() {
				for range msgs {
				}
			}()
			return
		}
	}
}

// conclude marks an active import as failed with code and publishes the
// terminal message of whatever state the row ended up in.
func (p *Pipeline) conclude(importID, code string, b *broker) {
	if _, err := finish(p.db, importID, models.ImportError, errorCode(code), -1, 0); err != nil {
		p.log.WithField("import", importID).Errorf("mark import failed: %v", err)
	}
	row, err := p.GetImport(context.Background(), importID)
	if err != nil {
		p.log.WithField("import", importID).Errorf("read import: %v", err)
		b.publish(models.ProgressMessage{Type: models.MessageError, ImportID: importID})
		return
	}
	if m, ok := row.TerminalMessage(); ok {
		b.publish(m)
	}
}

// release drops the broker of a supervised import once the retention period
// has passed.
func (p *Pipeline) release(importID string, b *broker) {
	time.AfterFunc(p.retention, func() {
		p.mu.Lock()
		if p.brokers[importID] == b {
			delete(p.brokers, importID)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) GetImport(ctx context.Context, id string) (*models.Import, error) {
	var row models.Import
	err := p.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("import %s: %w", id, apierror.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read import %s: %w", id, err)
	}
	return &row, nil
}

func (p *Pipeline) ListImports(ctx context.Context) ([]models.Import, error) {
	var rows []models.Import
	if err := p.db.WithContext(ctx).Order("started DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list imports: %w", err)
	}
	return rows, nil
}

// Subscribe attaches to the progress of an import. A finished import yields
// only its terminal message. When lastEventID already names the terminal
// message type the call fails with apierror.ErrNoFurtherData.
func (p *Pipeline) Subscribe(ctx context.Context, id, lastEventID string) (*Subscription, error) {
	p.mu.Lock()
	b := p.brokers[id]
	p.mu.Unlock()

	if b != nil {
		if m, done := b.finished(); done && lastEventID == m.Type {
			return nil, fmt.Errorf("import %s: %w", id, apierror.ErrNoFurtherData)
		}
		return b.subscribe(), nil
	}

	// Imports started by an earlier process are replayed from their row.
	row, err := p.GetImport(ctx, id)
	if err != nil {
		return nil, err
	}
	m, ok := row.TerminalMessage()
	if !ok {
		return closedSubscription(), nil
	}
	if lastEventID == m.Type {
		return nil, fmt.Errorf("import %s: %w", id, apierror.ErrNoFurtherData)
	}
	s := closedSubscription()
	s.queue = []models.ProgressMessage{m}
	return s, nil
}

// Progress iterates the messages of an import until its terminal message.
// An unknown import yields nothing.
func (p *Pipeline) Progress(ctx context.Context, id string) iter.Seq[models.ProgressMessage] {
	return func(yield func(models.ProgressMessage) bool) {
		s, err := p.Subscribe(ctx, id, "")
		if err != nil {
			return
		}
		defer s.Close()
		for {
			m, ok := s.Next(ctx)
			if !ok || !yield(m) || m.Terminal() {
				return
			}
		}
	}
}

// RecoverStale fails imports left active by a previous process.
func (p *Pipeline) RecoverStale(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	result := p.db.WithContext(ctx).Model(&models.Import{}).
		Where("state = ?", models.ImportActive).
		Updates(map[string]any{
			"state":        models.ImportError,
			"error":        models.ImportErrorTimeout,
			"finished":     now,
			"last_updated": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("recover stale imports: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		p.log.Warnf("marked %d interrupted imports as timed out", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

// Close cancels running workers and waits for their supervisors.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}
