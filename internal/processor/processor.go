// Package processor coordinates the ingestion pipeline: it accepts
// uploaded payloads, persists them to the object store, records an initial
// processing record, and drives each file through its status lifecycle on
// a bounded pool of workers.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/telemetryops/sensor-ingest/internal/aggregate"
	"github.com/telemetryops/sensor-ingest/internal/logging"
	"github.com/telemetryops/sensor-ingest/internal/metrics"
	"github.com/telemetryops/sensor-ingest/internal/readings"
)

// ErrBusy is returned by Submit when the work queue is full.
var ErrBusy = errors.New("work queue is full")

// ErrClosed is returned by Submit after Close has begun.
var ErrClosed = errors.New("processor is shut down")

// ObjectStore is the slice of the object store the processor needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Health(ctx context.Context) error
}

// MetaStore is the slice of the metadata store the processor needs.
type MetaStore interface {
	PutItem(ctx context.Context, rec *readings.Record) error
	GetItem(ctx context.Context, key string) (*readings.Record, error)
	Health(ctx context.Context) error
}

// Config configures the worker pool.
type Config struct {
	Workers   int
	QueueSize int
}

// job references one enqueued file. The record is created before the job
// is enqueued, so workers always find it.
type job struct {
	fileID        string
	key           string
	correlationID string
}

// Processor owns the job queue and the worker goroutines.
type Processor struct {
	store ObjectStore
	table MetaStore
	cfg   Config
	log   *slog.Logger

	jobs    chan job
	pending atomic.Int64
	wg      sync.WaitGroup
	once    sync.Once

	// closeMu orders Submit against Close: submissions hold the read
	// lock across the enqueue, Close takes the write lock before closing
	// the channel, so no send can race the close.
	closeMu sync.RWMutex
	closed  bool
}

// New creates a processor. Call Start to launch the workers.
func New(store ObjectStore, table MetaStore, cfg Config) *Processor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = cfg.Workers * 2
	}

	return &Processor{
		store: store,
		table: table,
		cfg:   cfg,
		log:   logging.Component("processor"),
		jobs:  make(chan job, cfg.QueueSize),
	}
}

// Start launches the worker pool.
func (p *Processor) Start() {
	p.log.Info("starting worker pool", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
}

// Close stops accepting jobs and waits for in-flight work to finish.
// Already-dequeued jobs run to completion; later Submits fail with
// ErrClosed.
func (p *Processor) Close() {
	p.once.Do(func() {
		p.closeMu.Lock()
		p.closed = true
		close(p.jobs)
		p.closeMu.Unlock()
	})
	p.wg.Wait()
}

// Submit persists the payload, records the initial status, and enqueues a
// processing job. It returns the generated file ID immediately; callers
// observe progress by polling GetStatus. When the queue is full it fails
// with ErrBusy, and after Close with ErrClosed, before anything becomes
// externally visible.
func (p *Processor) Submit(ctx context.Context, data []byte, filename string) (string, error) {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		if m := metrics.Get(); m != nil {
			m.UploadsRejected.WithLabelValues("shutdown").Inc()
		}
		return "", ErrClosed
	}

	// Reserve a queue slot up front so a record is never created for a
	// job that cannot be enqueued.
	if p.pending.Add(1) > int64(p.cfg.QueueSize) {
		p.pending.Add(-1)
		if m := metrics.Get(); m != nil {
			m.UploadsRejected.WithLabelValues("busy").Inc()
		}
		return "", ErrBusy
	}

	fileID := uuid.New().String()
	key := objectKey(fileID)

	if err := p.store.Put(ctx, key, data); err != nil {
		p.pending.Add(-1)
		if m := metrics.Get(); m != nil {
			m.StorageErrors.Inc()
			m.UploadsRejected.WithLabelValues("storage").Inc()
		}
		return "", fmt.Errorf("store upload: %w", err)
	}

	rec := &readings.Record{
		FileID:     fileID,
		Filename:   filename,
		Status:     readings.StatusUploaded,
		UploadedAt: time.Now().UTC(),
	}
	if err := p.table.PutItem(ctx, rec); err != nil {
		// The object is already written; the dangling blob is an accepted,
		// operator-visible inconsistency.
		p.pending.Add(-1)
		if m := metrics.Get(); m != nil {
			m.MetadataErrors.Inc()
			m.UploadsRejected.WithLabelValues("metadata").Inc()
		}
		return "", fmt.Errorf("record upload: %w", err)
	}

	p.jobs <- job{
		fileID:        fileID,
		key:           key,
		correlationID: logging.CorrelationID(ctx),
	}

	if m := metrics.Get(); m != nil {
		m.UploadsAccepted.Inc()
		m.UploadBytes.Observe(float64(len(data)))
		m.QueueDepth.Set(float64(p.pending.Load()))
	}

	return fileID, nil
}

// GetStatus returns the processing record for the file ID as-is, without
// recomputation. Absent IDs surface the metadata store's not-found error.
func (p *Processor) GetStatus(ctx context.Context, fileID string) (*readings.Record, error) {
	return p.table.GetItem(ctx, fileID)
}

// Health verifies both stores are reachable.
func (p *Processor) Health(ctx context.Context) error {
	if err := p.store.Health(ctx); err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	if err := p.table.Health(ctx); err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}
	return nil
}

// workerLoop processes jobs until the queue is closed. Jobs are not
// cancellable once dequeued; each runs to completion.
func (p *Processor) workerLoop(workerID int) {
	defer p.wg.Done()

	log := logging.WorkerLogger(workerID)
	log.Debug("worker started")
	defer log.Debug("worker stopped")

	for j := range p.jobs {
		p.pending.Add(-1)
		if m := metrics.Get(); m != nil {
			m.QueueDepth.Set(float64(p.pending.Load()))
			m.InFlightFiles.Inc()
		}

		p.process(workerID, j)

		if m := metrics.Get(); m != nil {
			m.InFlightFiles.Dec()
		}
	}
}

// process drives one file from uploaded to a terminal status. Whatever
// happens in between, a terminal record is written.
func (p *Processor) process(workerID int, j job) {
	log := logging.FileLogger(j.correlationID, j.fileID).With("worker_id", workerID)

	ctx := context.Background()

	rec, err := p.table.GetItem(ctx, j.fileID)
	if err != nil {
		// The record is created before the job is enqueued, so this is a
		// store fault rather than a missing file.
		log.Error("load record", "error", err)
		if m := metrics.Get(); m != nil {
			m.MetadataErrors.Inc()
		}
		// UploadedAt is set once at submission; a zero value here is
		// better than fabricating a later timestamp.
		rec = &readings.Record{
			FileID: j.fileID,
			Status: readings.StatusUploaded,
		}
	}

	start := time.Now()

	if !rec.Status.CanTransition(readings.StatusProcessing) {
		log.Warn("unexpected status at dequeue", "status", rec.Status)
	}
	rec.Status = readings.StatusProcessing
	if err := p.table.PutItem(ctx, rec); err != nil {
		log.Error("write processing status", "error", err)
		if m := metrics.Get(); m != nil {
			m.MetadataErrors.Inc()
		}
	}

	outcome := p.runAggregation(ctx, log, j.key)

	processedAt := time.Now().UTC()
	elapsed := time.Since(start)
	elapsedMS := elapsed.Milliseconds()

	rec.Status = outcome.status
	rec.ProcessedAt = &processedAt
	rec.ProcessingMS = &elapsedMS
	rec.Aggregates = outcome.aggregates
	rec.Errors = outcome.rowErrors
	rec.ErrorMessage = outcome.errorMessage

	if err := p.table.PutItem(ctx, rec); err != nil {
		log.Error("write terminal record", "error", err)
		if m := metrics.Get(); m != nil {
			m.MetadataErrors.Inc()
		}
		return
	}

	log.Info("file processed",
		"status", rec.Status,
		"duration_ms", elapsedMS,
		"row_errors", len(outcome.rowErrors),
	)

	if m := metrics.Get(); m != nil {
		m.FilesProcessed.WithLabelValues(string(rec.Status)).Inc()
		m.ProcessingDuration.Observe(elapsed.Seconds())
		if outcome.aggregates != nil {
			m.RowsAccepted.Add(float64(outcome.aggregates.RowCount))
		}
		m.RowsRejected.Add(float64(len(outcome.rowErrors)))
	}
}

// outcome is the terminal result of one processing job.
type outcome struct {
	status       readings.Status
	aggregates   *readings.Aggregates
	rowErrors    []readings.RowError
	errorMessage string
}

// runAggregation reads the uploaded bytes, parses and aggregates them, and
// derives the terminal status. A panic anywhere inside becomes a failed
// outcome so no file is ever left stuck in processing.
func (p *Processor) runAggregation(ctx context.Context, log *slog.Logger, key string) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("processing panicked", "panic", r)
			out = outcome{
				status:       readings.StatusFailed,
				errorMessage: fmt.Sprintf("internal error: %v", r),
			}
		}
	}()

	data, err := p.store.Get(ctx, key)
	if err != nil {
		if m := metrics.Get(); m != nil {
			m.StorageErrors.Inc()
		}
		return outcome{
			status:       readings.StatusFailed,
			errorMessage: fmt.Sprintf("read uploaded object: %v", err),
		}
	}

	rows, err := aggregate.ReadRows(bytes.NewReader(data))
	if err != nil {
		return outcome{
			status:       readings.StatusFailed,
			errorMessage: err.Error(),
		}
	}

	aggs, rowErrs := aggregate.Aggregate(rows)

	switch {
	case aggs == nil && len(rows) == 0:
		return outcome{
			status:       readings.StatusFailed,
			errorMessage: "file contains no data rows",
		}
	case aggs == nil:
		return outcome{
			status:       readings.StatusFailed,
			rowErrors:    rowErrs,
			errorMessage: "no rows passed validation",
		}
	case len(rowErrs) > 0:
		return outcome{
			status:     readings.StatusPartial,
			aggregates: aggs,
			rowErrors:  rowErrs,
		}
	default:
		return outcome{
			status:     readings.StatusProcessed,
			aggregates: aggs,
		}
	}
}

// objectKey derives the object store key for a file ID.
func objectKey(fileID string) string {
	return fileID + ".csv"
}
