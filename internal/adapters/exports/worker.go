package exports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"custodychain/internal/blob"
	"custodychain/internal/core"
	"custodychain/pkg/domain"
)

// ErrQueueFull is returned when the worker cannot accept more requests.
var ErrQueueFull = errors.New("export queue full")

const defaultQueueSize = 32

// Worker renders batch reports asynchronously into a blob store.
type Worker struct {
	source  ReportSource
	store   blob.Store
	audit   AuditLogger
	logger  core.Logger
	metrics core.MetricsRecorder
	expiry  time.Duration
	now     func() time.Time

	queue chan string
	mu    sync.RWMutex
	jobs  map[string]*Record

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises a Worker.
type Option func(*Worker)

// WithAudit sets the export audit sink.
func WithAudit(a AuditLogger) Option { return func(w *Worker) { w.audit = a } }

// WithLogger sets the worker logger.
func WithLogger(l core.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics reports each job under core.OpBatchReport.
func WithMetrics(m core.MetricsRecorder) Option { return func(w *Worker) { w.metrics = m } }

// WithQueueSize bounds the number of pending jobs.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan string, n)
		}
	}
}

// WithURLExpiry sets the lifetime of pre-signed download URLs.
func WithURLExpiry(d time.Duration) Option { return func(w *Worker) { w.expiry = d } }

// NewWorker constructs an export worker over source and store.
func NewWorker(source ReportSource, store blob.Store, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		source: source,
		store:  store,
		queue:  make(chan string, defaultQueueSize),
		jobs:   make(map[string]*Record),
		now:    func() time.Time { return time.Now().UTC() },
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = discardLogger{}
	}
	return w
}

// Start begins processing export requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for the in-flight job.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.queue:
			w.process(id)
		}
	}
}

// Enqueue schedules a report and returns the queued record.
func (w *Worker) Enqueue(ctx context.Context, input Input) (Record, error) {
	batchID := strings.TrimSpace(input.BatchID)
	if batchID == "" {
		return Record{}, domain.Invalid("batch_id", "required field(s) missing: batch_id")
	}
	formats := input.Formats
	if len(formats) == 0 {
		formats = []Format{FormatJSON, FormatCSV}
	}
	uniq := make([]Format, 0, len(formats))
	seen := make(map[Format]struct{}, len(formats))
	for _, f := range formats {
		f = Format(strings.ToLower(strings.TrimSpace(string(f))))
		if !f.valid() {
			return Record{}, domain.Invalid("formats", "unsupported format %q", f)
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		uniq = append(uniq, f)
	}

	now := w.now()
	record := Record{
		ID:          uuid.NewString(),
		BatchID:     batchID,
		Formats:     uniq,
		Status:      StatusQueued,
		RequestedBy: input.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	w.mu.Lock()
	w.jobs[record.ID] = &record
	snapshot := record.copy()
	w.mu.Unlock()
	w.record(ctx, snapshot, "")

	select {
	case w.queue <- record.ID:
	default:
		w.mu.Lock()
		delete(w.jobs, record.ID)
		w.mu.Unlock()
		return Record{}, ErrQueueFull
	}
	return snapshot, nil
}

// Get returns a snapshot of an export record.
func (w *Worker) Get(id string) (Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	return record.copy(), true
}

// Open streams one artifact of a completed export.
func (w *Worker) Open(ctx context.Context, id string, format Format) (blob.Info, io.ReadCloser, error) {
	record, ok := w.Get(id)
	if !ok {
		return blob.Info{}, nil, domain.ErrNotFound{Entity: domain.EntityExport, ID: id}
	}
	for _, a := range record.Artifacts {
		if a.Format == format {
			return w.store.Get(ctx, a.Key)
		}
	}
	return blob.Info{}, nil, domain.ErrNotFound{Entity: domain.EntityExport, ID: id + "/" + string(format)}
}

func artifactKey(batchID, id string, format Format) string {
	return fmt.Sprintf("reports/%s/%s.%s", batchID, id, format)
}

func (w *Worker) process(id string) {
	record, ok := w.Get(id)
	if !ok {
		return
	}
	start := w.now()
	w.setStatus(id, StatusRunning, "")

	rep, err := w.source.BatchReport(w.ctx, record.BatchID)
	if err != nil {
		w.fail(id, start, fmt.Sprintf("batch report failed: %v", err))
		return
	}

	artifacts := make([]Artifact, 0, len(record.Formats))
	for _, format := range record.Formats {
		payload, err := render(format, rep)
		if err != nil {
			w.fail(id, start, err.Error())
			return
		}
		key := artifactKey(record.BatchID, id, format)
		info, err := w.store.Put(w.ctx, key, bytes.NewReader(payload), blob.PutOptions{
			ContentType: format.contentType(),
			Metadata:    map[string]string{"export_id": id, "batch_id": record.BatchID, "format": string(format)},
		})
		if err != nil {
			w.fail(id, start, fmt.Sprintf("store artifact failed: %v", err))
			return
		}
		artifact := Artifact{
			Format:      format,
			Key:         key,
			ContentType: info.ContentType,
			SizeBytes:   info.Size,
			ETag:        info.ETag,
			CreatedAt:   info.LastModified,
		}
		if artifact.CreatedAt.IsZero() {
			artifact.CreatedAt = w.now()
		}
		url, err := w.store.PresignURL(w.ctx, key, blob.SignedURLOptions{Expiry: w.expiry})
		switch {
		case err == nil:
			artifact.URL = url
		case !errors.Is(err, blob.ErrUnsupported):
			w.logger.Warn("presign export artifact", "export_id", id, "key", key, "error", err)
		}
		artifacts = append(artifacts, artifact)
	}
	w.complete(id, start, len(rep.Packets), artifacts)
}

func (w *Worker) setStatus(id string, status Status, note string) {
	w.update(id, func(r *Record) {
		r.Status = status
		r.Error = note
	})
}

func (w *Worker) complete(id string, start time.Time, packets int, artifacts []Artifact) {
	snapshot, ok := w.update(id, func(r *Record) {
		r.Status = StatusSucceeded
		r.Error = ""
		r.Packets = packets
		r.Artifacts = artifacts
		w.observe(true, w.now().Sub(start))
	})
	if ok {
		w.logger.Info("export completed", "export_id", id, "batch_id", snapshot.BatchID, "packets", packets, "artifacts", len(artifacts))
	}
}

func (w *Worker) fail(id string, start time.Time, reason string) {
	snapshot, ok := w.update(id, func(r *Record) {
		r.Status = StatusFailed
		r.Error = reason
		w.observe(false, w.now().Sub(start))
	})
	if ok {
		w.logger.Warn("export failed", "export_id", id, "batch_id", snapshot.BatchID, "error", reason)
	}
}

// update applies fn and audits the result before readers can observe it.
func (w *Worker) update(id string, fn func(*Record)) (Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	record, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	fn(record)
	record.UpdatedAt = w.now()
	if record.Status.Terminal() {
		done := record.UpdatedAt
		record.CompletedAt = &done
	}
	snapshot := record.copy()
	w.record(w.ctx, snapshot, snapshot.Error)
	return snapshot, true
}

func (w *Worker) observe(success bool, d time.Duration) {
	if w.metrics != nil {
		w.metrics.Observe(w.ctx, core.OpBatchReport, success, d)
	}
}

func (w *Worker) record(ctx context.Context, r Record, note string) {
	if w.audit == nil {
		return
	}
	w.audit.Record(ctx, AuditEntry{
		ExportID:   r.ID,
		BatchID:    r.BatchID,
		Actor:      r.RequestedBy,
		Status:     r.Status,
		Note:       note,
		OccurredAt: r.UpdatedAt,
	})
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}
