// Package export renders derived tables as JSON, CSV or XLSX artifacts and
// stores them in a blob store from a background queue.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"nanolab/internal/blob"
	"nanolab/pkg/datasetapi"
)

// Status describes the lifecycle stage of an export request.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Artifact is one stored rendering of a table.
type Artifact struct {
	ID          string            `json:"id"`
	Key         string            `json:"key"`
	Format      datasetapi.Format `json:"format"`
	ContentType string            `json:"content_type"`
	SizeBytes   int64             `json:"size_bytes"`
	URL         string            `json:"url,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Record tracks an export request and its artifacts.
type Record struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Rows        int                 `json:"rows"`
	Formats     []datasetapi.Format `json:"formats"`
	Status      Status              `json:"status"`
	Error       string              `json:"error,omitempty"`
	Artifacts   []Artifact          `json:"artifacts,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// Done reports whether the export reached a terminal status.
func (r Record) Done() bool { return r.Status == StatusSucceeded || r.Status == StatusFailed }

// Input is an enqueue request. Name is the table name, e.g. "CHIP1A/after_stress".
type Input struct {
	Name    string
	Table   datasetapi.Table
	Formats []datasetapi.Format
}

var (
	// ErrQueueFull is returned when the worker cannot accept more requests.
	ErrQueueFull = errors.New("export queue full")
	// ErrUnknownExport is returned by Wait for ids never enqueued.
	ErrUnknownExport = errors.New("export not found")
)

type job struct {
	record Record
	table  datasetapi.Table
	done   chan struct{}
}

// Worker executes exports asynchronously on a fixed pool of goroutines.
type Worker struct {
	store   blob.Store
	prefix  string
	logger  *slog.Logger
	workers int

	queue chan string
	mu    sync.RWMutex
	jobs  map[string]*job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithPrefix sets the key prefix artifacts are written under.
func WithPrefix(p string) Option { return func(w *Worker) { w.prefix = p } }

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithWorkers sets the number of concurrent renderers.
func WithWorkers(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.workers = n
		}
	}
}

// WithQueueSize bounds the number of pending requests.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan string, n)
		}
	}
}

// NewWorker constructs an export worker writing to store.
func NewWorker(store blob.Store, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		store:   store,
		prefix:  "exports",
		logger:  slog.Default(),
		workers: 1,
		queue:   make(chan string, 32),
		jobs:    make(map[string]*job),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins processing export requests.
func (w *Worker) Start() {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.loop()
	}
}

// Stop signals the worker to halt and waits for in-flight exports.
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

// Enqueue schedules an export and returns the queued record.
func (w *Worker) Enqueue(_ context.Context, in Input) (Record, error) {
	if in.Name == "" {
		return Record{}, fmt.Errorf("export name required")
	}
	formats := in.Formats
	if len(formats) == 0 {
		formats = []datasetapi.Format{datasetapi.FormatCSV}
	}
	uniq := make([]datasetapi.Format, 0, len(formats))
	seen := make(map[datasetapi.Format]struct{}, len(formats))
	for _, f := range formats {
		if _, err := ParseFormat(string(f)); err != nil {
			return Record{}, err
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		uniq = append(uniq, f)
	}

	now := time.Now().UTC()
	rec := Record{
		ID:        uuid.New().String(),
		Name:      in.Name,
		Rows:      in.Table.Len(),
		Formats:   uniq,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	w.mu.Lock()
	w.jobs[rec.ID] = &job{record: rec, table: in.Table.Clone(), done: make(chan struct{})}
	w.mu.Unlock()

	select {
	case w.queue <- rec.ID:
	default:
		w.fail(rec.ID, ErrQueueFull.Error())
		return Record{}, ErrQueueFull
	}
	w.logger.Debug("export queued", slog.String("id", rec.ID), slog.String("name", rec.Name))
	return rec.copy(), nil
}

// Get returns a snapshot of the export record.
func (w *Worker) Get(id string) (Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	j, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	return j.record.copy(), true
}

// Wait blocks until the export finishes or ctx ends.
func (w *Worker) Wait(ctx context.Context, id string) (Record, error) {
	w.mu.RLock()
	j, ok := w.jobs[id]
	w.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownExport, id)
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
	rec, _ := w.Get(id)
	if rec.Status == StatusFailed {
		return rec, fmt.Errorf("export %s (%s): %s", rec.Name, rec.ID, rec.Error)
	}
	return rec, nil
}

func (w *Worker) process(id string) {
	w.mu.Lock()
	j, ok := w.jobs[id]
	if ok {
		j.record.Status = StatusRunning
		j.record.UpdatedAt = time.Now().UTC()
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	formats := append([]datasetapi.Format(nil), j.record.Formats...)

	artifacts := make([]Artifact, 0, len(formats))
	for _, format := range formats {
		r, err := materialize(format, j.table)
		if err != nil {
			w.fail(id, err.Error())
			return
		}
		artifactID := uuid.New().String()
		key := path.Join(w.prefix, j.record.Name, artifactID+"."+r.Extension)
		info, err := w.store.Put(w.ctx, key, bytes.NewReader(r.Payload), blob.PutOptions{
			ContentType: r.ContentType,
			Metadata: map[string]string{
				"export-id": id,
				"table":     j.record.Name,
				"rows":      strconv.Itoa(j.record.Rows),
			},
		})
		if err != nil {
			w.fail(id, fmt.Sprintf("store artifact failed: %v", err))
			return
		}
		size := info.Size
		if size == 0 {
			size = int64(len(r.Payload))
		}
		url, err := w.store.PresignURL(w.ctx, key, blob.SignedURLOptions{Method: "GET"})
		if err != nil && !errors.Is(err, blob.ErrUnsupported) {
			w.logger.Warn("presign failed", slog.String("key", key), slog.Any("error", err))
		}
		artifacts = append(artifacts, Artifact{
			ID:          artifactID,
			Key:         key,
			Format:      format,
			ContentType: r.ContentType,
			SizeBytes:   size,
			URL:         url,
			CreatedAt:   time.Now().UTC(),
		})
	}
	w.complete(id, artifacts)
}

func (w *Worker) complete(id string, artifacts []Artifact) {
	now := time.Now().UTC()
	w.mu.Lock()
	j, ok := w.jobs[id]
	if ok {
		j.record.Status = StatusSucceeded
		j.record.Error = ""
		j.record.Artifacts = artifacts
		j.record.UpdatedAt = now
		j.record.CompletedAt = &now
		j.table = datasetapi.Table{}
		close(j.done)
	}
	w.mu.Unlock()
	w.logger.Info("export stored", slog.String("id", id), slog.Int("artifacts", len(artifacts)))
}

func (w *Worker) fail(id, reason string) {
	now := time.Now().UTC()
	w.mu.Lock()
	j, ok := w.jobs[id]
	if ok {
		j.record.Status = StatusFailed
		j.record.Error = reason
		j.record.UpdatedAt = now
		j.record.CompletedAt = &now
		j.table = datasetapi.Table{}
		close(j.done)
	}
	w.mu.Unlock()
	w.logger.Warn("export failed", slog.String("id", id), slog.String("error", reason))
}

func (r Record) copy() Record {
	dup := r
	dup.Formats = append([]datasetapi.Format(nil), r.Formats...)
	if len(r.Artifacts) > 0 {
		dup.Artifacts = append([]Artifact(nil), r.Artifacts...)
	}
	return dup
}
