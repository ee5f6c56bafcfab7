// Package session coordinates change tracking for open documents.
//
// A Coordinator owns the resources shared by all documents: the worker
// pool, the event dispatcher, the snapshot store, metrics and tracing. Each
// open Document serializes its own mutations; documents never share locks.
//
// Every accepted mutation is appended to the document's change log before it
// becomes visible. Heartbeats and log size limits trigger snapshots that let
// the log be compacted. When the log or the snapshot store fails, the
// document keeps working in memory, reports itself degraded, and retries
// until a full snapshot succeeds.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"changetrack/internal/config"
	"changetrack/internal/event"
	"changetrack/internal/health"
	"changetrack/internal/ingest"
	"changetrack/internal/logging"
	"changetrack/internal/metrics"
	"changetrack/internal/security"
	"changetrack/internal/storage"
	"changetrack/internal/tracing"
	"changetrack/internal/worker"
)

// Options configures New. Everything but Config is optional.
type Options struct {
	Config *config.Config

	// Store overrides the snapshot store selected by the configuration. The
	// caller keeps ownership of a store passed here.
	Store storage.SnapshotStore

	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
	Events         *event.Dispatcher
	Scorer         *ingest.Scorer
}

// OpenOptions configures Coordinator.Open.
type OpenOptions struct {
	// DocumentLength bounds edit positions when non-zero.
	DocumentLength uint32
}

// Coordinator manages the open documents of a process.
type Coordinator struct {
	mu     sync.Mutex
	cfg    *config.Config
	docs   map[string]*Document // nil while opening
	closed bool

	env       *env
	store     storage.SnapshotStore
	ownsStore bool
	lock      *security.DirLock
	masterKey []byte
	logger    *slog.Logger
}

// New creates a coordinator. With persistence enabled and no Store given,
// the configured backend is opened under the persistence directory.
func New(opts Options) (*Coordinator, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()
	logger := logging.OrDiscard(opts.Logger).With("component", "session")

	key, err := MasterKey(cfg.Persistence)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:       cfg,
		docs:      make(map[string]*Document),
		masterKey: key,
		logger:    logger,
	}

	if cfg.Persistence.Enabled {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
		if c.lock, err = security.LockDir(cfg.Persistence.Dir); err != nil {
			return nil, fmt.Errorf("lock persistence directory: %w", err)
		}
		c.store = opts.Store
		if c.store == nil {
			sc := StorageConfig(cfg.Persistence)
			sc.Logger = logger
			if c.store, err = storage.Open(sc); err != nil {
				c.lock.Unlock()
				return nil, fmt.Errorf("open snapshot store: %w", err)
			}
			c.ownsStore = true
		}
	}

	events := opts.Events
	if events == nil {
		events = event.NewDispatcher(logger)
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = ingest.DefaultScorer()
	}
	c.env = &env{
		pool:    worker.NewPool(cfg.Session.Workers, logger),
		events:  events,
		metrics: opts.Metrics,
		tracer:  tracing.New(opts.TracerProvider),
		scorer:  scorer,
	}

	logger.Info("coordinator started",
		"persistence", cfg.Persistence.Enabled,
		"backend", cfg.Persistence.Backend,
		"workers", cfg.Session.Workers)
	return c, nil
}

// Open enables tracking for a document, recovering its persisted state.
func (c *Coordinator) Open(ctx context.Context, id string, opts OpenOptions) (doc *Document, err error) {
	if id == "" {
		return nil, errors.New("session: empty document id")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCoordinatorClosed
	}
	if _, ok := c.docs[id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, id)
	}
	c.docs[id] = nil
	cfg := c.cfg
	c.mu.Unlock()

	ctx, span := c.env.tracer.StartDocument(ctx, tracing.SpanOpen, id)
	defer func() {
		tracing.End(span, err)
		c.mu.Lock()
		if err != nil {
			delete(c.docs, id)
			c.mu.Unlock()
			return
		}
		if c.closed {
			delete(c.docs, id)
			c.mu.Unlock()
			doc.close(context.Background(), true)
			doc, err = nil, ErrCoordinatorClosed
			return
		}
		c.docs[id] = doc
		c.mu.Unlock()
		c.env.metrics.DocumentOpened()
	}()

	d, err := newDocument(id, c.env, cfg, c.logger)
	if err != nil {
		return nil, err
	}
	if c.store != nil {
		err := d.attach(ctx, persistOptions{
			store:        c.store,
			dir:          cfg.Persistence.Dir,
			masterKey:    c.masterKey,
			sync:         cfg.Persistence.Sync,
			keep:         cfg.Persistence.SnapshotsToKeep,
			retries:      cfg.Persistence.RetryAttempts,
			retryInitial: millis(cfg.Persistence.RetryInitialMs),
		})
		if err != nil {
			return nil, err
		}
	}
	d.start(HeartbeatConfig(cfg.Persistence))

	if opts.DocumentLength > 0 {
		if err := d.SetDocumentLength(ctx, opts.DocumentLength); err != nil {
			d.close(context.Background(), false)
			return nil, err
		}
	}
	return d, nil
}

// Get returns an open document.
func (c *Coordinator) Get(id string) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.docs[id]
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, id)
	}
	return d, nil
}

// Documents lists the ids of open documents.
func (c *Coordinator) Documents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.docs))
	for id, d := range c.docs {
		if d != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) open() []*Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Document, 0, len(c.docs))
	for _, d := range c.docs {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

// take removes an open document from the registry.
func (c *Coordinator) take(id string) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.docs[id]
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotOpen, id)
	}
	delete(c.docs, id)
	return d, nil
}

// Close ends the session of a document after a final snapshot.
func (c *Coordinator) Close(ctx context.Context, id string) (err error) {
	d, err := c.take(id)
	if err != nil {
		return err
	}
	ctx, span := c.env.tracer.StartDocument(ctx, tracing.SpanClose, id)
	defer func() { tracing.End(span, err) }()
	err = d.close(ctx, true)
	c.env.metrics.DocumentClosed(id)
	return err
}

// Disable stops tracking a document. Its snapshot history is archived and
// its change log removed. A document that is not open can be disabled too.
func (c *Coordinator) Disable(ctx context.Context, id string) error {
	d, err := c.take(id)
	open := err == nil
	var errs []error
	if open {
		if err := d.close(ctx, true); err != nil {
			errs = append(errs, err)
		}
		c.env.metrics.DocumentClosed(id)
	}
	if c.store == nil {
		if !open {
			return err
		}
		return errors.Join(errs...)
	}

	if err := c.store.Archive(ctx, id); err != nil {
		if !open && errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotOpen, id)
		}
		errs = append(errs, &PersistenceError{Op: "archive", DocumentID: id, Err: err})
	}
	c.mu.Lock()
	dir := c.cfg.Persistence.Dir
	c.mu.Unlock()
	if err := os.Remove(LogPath(dir, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, &PersistenceError{Op: "remove log", DocumentID: id, Err: err})
	}
	c.logger.Info("tracking disabled", "document_id", id)
	return errors.Join(errs...)
}

// UpdateConfig applies clustering, batch, memory and deadline settings to
// every open document. Persistence locations and the worker count keep
// their startup values.
func (c *Coordinator) UpdateConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.Clone()

	c.mu.Lock()
	cfg.Persistence.Enabled = c.cfg.Persistence.Enabled
	cfg.Persistence.Backend = c.cfg.Persistence.Backend
	cfg.Persistence.Dir = c.cfg.Persistence.Dir
	cfg.Persistence.HMACKeyHex = c.cfg.Persistence.HMACKeyHex
	cfg.Session.Workers = c.cfg.Session.Workers
	c.cfg = cfg
	c.mu.Unlock()

	var errs []error
	for _, d := range c.open() {
		if err := d.reconfigure(cfg); err != nil {
			errs = append(errs, fmt.Errorf("document %s: %w", d.id, err))
		}
	}
	c.logger.Info("configuration updated")
	return errors.Join(errs...)
}

// Watch applies every configuration the loader reloads.
func (c *Coordinator) Watch(l *config.Loader) {
	l.OnChange(func(_, cfg *config.Config) {
		if err := c.UpdateConfig(cfg); err != nil {
			c.logger.Error("applying reloaded configuration failed", "error", err)
		}
	})
}

// SnapshotAll commits a snapshot of every open document concurrently.
func (c *Coordinator) SnapshotAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range c.open() {
		g.Go(func() error {
			if _, err := d.Snapshot(ctx); err != nil && !errors.Is(err, ErrClosed) {
				return fmt.Errorf("document %s: %w", d.id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// DegradedDocuments lists open documents running without durable
// persistence.
func (c *Coordinator) DegradedDocuments() []string {
	var ids []string
	for _, d := range c.open() {
		if d.Degraded() {
			ids = append(ids, d.id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Events returns the dispatcher documents publish to.
func (c *Coordinator) Events() *event.Dispatcher { return c.env.events }

// RegisterHealth adds the coordinator's checks to h.
func (c *Coordinator) RegisterHealth(h *health.Checker) {
	h.Register(health.Component{
		Name:  "persistence",
		Check: health.PersistenceCheck(c),
	})
	if c.store != nil {
		h.Register(health.Component{
			Name:     "snapshot-store",
			Critical: true,
			Check: health.PingCheck("snapshot store", func(ctx context.Context) error {
				_, err := c.store.List(ctx)
				return err
			}),
		})
	}
	h.Register(health.Component{
		Name: "worker-pool",
		Check: health.ThresholdCheck("queued jobs", func() int64 {
			_, queued, _ := c.env.pool.Stats()
			return queued
		}, int64(c.env.pool.Size())*64),
	})
}

// Shutdown closes every open document, then the pool and the store.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoordinatorClosed
	}
	c.closed = true
	docs := make([]*Document, 0, len(c.docs))
	for id, d := range c.docs {
		if d != nil {
			docs = append(docs, d)
			delete(c.docs, id)
		}
	}
	c.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, d := range docs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.close(ctx, true)
			c.env.metrics.DocumentClosed(d.id)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("document %s: %w", d.id, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	c.env.pool.Close()
	if c.ownsStore {
		if err := c.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.lock != nil {
		if err := c.lock.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	security.Wipe(c.masterKey)
	c.logger.Info("coordinator stopped", "documents", len(docs))
	return errors.Join(errs...)
}
