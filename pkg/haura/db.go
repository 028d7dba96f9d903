package haura

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jwuensche/haura/internal/alloc"
	"github.com/jwuensche/haura/internal/cache"
	"github.com/jwuensche/haura/internal/config"
	"github.com/jwuensche/haura/internal/cow"
	"github.com/jwuensche/haura/internal/maint"
	"github.com/jwuensche/haura/internal/metrics"
	"github.com/jwuensche/haura/internal/tree"
)

// Preference is a per-write placement wish for the block the value ends up
// in. The engine treats it as a hint, not a guarantee.
type Preference = alloc.Preference

const (
	PrefNone = alloc.PrefNone
	PrefFast = alloc.PrefFast
	PrefSlow = alloc.PrefSlow
)

// Merger resolves upsert deltas; see tree.Merger. The default appends the
// delta to the prior value.
type Merger = tree.Merger

// Option configures Open.
type Option func(*options)

type options struct {
	logger *zap.Logger
	merger tree.Merger
}

// WithLogger attaches a logger; subsystems log under named children.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMerger installs a custom upsert merger. Must stay fixed for the
// lifetime of the data: deltas persisted in buffers are resolved with the
// merger active at read time.
func WithMerger(m Merger) Option {
	return func(o *options) { o.merger = m }
}

// WriteOption adjusts a single write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	pref Preference
}

// WithPreference requests tier placement for the written data.
func WithPreference(p Preference) WriteOption {
	return func(w *writeOptions) { w.pref = p }
}

// DB is an open store. All methods are safe for concurrent use.
type DB struct {
	cfg    *config.Config
	logger *zap.Logger

	alloc  *alloc.Allocator
	cache  *cache.Cache
	cow    *cow.Manager
	tree   *tree.Tree
	runner *maint.Runner

	cancel context.CancelFunc
	bg     *errgroup.Group
	closed atomic.Bool
}

// Open validates the configuration, recovers or initializes the pool, and
// starts the background maintenance.
func Open(cfg *config.Config, opts ...Option) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger

	a, sb, err := alloc.Open(cfg.Pool, logger.Named("pool"))
	if err != nil {
		return nil, fmt.Errorf("opening storage pool: %w", err)
	}
	c := cache.New(int64(cfg.Cache.MaxBytes), logger.Named("cache"))
	cw, err := cow.New(a, logger.Named("cow"))
	if err != nil {
		a.Close()
		return nil, err
	}
	tr, err := tree.Open(context.Background(), cfg.Tree, a, c, cw, o.merger,
		cfg.Pool.WriteRetries, logger.Named("tree"), sb)
	if err != nil {
		a.Close()
		return nil, err
	}

	db := &DB{
		cfg:    cfg,
		logger: logger,
		alloc:  a,
		cache:  c,
		cow:    cw,
		tree:   tr,
		runner: maint.New(cfg.Maintenance, tr, c, a, cw, logger.Named("maint")),
	}

	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel
	db.bg, ctx = errgroup.WithContext(ctx)
	db.bg.Go(func() error { return db.runner.Run(ctx) })
	if cfg.Observability.Metrics.Enabled {
		db.bg.Go(func() error { return metrics.RunServer(ctx, cfg.Observability.Metrics) })
	}

	logger.Info("store opened",
		zap.Int("devices", len(cfg.Pool.Devices)),
		zap.Uint64("committed_generation", a.CommittedGen()),
	)
	return db, nil
}

// Close drains the maintenance loops, persists everything outstanding and
// releases the devices. The store is unusable afterwards.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	db.cancel()
	if err := db.bg.Wait(); err != nil {
		db.logger.Warn("background shutdown", zap.Error(err))
	}
	if err := db.tree.Sync(context.Background()); err != nil {
		db.alloc.Close()
		return fmt.Errorf("final sync: %w", err)
	}
	return db.alloc.Close()
}

func (db *DB) observe(op string, start time.Time) {
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Get returns the value of key, or ErrKeyNotFound.
func (db *DB) Get(ctx context.Context, key []byte) ([]byte, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	defer db.observe("get", time.Now())
	metrics.Operations.WithLabelValues("get").Inc()
	return db.tree.Get(ctx, key)
}

// Insert sets key to value, replacing any existing value.
func (db *DB) Insert(ctx context.Context, key, value []byte, opts ...WriteOption) error {
	if db.closed.Load() {
		return ErrClosed
	}
	defer db.observe("insert", time.Now())
	var w writeOptions
	for _, opt := range opts {
		opt(&w)
	}
	return db.tree.Insert(ctx, key, value, w.pref)
}

// Upsert merges delta into the current value of key using the configured
// Merger. Missing keys are treated as empty.
func (db *DB) Upsert(ctx context.Context, key, delta []byte, opts ...WriteOption) error {
	if db.closed.Load() {
		return ErrClosed
	}
	defer db.observe("upsert", time.Now())
	var w writeOptions
	for _, opt := range opts {
		opt(&w)
	}
	return db.tree.Upsert(ctx, key, delta, w.pref)
}

// Delete removes key. Deleting an absent key is not an error.
func (db *DB) Delete(ctx context.Context, key []byte) error {
	if db.closed.Load() {
		return ErrClosed
	}
	defer db.observe("delete", time.Now())
	return db.tree.Delete(ctx, key)
}

// Sync blocks until every write issued before the call is durable.
func (db *DB) Sync(ctx context.Context) error {
	if db.closed.Load() {
		return ErrClosed
	}
	defer db.observe("sync", time.Now())
	return db.tree.Sync(ctx)
}

// Range iterates keys in [start, end) ascending. A nil end is unbounded.
func (db *DB) Range(start, end []byte) *Iterator {
	metrics.Operations.WithLabelValues("range").Inc()
	return &Iterator{db: db, inner: db.tree.NewRange(start, end)}
}

// Iterator walks a key range lazily. It observes writes buffered before each
// batch load; use a Snapshot for a frozen view.
type Iterator struct {
	db    *DB
	inner *tree.Iterator
}

// Next advances the iterator; false means end of range or error.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.db.closed.Load() {
		return false
	}
	return it.inner.Next(ctx)
}

// Seek restarts iteration at key.
func (it *Iterator) Seek(key []byte) { it.inner.Seek(key) }

// Key returns the current key, valid until the next call to Next.
func (it *Iterator) Key() []byte { return it.inner.Key() }

// Value returns the current value, valid until the next call to Next.
func (it *Iterator) Value() []byte { return it.inner.Value() }

// Err reports what stopped the iteration, if anything.
func (it *Iterator) Err() error {
	if it.db.closed.Load() && it.inner.Err() == nil {
		return ErrClosed
	}
	return it.inner.Err()
}
