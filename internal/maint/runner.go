// Package maint runs the engine's background work: flush/rebalance requests
// the write path could not finish in place, write-back of dirty nodes under
// cache pressure, cold-data migration to the slow tier, and reclamation of
// superseded blocks.
package maint

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jwuensche/haura/internal/alloc"
	"github.com/jwuensche/haura/internal/cache"
	"github.com/jwuensche/haura/internal/config"
	"github.com/jwuensche/haura/internal/cow"
	"github.com/jwuensche/haura/internal/tree"
)

// Runner supervises the maintenance goroutines. Each concern has its own
// queue or ticker; completion and shutdown flow through the shared context.
type Runner struct {
	cfg    config.MaintenanceConfig
	tree   *tree.Tree
	cache  *cache.Cache
	alloc  *alloc.Allocator
	cow    *cow.Manager
	logger *zap.Logger
}

func New(cfg config.MaintenanceConfig, t *tree.Tree, c *cache.Cache, a *alloc.Allocator, cw *cow.Manager, logger *zap.Logger) *Runner {
	return &Runner{cfg: cfg, tree: t, cache: c, alloc: a, cow: cw, logger: logger}
}

// Run blocks until the context is cancelled, supervising all loops. A
// non-context error from any loop tears the group down.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error { return r.worker(ctx) })
	}
	g.Go(func() error { return r.migrationLoop(ctx) })
	g.Go(func() error { return r.cow.Run(ctx, r.cfg.EvalInterval.Duration()) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	return err
}

// worker drains the rebalance queue and answers cache pressure with
// write-back so clean nodes become evictable again.
func (r *Runner) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case key := <-r.tree.RebalanceQueue():
			if err := r.tree.RebalanceAt(ctx, key); err != nil && ctx.Err() == nil {
				r.logger.Error("rebalance failed", zap.Binary("key", key), zap.Error(err))
			}
		case <-r.cache.Pressure():
			if err := r.tree.WriteBackDirtyLeaves(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("pressure write-back failed", zap.Error(err))
			}
		}
	}
}

// migrationLoop periodically demotes cold leaf blocks to the slow tier.
func (r *Runner) migrationLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.EvalInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-r.cfg.ColdAfter.Duration())
			for _, e := range r.alloc.ColdCandidates(cutoff) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := r.alloc.Migrate(ctx, e, alloc.TierSlow); err != nil {
					r.logger.Warn("migration failed",
						zap.Uint64("block", uint64(e.Block)),
						zap.Error(err),
					)
				}
			}
		}
	}
}
