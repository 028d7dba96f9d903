package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jwuensche/haura/internal/config"
)

var (
	// API metrics
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "haura_operations_total",
		Help: "Key-value operations by kind (get, range, insert, upsert, delete)",
	}, []string{"op"})

	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "haura_operation_latency_seconds",
		Help:    "Key-value operation latency",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"op"})

	// Tree metrics
	BufferFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haura_buffer_flushes_total",
		Help: "Buffer flushes from a node to a child",
	})

	FlushedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haura_flushed_messages_total",
		Help: "Messages moved downward by buffer flushes",
	})

	NodeSplits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "haura_node_splits_total",
		Help: "Node splits by node kind",
	}, []string{"kind"})

	NodeMerges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haura_node_merges_total",
		Help: "Leaf merges and redistributions",
	})

	TreeDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "haura_tree_depth",
		Help: "Current depth of the tree",
	})

	// Cache metrics
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haura_cache_hits_total",
		Help: "Node cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haura_cache_misses_total",
		Help: "Node cache misses (node loaded from storage)",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haura_cache_evictions_total",
		Help: "Clean nodes evicted from the cache",
	})

	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "haura_cache_bytes",
		Help: "Bytes currently held by the node cache",
	})

	// Allocator / tier metrics
	TierBlockCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "haura_tier_block_count",
		Help: "Number of live blocks per tier",
	}, []string{"tier"})

	TierBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "haura_tier_bytes",
		Help: "Live bytes per tier",
	}, []string{"tier"})

	AllocFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haura_alloc_failures_total",
		Help: "Allocations that failed because no device had capacity",
	})

	WriteRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haura_write_retries_total",
		Help: "Device write retries after transient IO errors",
	})

	WriteFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "haura_write_failovers_total",
		Help: "Writes that failed over to another tier",
	}, []string{"from_tier", "to_tier"})

	Migrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "haura_migrations_total",
		Help: "Cold block migrations between tiers",
	}, []string{"from_tier", "to_tier"})

	// Snapshot / reclamation metrics
	LiveSnapshots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "haura_live_snapshots",
		Help: "Snapshots currently pinning old generations",
	})

	ReclaimedBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haura_reclaimed_blocks_total",
		Help: "Superseded blocks reclaimed by the copy-on-write manager",
	})

	// Durability metrics
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "haura_sync_duration_seconds",
		Help:    "Time to write back all dirty nodes and commit the superblock",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	SyncedGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "haura_synced_generation",
		Help: "Generation of the last committed superblock",
	})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
