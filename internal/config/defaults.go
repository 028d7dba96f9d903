package config

import "time"

// Default returns the engine defaults. The tree thresholds follow the sizing
// that write-optimized trees typically use: large nodes, large buffers.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			TablePath:    "/var/lib/haura/table.db",
			Failover:     true,
			WriteRetries: 3,
		},
		Tree: TreeConfig{
			FlushThreshold: ByteSize(256 * 1024),      // 256KB
			SplitThreshold: ByteSize(4 * 1024 * 1024), // 4MB
			MergeThreshold: ByteSize(1024 * 1024),     // 1MB
			MaxMessageSize: ByteSize(512 * 1024),      // 512KB
			FlushPolicy:    "largest",
			MinFanout:      4,
		},
		Cache: CacheConfig{
			MaxBytes: ByteSize(256 * 1024 * 1024), // 256MB
		},
		Maintenance: MaintenanceConfig{
			Workers:      2,
			EvalInterval: Duration(30 * time.Second),
			ColdAfter:    Duration(10 * time.Minute),
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: false,
				Listen:  ":9090",
				Path:    "/metrics",
			},
		},
	}
}
