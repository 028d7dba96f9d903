package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes everything the engine needs at construction time: the
// storage pool layout, the tree thresholds, the cache budget and the
// background maintenance knobs.
type Config struct {
	Pool          PoolConfig          `yaml:"pool"`
	Tree          TreeConfig          `yaml:"tree"`
	Cache         CacheConfig         `yaml:"cache"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// PoolConfig is the storage pool descriptor: an ordered list of devices plus
// the path of the durable block table kept beside them.
type PoolConfig struct {
	Devices []DeviceConfig `yaml:"devices"`
	// TablePath is where the bbolt block table lives.
	TablePath string `yaml:"table_path"`
	// Failover allows writes destined for an unreachable tier to fall back
	// to another tier instead of failing.
	Failover bool `yaml:"failover"`
	// WriteRetries bounds retries of a failed device write before the
	// failover decision is made.
	WriteRetries int `yaml:"write_retries"`
}

type DeviceConfig struct {
	Path     string   `yaml:"path"`
	Tier     string   `yaml:"tier"` // "fast" or "slow"
	Capacity ByteSize `yaml:"capacity"`
}

type TreeConfig struct {
	// FlushThreshold is the buffer byte size above which a node's buffer is
	// flushed toward its children.
	FlushThreshold ByteSize `yaml:"flush_threshold"`
	// SplitThreshold is the maximum serialized node size before a split.
	SplitThreshold ByteSize `yaml:"split_threshold"`
	// MergeThreshold is the leaf size below which a merge with a sibling is
	// attempted.
	MergeThreshold ByteSize `yaml:"merge_threshold"`
	// MaxMessageSize bounds a single insert/upsert payload.
	MaxMessageSize ByteSize `yaml:"max_message_size"`
	// FlushPolicy selects the victim child of an over-full buffer:
	// "largest" (most pending bytes) or "oldest" (lowest pending sequence).
	FlushPolicy string `yaml:"flush_policy"`
	// MinFanout is the minimum number of children an internal node keeps.
	MinFanout int `yaml:"min_fanout"`
}

type CacheConfig struct {
	// MaxBytes is the in-memory node cache budget.
	MaxBytes ByteSize `yaml:"max_bytes"`
}

type MaintenanceConfig struct {
	// Workers is the number of background maintenance workers.
	Workers int `yaml:"workers"`
	// EvalInterval drives the migration and reclamation loops.
	EvalInterval Duration `yaml:"eval_interval"`
	// ColdAfter is the access-recency threshold after which a leaf block is
	// eligible for migration to a slower tier.
	ColdAfter Duration `yaml:"cold_after"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Pool.Devices) == 0 {
		return fmt.Errorf("pool: at least one device is required")
	}
	var fast int
	for i, d := range c.Pool.Devices {
		if d.Path == "" {
			return fmt.Errorf("pool.devices[%d].path is required", i)
		}
		switch d.Tier {
		case "fast":
			fast++
		case "slow":
		default:
			return fmt.Errorf("pool.devices[%d].tier must be \"fast\" or \"slow\", got %q", i, d.Tier)
		}
		if d.Capacity <= 0 {
			return fmt.Errorf("pool.devices[%d].capacity must be > 0", i)
		}
	}
	if fast == 0 {
		return fmt.Errorf("pool: at least one fast device is required (holds the superblock)")
	}
	if c.Pool.TablePath == "" {
		return fmt.Errorf("pool.table_path is required")
	}
	if c.Pool.WriteRetries < 0 {
		return fmt.Errorf("pool.write_retries must be >= 0")
	}

	if c.Tree.FlushThreshold <= 0 {
		return fmt.Errorf("tree.flush_threshold must be > 0")
	}
	if c.Tree.SplitThreshold <= 0 {
		return fmt.Errorf("tree.split_threshold must be > 0")
	}
	if c.Tree.MergeThreshold < 0 || c.Tree.MergeThreshold >= c.Tree.SplitThreshold {
		return fmt.Errorf("tree.merge_threshold must be in [0, split_threshold)")
	}
	if c.Tree.MaxMessageSize <= 0 || c.Tree.MaxMessageSize > c.Tree.SplitThreshold {
		return fmt.Errorf("tree.max_message_size must be in (0, split_threshold]")
	}
	switch c.Tree.FlushPolicy {
	case "largest", "oldest":
	default:
		return fmt.Errorf("tree.flush_policy must be \"largest\" or \"oldest\", got %q", c.Tree.FlushPolicy)
	}
	if c.Tree.MinFanout < 2 {
		return fmt.Errorf("tree.min_fanout must be >= 2")
	}

	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_bytes must be > 0")
	}
	if c.Maintenance.Workers <= 0 {
		return fmt.Errorf("maintenance.workers must be > 0")
	}
	if c.Maintenance.EvalInterval <= 0 {
		return fmt.Errorf("maintenance.eval_interval must be > 0")
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
