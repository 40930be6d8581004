package realtime

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/novelytical/realtime/internal/batch"
)

// BatchConfig controls update coalescing behavior.
type BatchConfig struct {
	// SizeLimit is the per-group item bound; a group reaching it flushes
	// immediately, including the item that hit the bound.
	SizeLimit int `yaml:"sizeLimit"`

	// MaxPendingItems is the pool-wide pending item bound. While at or above
	// it, every new batched item forces an early flush of its source instead
	// of growing the backlog.
	MaxPendingItems int `yaml:"maxPendingItems"`

	// FlushThrottle is the minimum interval between flushes of one source.
	//
	// Each new item resets its source's debounce countdown, so a sustained
	// item stream could otherwise postpone flushing indefinitely. The
	// throttle floor caps that: debounce expiries arriving earlier than
	// FlushThrottle after the previous flush are deferred to the throttle
	// boundary. Zero disables the floor (pure debounce).
	//
	// Default: 1 second
	FlushThrottle time.Duration `yaml:"flushThrottle"`

	// RetryBase is the unit of exponential retry backoff for failed batch
	// deliveries: a group that has failed n times is retried after
	// RetryBase * 2^n, capped at RetryCap.
	RetryBase time.Duration `yaml:"retryBase"`

	// RetryCap bounds the retry backoff.
	RetryCap time.Duration `yaml:"retryCap"`

	// GroupRetention is how long a delivered group is retained before
	// removal, allowing late duplicate suppression.
	// Default: 1 second.
	GroupRetention time.Duration `yaml:"groupRetention"`

	// StaleGroupAge is the age past which the sweeper reclaims retained
	// groups regardless of state.
	// Default: 10 minutes.
	StaleGroupAge time.Duration `yaml:"staleGroupAge"`

	// SweepInterval is how often the stale-group sweeper runs.
	// Default: 1 minute.
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// BreakerConfig controls the per-source failure isolator.
type BreakerConfig struct {
	// ErrorThreshold is the consecutive-failure count that opens a source's
	// circuit.
	// Default: 5.
	ErrorThreshold int `yaml:"errorThreshold"`

	// Cooldown is how long an open circuit suppresses its source before
	// closing automatically.
	// Default: 60 seconds.
	Cooldown time.Duration `yaml:"cooldown"`
}

// Config is the configuration for the Pool.
//
// All duration fields accept standard Go duration strings like "100ms", "5m"
// when parsed from YAML.
type Config struct {
	// DefaultDebounce is the quiet period applied to batched subscriptions
	// that do not specify their own.
	// Default: 100 milliseconds.
	DefaultDebounce time.Duration `yaml:"defaultDebounce"`

	// DefaultMaxRetries bounds batch delivery retries for subscriptions that
	// do not specify their own.
	// Default: 3.
	DefaultMaxRetries int `yaml:"defaultMaxRetries"`

	// DefaultCleanupTimeout is the idle timeout after which a subscription
	// that was never renewed or removed is force-unsubscribed.
	// Default: 5 minutes.
	DefaultCleanupTimeout time.Duration `yaml:"defaultCleanupTimeout"`

	// OpenTimeout bounds opening one underlying stream connection.
	// Default: 10 seconds.
	OpenTimeout time.Duration `yaml:"openTimeout"`

	// Batch controls update coalescing.
	Batch BatchConfig `yaml:"batch"`

	// Breaker controls per-source failure isolation.
	Breaker BreakerConfig `yaml:"breaker"`
}

// DefaultConfig returns a Config with sensible defaults.
//
// Returns:
//   - Config: Configuration with default values
func DefaultConfig() Config {
	return Config{
		DefaultDebounce:       100 * time.Millisecond,
		DefaultMaxRetries:     3,
		DefaultCleanupTimeout: 5 * time.Minute,
		OpenTimeout:           10 * time.Second,
		Batch: BatchConfig{
			SizeLimit:       batch.DefaultSizeLimit,
			MaxPendingItems: batch.DefaultMaxPendingItems,
			FlushThrottle:   batch.DefaultFlushThrottle,
			RetryBase:       batch.DefaultRetryBase,
			RetryCap:        batch.DefaultRetryCap,
			GroupRetention:  batch.DefaultGroupRetention,
			StaleGroupAge:   batch.DefaultStaleGroupAge,
			SweepInterval:   batch.DefaultSweepInterval,
		},
		Breaker: BreakerConfig{
			ErrorThreshold: 5,
			Cooldown:       60 * time.Second,
		},
	}
}

// SetDefaults fills in missing configuration values with production defaults.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.DefaultDebounce == 0 {
		cfg.DefaultDebounce = defaults.DefaultDebounce
	}
	if cfg.DefaultMaxRetries == 0 {
		cfg.DefaultMaxRetries = defaults.DefaultMaxRetries
	}
	if cfg.DefaultCleanupTimeout == 0 {
		cfg.DefaultCleanupTimeout = defaults.DefaultCleanupTimeout
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = defaults.OpenTimeout
	}
	if cfg.Batch.SizeLimit == 0 {
		cfg.Batch.SizeLimit = defaults.Batch.SizeLimit
	}
	if cfg.Batch.MaxPendingItems == 0 {
		cfg.Batch.MaxPendingItems = defaults.Batch.MaxPendingItems
	}
	// Note: FlushThrottle of 0 is valid (pure debounce), no default applied
	if cfg.Batch.RetryBase == 0 {
		cfg.Batch.RetryBase = defaults.Batch.RetryBase
	}
	if cfg.Batch.RetryCap == 0 {
		cfg.Batch.RetryCap = defaults.Batch.RetryCap
	}
	if cfg.Batch.GroupRetention == 0 {
		cfg.Batch.GroupRetention = defaults.Batch.GroupRetention
	}
	if cfg.Batch.StaleGroupAge == 0 {
		cfg.Batch.StaleGroupAge = defaults.Batch.StaleGroupAge
	}
	if cfg.Batch.SweepInterval == 0 {
		cfg.Batch.SweepInterval = defaults.Batch.SweepInterval
	}
	if cfg.Breaker.ErrorThreshold == 0 {
		cfg.Breaker.ErrorThreshold = defaults.Breaker.ErrorThreshold
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = defaults.Breaker.Cooldown
	}
}

// Validate checks configuration constraints and returns an error for invalid values.
//
// Hard Validation Rules:
//   - DefaultDebounce >= 0
//   - DefaultMaxRetries >= 0
//   - DefaultCleanupTimeout > 0 (safety net must eventually fire)
//   - Batch.SizeLimit >= 1
//   - Batch.RetryBase > 0 and Batch.RetryCap >= Batch.RetryBase
//   - Batch.StaleGroupAge >= Batch.GroupRetention (sweeper must not race removal)
//   - Breaker.ErrorThreshold >= 1
//   - Breaker.Cooldown > 0
//
// Returns:
//   - error: Validation error with clear explanation, nil if valid
func (cfg *Config) Validate() error {
	if cfg.DefaultDebounce < 0 {
		return fmt.Errorf("DefaultDebounce must be >= 0, got %v", cfg.DefaultDebounce)
	}
	if cfg.DefaultMaxRetries < 0 {
		return fmt.Errorf("DefaultMaxRetries must be >= 0, got %d", cfg.DefaultMaxRetries)
	}
	if cfg.DefaultCleanupTimeout <= 0 {
		return fmt.Errorf("DefaultCleanupTimeout must be > 0, got %v", cfg.DefaultCleanupTimeout)
	}
	if cfg.Batch.SizeLimit < 1 {
		return fmt.Errorf("Batch.SizeLimit must be >= 1, got %d", cfg.Batch.SizeLimit)
	}
	if cfg.Batch.FlushThrottle < 0 {
		return fmt.Errorf("Batch.FlushThrottle must be >= 0, got %v", cfg.Batch.FlushThrottle)
	}
	if cfg.Batch.RetryBase <= 0 {
		return fmt.Errorf("Batch.RetryBase must be > 0, got %v", cfg.Batch.RetryBase)
	}
	if cfg.Batch.RetryCap < cfg.Batch.RetryBase {
		return fmt.Errorf(
			"Batch.RetryCap (%v) must be >= Batch.RetryBase (%v)",
			cfg.Batch.RetryCap, cfg.Batch.RetryBase,
		)
	}
	if cfg.Batch.StaleGroupAge < cfg.Batch.GroupRetention {
		return fmt.Errorf(
			"Batch.StaleGroupAge (%v) must be >= Batch.GroupRetention (%v)",
			cfg.Batch.StaleGroupAge, cfg.Batch.GroupRetention,
		)
	}
	if cfg.Breaker.ErrorThreshold < 1 {
		return fmt.Errorf("Breaker.ErrorThreshold must be >= 1, got %d", cfg.Breaker.ErrorThreshold)
	}
	if cfg.Breaker.Cooldown <= 0 {
		return fmt.Errorf("Breaker.Cooldown must be > 0, got %v", cfg.Breaker.Cooldown)
	}

	return nil
}

// ParseConfig parses a YAML document into a Config, applies defaults for
// omitted fields, and validates the result.
//
// Parameters:
//   - data: YAML document bytes
//
// Returns:
//   - Config: Parsed and validated configuration
//   - error: Parse or validation error
//
// Example:
//
//	data, _ := os.ReadFile("realtime.yaml")
//	cfg, err := realtime.ParseConfig(data)
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	SetDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return cfg, nil
}
