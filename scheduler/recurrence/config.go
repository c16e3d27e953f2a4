package recurrence

import "time"

// EngineConfig holds configuration options for the recurrence engine
type EngineConfig struct {
	// Cache configuration
	CacheEnabled bool
	CacheConfig  CacheConfig

	// MaxPeriods caps the rule periods walked per expansion (0 = DefaultMaxPeriods).
	MaxPeriods int
}

func (c EngineConfig) maxPeriods() int {
	if c.MaxPeriods <= 0 {
		return DefaultMaxPeriods
	}
	return c.MaxPeriods
}

// DefaultEngineConfig provides sensible defaults for production use
var DefaultEngineConfig = EngineConfig{
	CacheEnabled: true,
	CacheConfig:  DefaultCacheConfig,
	MaxPeriods:   DefaultMaxPeriods,
}

// HighPerformanceConfig is optimized for many viewers re-materializing the same window
var HighPerformanceConfig = EngineConfig{
	CacheEnabled: true,
	CacheConfig: CacheConfig{
		TTL:             30 * time.Minute,
		MaxEntries:      5000,
		CleanupInterval: 10 * time.Minute,
	},
	MaxPeriods: DefaultMaxPeriods,
}

// LowMemoryConfig is optimized for memory-constrained environments
var LowMemoryConfig = EngineConfig{
	CacheEnabled: true,
	CacheConfig: CacheConfig{
		TTL:             5 * time.Minute,
		MaxEntries:      100,
		CleanupInterval: 2 * time.Minute,
	},
	MaxPeriods: 20000,
}

// DisabledCacheConfig turns off caching entirely
var DisabledCacheConfig = EngineConfig{
	CacheEnabled: false,
	MaxPeriods:   DefaultMaxPeriods,
}

// NewEngineWithConfig creates a new recurrence engine with custom configuration
func NewEngineWithConfig(config EngineConfig, opts ...Option) *Engine {
	var cache *RecurrenceCache
	if config.CacheEnabled {
		cache = NewRecurrenceCache(config.CacheConfig)
	}

	e := &Engine{
		cache:  cache,
		config: config,
		logger: discardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
