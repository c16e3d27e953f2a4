package recurrence

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fieldsvc/schedule/scheduler/series"
)

// CacheEntry represents a cached expansion
type CacheEntry struct {
	Result     []series.Occurrence
	ExpiresAt  time.Time
	AccessedAt time.Time
}

// RecurrenceCache caches expansion results keyed by series content and window.
type RecurrenceCache struct {
	entries         map[string]*CacheEntry
	mutex           sync.RWMutex
	ttl             time.Duration
	maxEntries      int
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

// CacheConfig holds configuration for the recurrence cache
type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl"`              // How long entries stay valid
	MaxEntries      int           `yaml:"max_entries"`      // Maximum number of entries before cleanup
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // How often to run cleanup
}

// DefaultCacheConfig provides sensible defaults for recurrence caching
var DefaultCacheConfig = CacheConfig{
	TTL:             15 * time.Minute,
	MaxEntries:      1000,
	CleanupInterval: 5 * time.Minute,
}

// NewRecurrenceCache creates a new recurrence cache with the given configuration
func NewRecurrenceCache(config CacheConfig) *RecurrenceCache {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCacheConfig.CleanupInterval
	}
	cache := &RecurrenceCache{
		entries:         make(map[string]*CacheEntry),
		ttl:             config.TTL,
		maxEntries:      config.MaxEntries,
		cleanupInterval: config.CleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go cache.cleanupLoop()

	return cache
}

// generateCacheKey hashes everything an expansion depends on. The full series
// record is included so that any edit, even one that keeps UpdatedAt, misses.
func (c *RecurrenceCache) generateCacheKey(s *series.Series, w Window) string {
	hasher := sha256.New()

	raw, err := json.Marshal(s)
	if err != nil {
		// Unreachable for well-formed series; fall back to identity fields.
		raw = []byte(s.ID + s.UpdatedAt.Format(time.RFC3339Nano))
	}
	hasher.Write(raw)
	hasher.Write([]byte(w.From.Format(time.RFC3339Nano)))
	hasher.Write([]byte(w.To.Format(time.RFC3339Nano)))

	return fmt.Sprintf("%x", hasher.Sum(nil))
}

// Get retrieves a cached expansion if it exists and hasn't expired.
// The returned slice is a copy the caller may modify.
func (c *RecurrenceCache) Get(s *series.Series, w Window) ([]series.Occurrence, bool) {
	key := c.generateCacheKey(s, w)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return nil, false
	}

	now := time.Now()
	if now.After(entry.ExpiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	entry.AccessedAt = now

	return cloneOccurrences(entry.Result), true
}

// Set stores an expansion in the cache
func (c *RecurrenceCache) Set(s *series.Series, w Window, result []series.Occurrence) {
	key := c.generateCacheKey(s, w)
	now := time.Now()

	entry := &CacheEntry{
		Result:     cloneOccurrences(result),
		ExpiresAt:  now.Add(c.ttl),
		AccessedAt: now,
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries[key] = entry

	if len(c.entries) > c.maxEntries {
		c.cleanup()
	}
}

// cleanup removes expired entries and the least recently used ones if over limit.
// Callers must hold the write lock.
func (c *RecurrenceCache) cleanup() {
	now := time.Now()

	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
		}
	}

	if len(c.entries) <= c.maxEntries {
		return
	}

	type keyAccess struct {
		key        string
		accessedAt time.Time
	}
	list := make([]keyAccess, 0, len(c.entries))
	for key, entry := range c.entries {
		list = append(list, keyAccess{key: key, accessedAt: entry.AccessedAt})
	}
	slices.SortFunc(list, func(a, b keyAccess) int {
		return a.accessedAt.Compare(b.accessedAt)
	})

	excess := len(c.entries) - c.maxEntries
	for i := 0; i < excess; i++ {
		delete(c.entries, list[i].key)
	}
}

// cleanupLoop runs periodic cleanup
func (c *RecurrenceCache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mutex.Lock()
			c.cleanup()
			c.mutex.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine and clears the cache
func (c *RecurrenceCache) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
	})
	c.mutex.Lock()
	c.entries = make(map[string]*CacheEntry)
	c.mutex.Unlock()
}

// Stats returns cache statistics
func (c *RecurrenceCache) Stats() CacheStats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entryCount := len(c.entries)
	expiredCount := 0
	now := time.Now()

	for _, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			expiredCount++
		}
	}

	return CacheStats{
		TotalEntries:   entryCount,
		ExpiredEntries: expiredCount,
		ActiveEntries:  entryCount - expiredCount,
	}
}

// CacheStats provides information about cache performance
type CacheStats struct {
	TotalEntries   int
	ExpiredEntries int
	ActiveEntries  int
}

func cloneOccurrences(in []series.Occurrence) []series.Occurrence {
	if in == nil {
		return nil
	}
	out := make([]series.Occurrence, len(in))
	for i, o := range in {
		o.Payload = o.Payload.Clone()
		out[i] = o
	}
	return out
}
