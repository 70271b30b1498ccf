// Package cache keeps system-of-record lookups in memory for a short time so
// reseeding many coordinators does not hit the records database every time.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jordanhubbard/orgcoord/internal/records"
	"github.com/jordanhubbard/orgcoord/pkg/models"
)

// Entry represents a cached entity
type Entry struct {
	Entity    models.Entity `json:"entity"`
	CachedAt  time.Time     `json:"cached_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Config defines cache configuration
type Config struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxSize       int           `yaml:"max_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
}

// DefaultConfig returns sensible defaults for caching
func DefaultConfig() Config {
	return Config{
		TTL:           5 * time.Minute,
		MaxSize:       10000,
		CleanupPeriod: time.Minute,
	}
}

// Stats tracks cache performance
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	TotalEntries int64   `json:"total_entries"`
	HitRate      float64 `json:"hit_rate"`
}

// Cache wraps a records.Source. Only successful lookups are cached; misses
// and errors always go to the source.
type Cache struct {
	source  records.Source
	config  Config
	entries map[string]*Entry
	mu      sync.Mutex
	stats   Stats
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

var (
	_ records.Source      = (*Cache)(nil)
	_ records.Invalidator = (*Cache)(nil)
)

// New creates a cache in front of source
func New(source records.Source, config Config) *Cache {
	defaults := DefaultConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.MaxSize <= 0 {
		config.MaxSize = defaults.MaxSize
	}

	c := &Cache{
		source:  source,
		config:  config,
		entries: make(map[string]*Entry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	if config.CleanupPeriod > 0 {
		go c.cleanupLoop()
	}
	return c
}

// Lookup returns the cached entity or reads it from the source
func (c *Cache) Lookup(ctx context.Context, entityID string) (*models.Entity, error) {
	if e, ok := c.get(entityID); ok {
		return &e, nil
	}

	entity, err := c.source.Lookup(ctx, entityID)
	if err != nil {
		return nil, err
	}
	c.set(entityID, *entity)
	return entity, nil
}

func (c *Cache) get(key string) (models.Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return models.Entity{}, false
	}
	if c.now().After(entry.ExpiresAt) {
		delete(c.entries, key)
		c.stats.Misses++
		return models.Entity{}, false
	}

	c.stats.Hits++
	return entry.Entity, true
}

func (c *Cache) set(key string, entity models.Entity) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.config.MaxSize {
		c.evictOldest()
	}
	c.entries[key] = &Entry{Entity: entity, CachedAt: now, ExpiresAt: now.Add(c.config.TTL)}
}

// Invalidate drops one entity so its next lookup reads the source
func (c *Cache) Invalidate(entityID string) {
	c.mu.Lock()
	delete(c.entries, entityID)
	c.mu.Unlock()
}

// GetStats returns current cache statistics
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.TotalEntries = int64(len(c.entries))
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Close stops the cleanup goroutine
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

// cleanupLoop periodically removes expired entries
func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.config.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stop:
			return
		}
	}
}

// cleanup removes expired entries
func (c *Cache) cleanup() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
		}
	}
}

// evictOldest removes the entry cached longest ago. Caller holds mu.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, entry := range c.entries {
		if first || entry.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CachedAt
			first = false
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}
