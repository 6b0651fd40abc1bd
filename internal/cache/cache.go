package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"marketsync/internal/logging"
	"marketsync/internal/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Options configure a Cache. Zero values fall back to defaults.
type Options struct {
	MaxEntries    int
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

type entry struct {
	key         string
	value       interface{}
	createdAt   time.Time
	ttl         time.Duration
	accessCount int64
	lastAccess  time.Time
	elem        *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) >= e.ttl
}

// Stats summarises cache activity since construction.
type Stats struct {
	Size      int
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
}

// Cache is a TTL cache with least-recently-used eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front is most recently used
	opts    Options
	stats   Stats
	group   singleflight.Group
	now     func() time.Time
	logger  zerolog.Logger

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a cache and starts its background sweep.
func New(opts Options, logger *zerolog.Logger) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}

	c := &Cache{
		entries:  make(map[string]*entry),
		lru:      list.New(),
		opts:     opts,
		now:      time.Now,
		logger:   logging.Component(logger, "cache"),
		stopChan: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.sweepLoop()

	return c
}

// Key derives a deterministic key from platform, operation and parameters.
// Map parameters are serialized with sorted keys.
func Key(platform, operation string, params interface{}) string {
	if params == nil {
		return platform + ":" + operation
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%s:%s:%v", platform, operation, params)
	}
	return platform + ":" + operation + ":" + string(raw)
}

func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key string) (interface{}, bool) {
	now := c.now()
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		metrics.IncCache("miss")
		return nil, false
	}
	if e.expired(now) {
		c.removeLocked(e)
		c.stats.Expired++
		c.stats.Misses++
		metrics.IncCache("miss")
		return nil, false
	}

	e.accessCount++
	e.lastAccess = now
	c.lru.MoveToFront(e.elem)
	c.stats.Hits++
	metrics.IncCache("hit")
	return e.value, true
}

// Set stores value under key. A non-positive ttl uses the default TTL.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.createdAt = now
		e.ttl = ttl
		e.lastAccess = now
		c.lru.MoveToFront(e.elem)
		return
	}

	for len(c.entries) >= c.opts.MaxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*entry))
		c.stats.Evictions++
		metrics.IncCache("eviction")
	}

	e := &entry{key: key, value: value, createdAt: now, ttl: ttl, lastAccess: now}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
}

// GetOrSet returns the cached value or loads it with factory. Concurrent loads of
// the same key share one factory call, which runs detached from any single
// caller's cancellation. Each caller stops waiting when its own ctx ends.
// Factory errors are not cached.
func (c *Cache) GetOrSet(ctx context.Context, key string, factory func(ctx context.Context) (interface{}, error), ttl time.Duration) (interface{}, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		c.mu.Lock()
		if v, ok := c.entries[key]; ok && !v.expired(c.now()) {
			c.mu.Unlock()
			return v.value, nil
		}
		c.mu.Unlock()

		v, err := factory(loadCtx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok {
		c.removeLocked(e)
	}
	return ok
}

// InvalidatePattern removes every key matching re and returns how many were removed.
func (c *Cache) InvalidatePattern(re *regexp.Regexp) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if re.MatchString(key) {
			c.removeLocked(e)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug().Str("pattern", re.String()).Int("removed", removed).Msg("cache invalidated")
	}
	return removed
}

// InvalidatePlatform removes every key produced by Key for the platform.
func (c *Cache) InvalidatePlatform(platform string) int {
	return c.InvalidatePattern(regexp.MustCompile("^" + regexp.QuoteMeta(platform) + ":"))
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Size = len(c.entries)
	return s
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopChan)
		c.wg.Wait()
	})
	return nil
}

func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(e)
			removed++
		}
	}
	c.stats.Expired += int64(removed)
	return removed
}
