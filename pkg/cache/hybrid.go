package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/ecologicaleaving/startapp-sub002/errors"
)

type hybridEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

type evicted[V any] struct {
	key   string
	value V
}

// hybridCache evicts the least recently used entry above maxSize and drops
// entries older than ttl, lazily on Get and periodically in the background.
type hybridCache[V any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element
	order   *list.List // front is most recently used
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
	now     func() time.Time

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a size and age bounded cache. When cfg.CleanupInterval is zero no
// background sweep runs and expired entries are only dropped on access.
func New[V any](cfg Config, options ...Option[V]) (Cache[V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "New", "metrics registration")
		}
	}

	c := &hybridCache[V]{
		maxSize:  cfg.MaxSize,
		ttl:      cfg.TTL,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		stats:    NewStatistics(),
		metrics:  metrics,
		evictFn:  opts.evictCallback,
		now:      opts.now,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		go c.sweepLoop(cfg.CleanupInterval)
	} else {
		close(c.done)
	}
	return c, nil
}

func (c *hybridCache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		c.stats.miss()
		c.metrics.record("miss", 1)
		return zero, false
	}

	entry := element.Value.(*hybridEntry[V])
	if !c.now().Before(entry.expiresAt) {
		c.unlink(element)
		size := len(c.items)
		c.mu.Unlock()

		c.stats.miss()
		c.stats.evict(1)
		c.stats.updateSize(size)
		c.metrics.record("miss", 1)
		c.metrics.record("eviction", 1)
		c.metrics.updateSize(size)
		c.notify([]evicted[V]{{entry.key, entry.value}})
		return zero, false
	}

	c.order.MoveToFront(element)
	value := entry.value
	c.mu.Unlock()

	c.stats.hit()
	c.metrics.record("hit", 1)
	return value, true
}

func (c *hybridCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	expiresAt := c.now().Add(c.ttl)

	if element, exists := c.items[key]; exists {
		entry := element.Value.(*hybridEntry[V])
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(element)
		c.mu.Unlock()

		c.stats.set()
		c.metrics.record("set", 1)
		return false, nil
	}

	c.items[key] = c.order.PushFront(&hybridEntry[V]{key: key, value: value, expiresAt: expiresAt})

	var out []evicted[V]
	for len(c.items) > c.maxSize {
		back := c.order.Back()
		entry := back.Value.(*hybridEntry[V])
		c.unlink(back)
		out = append(out, evicted[V]{entry.key, entry.value})
	}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.set()
	c.stats.evict(len(out))
	c.stats.updateSize(size)
	c.metrics.record("set", 1)
	c.metrics.record("eviction", len(out))
	c.metrics.updateSize(size)
	c.notify(out)
	return true, nil
}

func (c *hybridCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return false, nil
	}
	c.unlink(element)
	size := len(c.items)
	c.mu.Unlock()

	c.stats.delete()
	c.stats.updateSize(size)
	c.metrics.record("delete", 1)
	c.metrics.updateSize(size)
	return true, nil
}

func (c *hybridCache[V]) Clear() error {
	c.mu.Lock()
	var out []evicted[V]
	if c.evictFn != nil {
		for element := c.order.Back(); element != nil; element = element.Prev() {
			entry := element.Value.(*hybridEntry[V])
			out = append(out, evicted[V]{entry.key, entry.value})
		}
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()

	c.stats.updateSize(0)
	c.metrics.updateSize(0)
	c.notify(out)
	return nil
}

func (c *hybridCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *hybridCache[V]) Keys() []string {
	keys := make([]string, 0)
	c.Range(func(key string, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

func (c *hybridCache[V]) Range(fn func(key string, value V) bool) {
	c.mu.Lock()
	now := c.now()
	live := make([]evicted[V], 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		entry := element.Value.(*hybridEntry[V])
		if now.Before(entry.expiresAt) {
			live = append(live, evicted[V]{entry.key, entry.value})
		}
	}
	c.mu.Unlock()

	for _, e := range live {
		if !fn(e.key, e.value) {
			return
		}
	}
}

func (c *hybridCache[V]) Stats() *Statistics {
	return c.stats
}

func (c *hybridCache[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cache sweep to finish")
	}
}

// unlink must be called with mu held.
func (c *hybridCache[V]) unlink(element *list.Element) {
	entry := element.Value.(*hybridEntry[V])
	delete(c.items, entry.key)
	c.order.Remove(element)
}

func (c *hybridCache[V]) notify(out []evicted[V]) {
	if c.evictFn == nil {
		return
	}
	for _, e := range out {
		c.evictFn(e.key, e.value)
	}
}

func (c *hybridCache[V]) sweepLoop(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *hybridCache[V]) sweep() {
	c.mu.Lock()
	now := c.now()
	var out []evicted[V]
	for element := c.order.Front(); element != nil; {
		next := element.Next()
		entry := element.Value.(*hybridEntry[V])
		if !now.Before(entry.expiresAt) {
			c.unlink(element)
			out = append(out, evicted[V]{entry.key, entry.value})
		}
		element = next
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(out) == 0 {
		return
	}
	c.stats.evict(len(out))
	c.stats.updateSize(size)
	c.metrics.record("eviction", len(out))
	c.metrics.updateSize(size)
	c.notify(out)
}
