// Package templatecache keeps template bytes in memory so jobs don't
// re-download the same template from the platform over and over.
//
// Template identifiers reference immutable content (a changed template gets
// a new identifier), so entries have no TTL and are never invalidated; they
// are only inserted, or evicted when the total size exceeds the byte
// budget, least recently used first.
package templatecache

import (
	"container/list"
	"context"
	"sync"
	"time"

	godebug "github.com/Shyp/go-debug"
	metrics "github.com/Shyp/go-simple-metrics"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var debug = godebug.Debug("docforge:templatecache")

// A Fetcher retrieves template bytes on a cache miss.
// platform.TemplateService satisfies it.
type Fetcher interface {
	Content(ctx context.Context, templateID string) ([]byte, error)
}

type entry struct {
	key          string
	bytes        []byte
	lastAccessed time.Time
}

// Cache is a process-wide, size-bounded LRU of immutable template buffers.
// Safe for concurrent use; concurrent misses on the same key share one
// platform fetch.
type Cache struct {
	maxBytes int64
	fetcher  Fetcher
	logger   *zap.Logger

	mu         sync.Mutex
	ll         *list.List // front is most recently used
	entries    map[string]*list.Element
	totalBytes int64

	group singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a Cache with the given byte budget.
func New(maxBytes int64, fetcher Fetcher, logger *zap.Logger) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		fetcher:  fetcher,
		logger:   logger,
		ll:       list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the template's bytes, fetching them from the platform on a
// miss. Callers must not mutate the returned slice.
func (c *Cache) Get(ctx context.Context, templateID string) ([]byte, error) {
	c.mu.Lock()
	if el, ok := c.entries[templateID]; ok {
		e := el.Value.(*entry)
		e.lastAccessed = time.Now()
		c.ll.MoveToFront(el)
		c.mu.Unlock()
		c.hits.Inc()
		go metrics.Increment("templatecache.hit")
		debug("hit %s (%d bytes)", templateID, len(e.bytes))
		return e.bytes, nil
	}
	c.mu.Unlock()

	c.misses.Inc()
	go metrics.Increment("templatecache.miss")
	v, err, _ := c.group.Do(templateID, func() (interface{}, error) {
		// A racing goroutine may have inserted the entry between our check
		// and joining the flight.
		c.mu.Lock()
		if el, ok := c.entries[templateID]; ok {
			b := el.Value.(*entry).bytes
			c.mu.Unlock()
			return b, nil
		}
		c.mu.Unlock()

		b, err := c.fetcher.Content(ctx, templateID)
		if err != nil {
			return nil, err
		}
		c.insert(templateID, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cache) insert(templateID string, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[templateID]; ok {
		return
	}
	el := c.ll.PushFront(&entry{
		key:          templateID,
		bytes:        b,
		lastAccessed: time.Now(),
	})
	c.entries[templateID] = el
	c.totalBytes += int64(len(b))
	debug("insert %s (%d bytes, total %d)", templateID, len(b), c.totalBytes)

	for c.totalBytes > c.maxBytes && c.ll.Len() > 1 {
		back := c.ll.Back()
		evicted := back.Value.(*entry)
		c.ll.Remove(back)
		delete(c.entries, evicted.key)
		c.totalBytes -= int64(len(evicted.bytes))
		c.evictions.Inc()
		go metrics.Increment("templatecache.evict")
		c.logger.Debug("evicted template from cache",
			zap.String("template_id", evicted.key),
			zap.Int("size_bytes", len(evicted.bytes)))
	}
	go metrics.Measure("templatecache.bytes", c.totalBytes)
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	Entries    int
	TotalBytes int64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
		Entries:    c.ll.Len(),
		TotalBytes: c.totalBytes,
	}
}
