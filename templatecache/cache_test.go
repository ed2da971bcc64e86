package templatecache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/canopus-hq/docforge/test"
)

// countingFetcher serves deterministic bytes and counts fetches per key.
type countingFetcher struct {
	mu      sync.Mutex
	fetches map[string]int
	size    int
	delay   time.Duration
}

func newCountingFetcher(size int) *countingFetcher {
	return &countingFetcher{fetches: make(map[string]int), size: size}
}

func (f *countingFetcher) Content(ctx context.Context, templateID string) ([]byte, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.fetches[templateID]++
	f.mu.Unlock()
	return bytes.Repeat([]byte(templateID[:1]), f.size), nil
}

func (f *countingFetcher) count(templateID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[templateID]
}

func TestGetFetchesOnce(t *testing.T) {
	t.Parallel()
	f := newCountingFetcher(10)
	c := New(1024, f, zap.NewNop())
	first, err := c.Get(context.Background(), "alpha")
	test.AssertNotError(t, err, "first get")
	second, err := c.Get(context.Background(), "alpha")
	test.AssertNotError(t, err, "second get")
	test.AssertByteEquals(t, first, second)
	test.AssertEquals(t, f.count("alpha"), 1)
	stats := c.Stats()
	test.AssertEquals(t, stats.Hits, int64(1))
	test.AssertEquals(t, stats.Misses, int64(1))
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	t.Parallel()
	f := newCountingFetcher(10)
	f.delay = 20 * time.Millisecond
	c := New(1024, f, zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "alpha")
			test.AssertNotError(t, err, "concurrent get")
		}()
	}
	wg.Wait()
	test.AssertEquals(t, f.count("alpha"), 1)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	f := newCountingFetcher(10)
	// Budget fits exactly three entries.
	c := New(30, f, zap.NewNop())
	ctx := context.Background()
	for _, id := range []string{"alpha", "bravo", "charlie"} {
		_, err := c.Get(ctx, id)
		test.AssertNotError(t, err, "warming "+id)
	}
	// Touch alpha so bravo becomes the least recently used.
	_, err := c.Get(ctx, "alpha")
	test.AssertNotError(t, err, "touching alpha")
	_, err = c.Get(ctx, "delta")
	test.AssertNotError(t, err, "inserting delta")

	// bravo was evicted; alpha and charlie were not.
	_, err = c.Get(ctx, "alpha")
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, f.count("alpha"), 1)
	_, err = c.Get(ctx, "charlie")
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, f.count("charlie"), 1)
	_, err = c.Get(ctx, "bravo")
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, f.count("bravo"), 2)
}

func TestStaysWithinByteBudget(t *testing.T) {
	t.Parallel()
	f := newCountingFetcher(10)
	c := New(25, f, zap.NewNop())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := c.Get(ctx, fmt.Sprintf("t%d", i))
		test.AssertNotError(t, err, "inserting")
	}
	stats := c.Stats()
	test.Assert(t, stats.TotalBytes <= 25, fmt.Sprintf("cache over budget: %d bytes", stats.TotalBytes))
	test.AssertEquals(t, stats.Entries, 2)
	test.AssertEquals(t, stats.Evictions, int64(8))
}

type failingFetcher struct{ calls int }

func (f *failingFetcher) Content(ctx context.Context, templateID string) ([]byte, error) {
	f.calls++
	return nil, fmt.Errorf("boom")
}

func TestFetchErrorsAreNotCached(t *testing.T) {
	t.Parallel()
	f := &failingFetcher{}
	c := New(1024, f, zap.NewNop())
	_, err := c.Get(context.Background(), "alpha")
	test.AssertError(t, err, "expected fetch error")
	_, err = c.Get(context.Background(), "alpha")
	test.AssertError(t, err, "expected second fetch error")
	test.AssertEquals(t, f.calls, 2)
}
