package respcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/example/aigate/internal/config"
)

func newTestCache(maxSize int, ttl, staleTTL time.Duration) *Cache[string] {
	return New[string](config.CacheConfig{
		MaxSize:  maxSize,
		TTL:      ttl,
		StaleTTL: staleTTL,
	})
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache(10, time.Minute, 3*time.Minute)

	c.Set("k", "v")
	val, stale, ok := c.Get("k")
	if !ok {
		t.Fatal("expected hit")
	}
	if stale {
		t.Error("fresh entry reported stale")
	}
	if val != "v" {
		t.Errorf("expected v, got %q", val)
	}
}

func TestGetMiss(t *testing.T) {
	c := newTestCache(10, time.Minute, 3*time.Minute)

	_, _, ok := c.Get("absent")
	if ok {
		t.Fatal("expected miss")
	}
	if m := c.Metrics(); m.MissCount != 1 || m.HitCount != 0 {
		t.Errorf("expected 1 miss 0 hits, got %+v", m)
	}
}

func TestStaleWindow(t *testing.T) {
	c := newTestCache(10, 30*time.Millisecond, 90*time.Millisecond)

	c.Set("k", "v")
	time.Sleep(45 * time.Millisecond)

	val, stale, ok := c.Get("k")
	if !ok {
		t.Fatal("expected stale hit within staleTTL")
	}
	if !stale {
		t.Error("entry past ttl must be reported stale")
	}
	if val != "v" {
		t.Errorf("expected v, got %q", val)
	}

	m := c.Metrics()
	if m.StaleHitCount != 1 {
		t.Errorf("expected 1 stale hit, got %d", m.StaleHitCount)
	}
	if m.HitCount != 1 {
		t.Errorf("stale hit must also count as hit, got %d", m.HitCount)
	}
}

func TestStalePurgeOnRead(t *testing.T) {
	c := newTestCache(10, 20*time.Millisecond, 50*time.Millisecond)

	c.Set("k", "v")
	if c.Metrics().Size != 1 {
		t.Fatal("entry not resident")
	}

	time.Sleep(70 * time.Millisecond)

	_, _, ok := c.Get("k")
	if ok {
		t.Fatal("entry past staleTTL must be a miss")
	}
	m := c.Metrics()
	if m.Size != 0 {
		t.Errorf("expired entry must be purged, size %d", m.Size)
	}
	if m.MissCount != 1 {
		t.Errorf("expected 1 miss, got %d", m.MissCount)
	}
}

func TestLRUEviction(t *testing.T) {
	c := newTestCache(3, time.Minute, 3*time.Minute)

	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")
	c.Set("d", "4") // evicts a

	if _, _, ok := c.Get("a"); ok {
		t.Error("oldest entry must be evicted")
	}
	if _, _, ok := c.Get("b"); !ok {
		t.Error("entry b must survive")
	}
	if got := c.Metrics().EvictionCount; got != 1 {
		t.Errorf("expected 1 eviction, got %d", got)
	}
}

func TestGetTouchProtectsFromEviction(t *testing.T) {
	c := newTestCache(3, time.Minute, 3*time.Minute)

	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")

	// Touch a so b becomes the LRU victim.
	c.Get("a")
	c.Set("d", "4")

	if _, _, ok := c.Get("a"); !ok {
		t.Error("touched entry must be protected from eviction")
	}
	if _, _, ok := c.Get("b"); ok {
		t.Error("untouched entry b must be the victim")
	}
}

func TestSetRefreshSemantics(t *testing.T) {
	c := newTestCache(3, 30*time.Millisecond, 90*time.Millisecond)

	c.Set("k", "old")
	time.Sleep(45 * time.Millisecond)

	// Refresh: the entry is new again for TTL purposes.
	c.Set("k", "new")
	val, stale, ok := c.Get("k")
	if !ok || stale {
		t.Fatalf("refreshed entry must be a fresh hit, ok=%v stale=%v", ok, stale)
	}
	if val != "new" {
		t.Errorf("expected new, got %q", val)
	}
	if c.Metrics().Size != 1 {
		t.Errorf("refresh must not grow the cache, size %d", c.Metrics().Size)
	}
}

func TestRefreshDoesNotCountAsEviction(t *testing.T) {
	c := newTestCache(3, time.Minute, 3*time.Minute)

	c.Set("k", "1")
	c.Set("k", "2")
	c.Delete("k")

	if got := c.Metrics().EvictionCount; got != 0 {
		t.Errorf("replace and delete must not count as evictions, got %d", got)
	}
}

func TestByteAccounting(t *testing.T) {
	c := newTestCache(10, time.Minute, 3*time.Minute)

	c.Set("a", "xxxx")
	before := c.Metrics().TotalBytesStored
	if before <= 0 {
		t.Fatalf("expected positive byte accounting, got %d", before)
	}

	c.Delete("a")
	if got := c.Metrics().TotalBytesStored; got != 0 {
		t.Errorf("expected zero bytes after delete, got %d", got)
	}
}

func TestHasDoesNotTouchMetrics(t *testing.T) {
	c := newTestCache(10, time.Minute, 3*time.Minute)

	c.Set("k", "v")
	if !c.Has("k") {
		t.Error("expected Has true for resident entry")
	}
	if c.Has("absent") {
		t.Error("expected Has false for absent entry")
	}

	m := c.Metrics()
	if m.HitCount != 0 || m.MissCount != 0 {
		t.Errorf("Has must not affect hit/miss counters: %+v", m)
	}
}

func TestPurge(t *testing.T) {
	c := newTestCache(10, time.Minute, 3*time.Minute)

	c.Set("a", "1")
	c.Set("b", "2")
	c.Purge()

	m := c.Metrics()
	if m.Size != 0 {
		t.Errorf("expected empty cache, size %d", m.Size)
	}
	if m.TotalBytesStored != 0 {
		t.Errorf("expected zero bytes after purge, got %d", m.TotalBytesStored)
	}
}

func TestMetricsConsistency(t *testing.T) {
	c := newTestCache(10, time.Minute, 3*time.Minute)

	c.Set("a", "1")
	gets := 0
	for i := 0; i < 4; i++ {
		c.Get("a")
		gets++
	}
	for i := 0; i < 3; i++ {
		c.Get(fmt.Sprintf("missing-%d", i))
		gets++
	}

	m := c.Metrics()
	if m.HitCount+m.MissCount != int64(gets) {
		t.Errorf("hits+misses = %d, want %d", m.HitCount+m.MissCount, gets)
	}
	want := float64(m.HitCount) / float64(m.HitCount+m.MissCount)
	if m.HitRate != want {
		t.Errorf("hit rate %f, want %f", m.HitRate, want)
	}
}

func TestHitRateZeroWithoutGets(t *testing.T) {
	c := newTestCache(10, time.Minute, 3*time.Minute)
	if got := c.Metrics().HitRate; got != 0 {
		t.Errorf("expected hit rate 0 with no gets, got %f", got)
	}
}

func TestStructValues(t *testing.T) {
	type payload struct {
		Text   string `json:"text"`
		Tokens int    `json:"tokens"`
	}
	c := New[payload](config.CacheConfig{MaxSize: 5, TTL: time.Minute, StaleTTL: 3 * time.Minute})

	c.Set("k", payload{Text: "hello", Tokens: 2})
	val, _, ok := c.Get("k")
	if !ok || val.Text != "hello" || val.Tokens != 2 {
		t.Errorf("unexpected value: %+v ok=%v", val, ok)
	}
	if c.Metrics().TotalBytesStored <= 0 {
		t.Error("expected JSON size accounting for struct values")
	}
}
