package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nucleuslabs/adsgateway/internal/metrics"
)

func newTestManager(t *testing.T, lruSize int) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewManager(rdb, lruSize, zap.NewNop()), mr
}

func TestKeyFingerprintSortsParams(t *testing.T) {
	a := Key("acme", "search", map[string]string{"query": "SELECT 1", "customer_id": "123"})
	b := Key("acme", "search", map[string]string{"customer_id": "123", "query": "SELECT 1"})
	if a != b {
		t.Errorf("param order changed the fingerprint: %q vs %q", a, b)
	}
	want := "client:acme:search:customer_id=123:query=SELECT 1"
	if a != want {
		t.Errorf("fingerprint = %q, want %q", a, want)
	}
	if got := Key("acme", "list", nil); got != "client:acme:list" {
		t.Errorf("no-param fingerprint = %q", got)
	}
}

func TestTTLFor(t *testing.T) {
	tests := []struct {
		serviceType string
		want        time.Duration
	}{
		{"reporting", 5 * time.Minute},
		{"campaign", 30 * time.Minute},
		{"keyword", 15 * time.Minute},
		{"budget", time.Hour},
		{"customer", 24 * time.Hour},
		{"default", 5 * time.Minute},
		{"something_else", 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := TTLFor(tt.serviceType); got != tt.want {
			t.Errorf("TTLFor(%q) = %v, want %v", tt.serviceType, got, tt.want)
		}
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	m, mr := newTestManager(t, 8)
	ctx := context.Background()

	val := json.RawMessage(`{"rows":[1,2,3]}`)
	m.Set(ctx, "client:acme:search:q=1", val, "reporting", 0)

	got, ok := m.Get(ctx, "client:acme:search:q=1")
	if !ok {
		t.Fatal("miss after set")
	}
	if string(got) != string(val) {
		t.Errorf("value = %s", got)
	}

	// Shared tier carries the service-type TTL.
	ttl := mr.TTL("cache:client:acme:search:q=1")
	if ttl != 5*time.Minute {
		t.Errorf("redis ttl = %v, want 5m", ttl)
	}
}

func TestSetTTLOverride(t *testing.T) {
	m, mr := newTestManager(t, 8)
	ctx := context.Background()

	m.Set(ctx, "k", json.RawMessage(`1`), "reporting", 42*time.Second)
	if ttl := mr.TTL("cache:k"); ttl != 42*time.Second {
		t.Errorf("redis ttl = %v, want 42s", ttl)
	}
}

// A shared-tier hit must be promoted into the LRU so a subsequent Redis
// outage or flush is still served from process memory.
func TestRedisHitPromotesToLRU(t *testing.T) {
	m, mr := newTestManager(t, 8)
	ctx := context.Background()

	// Seed the shared tier only, as a peer process would have.
	mr.Set("cache:client:acme:search:q=1", `{"rows":[]}`)

	if _, ok := m.Get(ctx, "client:acme:search:q=1"); !ok {
		t.Fatal("miss on shared-tier seeded key")
	}

	mr.FlushAll()

	got, ok := m.Get(ctx, "client:acme:search:q=1")
	if !ok {
		t.Fatal("promotion failed: flushing redis lost the entry")
	}
	if string(got) != `{"rows":[]}` {
		t.Errorf("value = %s", got)
	}
}

// Eviction follows recency, not insertion order.
func TestLRUEvictionOrder(t *testing.T) {
	c := NewLRU(3)

	c.Set("A", []byte("a"))
	c.Set("B", []byte("b"))
	c.Set("C", []byte("c"))
	c.Get("A") // A is now most recent; B is oldest
	c.Set("D", []byte("d"))

	if _, ok := c.Get("B"); ok {
		t.Error("B survived; expected it evicted as least recent")
	}
	for _, k := range []string{"A", "C", "D"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s was evicted; expected it retained", k)
		}
	}
	if st := c.Stats(); st.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", st.Evictions)
	}
}

func TestLRUUpdateDoesNotEvict(t *testing.T) {
	c := NewLRU(2)
	c.Set("A", []byte("1"))
	c.Set("B", []byte("2"))
	c.Set("A", []byte("3"))

	if got, _ := c.Get("A"); string(got) != "3" {
		t.Errorf("A = %s, want 3", got)
	}
	if _, ok := c.Get("B"); !ok {
		t.Error("B evicted by an in-place update")
	}
}

func TestDeleteRemovesBothTiers(t *testing.T) {
	m, mr := newTestManager(t, 8)
	ctx := context.Background()

	m.Set(ctx, "k", json.RawMessage(`1`), "default", 0)
	m.Delete(ctx, "k")

	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("hit after delete")
	}
	if mr.Exists("cache:k") {
		t.Error("redis key survived delete")
	}
}

func TestClearPattern(t *testing.T) {
	m, _ := newTestManager(t, 8)
	ctx := context.Background()

	m.Set(ctx, "client:acme:search:q=1", json.RawMessage(`1`), "default", 0)
	m.Set(ctx, "client:acme:search:q=2", json.RawMessage(`2`), "default", 0)
	m.Set(ctx, "client:globex:search:q=1", json.RawMessage(`3`), "default", 0)

	n, err := m.ClearPattern(ctx, "client:acme:*")
	if err != nil {
		t.Fatalf("ClearPattern: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
}

func TestGetAbsorbsStoreOutage(t *testing.T) {
	m, mr := newTestManager(t, 8)
	ctx := context.Background()

	mr.Close()

	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("hit during store outage with empty lru")
	}
	// Set still lands in the lru even though the shared write fails.
	m.Set(ctx, "k", json.RawMessage(`1`), "default", 0)
	if _, ok := m.Get(ctx, "k"); !ok {
		t.Error("lru miss after set during store outage")
	}
}

func TestInstrumentedLookupOutcomes(t *testing.T) {
	m, mr := newTestManager(t, 8)
	set := metrics.New()
	m.Instrument(set)
	ctx := context.Background()

	m.Get(ctx, "k")
	m.Set(ctx, "k", json.RawMessage(`1`), "default", 0)
	m.Get(ctx, "k")

	// Shared-tier hits count as hits too.
	mr.Set("cache:peer", `2`)
	m.Get(ctx, "peer")

	if got := testutil.ToFloat64(set.CacheHits.WithLabelValues("hit")); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(set.CacheHits.WithLabelValues("miss")); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
}

func TestHotStatsCounters(t *testing.T) {
	m, _ := newTestManager(t, 4)
	ctx := context.Background()

	m.Set(ctx, "k", json.RawMessage(`1`), "default", 0)
	m.Get(ctx, "k")

	stats := m.HotStats()
	lru := stats["lru"].(Stats)
	if lru.Hits != 1 || lru.Sets != 1 {
		t.Errorf("stats = %+v", lru)
	}
	if stats["lru_size"].(int) != 1 || stats["lru_maxsize"].(int) != 4 {
		t.Errorf("sizes = %v/%v", stats["lru_size"], stats["lru_maxsize"])
	}
}
