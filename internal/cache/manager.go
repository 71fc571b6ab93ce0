// Package cache implements the two-tier read cache: an in-process LRU in
// front of a shared Redis tier keyed by a canonical request fingerprint.
// The cache is a best-effort accelerator, never a correctness dependency;
// shared-tier failures are logged and absorbed.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nucleuslabs/adsgateway/internal/metrics"
)

const redisKeyPrefix = "cache:"

// TTLByService maps a service-type tag to the shared-tier TTL.
var TTLByService = map[string]time.Duration{
	"reporting": 5 * time.Minute,
	"campaign":  30 * time.Minute,
	"keyword":   15 * time.Minute,
	"budget":    time.Hour,
	"customer":  24 * time.Hour,
	"default":   5 * time.Minute,
}

// TTLFor resolves the shared-tier TTL for a service type, falling back to
// the default entry for unknown tags.
func TTLFor(serviceType string) time.Duration {
	if ttl, ok := TTLByService[serviceType]; ok {
		return ttl
	}
	return TTLByService["default"]
}

// Key builds the canonical fingerprint for a read request. Params are
// sorted so any two requests with the same semantic parameters produce the
// same key.
func Key(clientID, operation string, params map[string]string) string {
	if len(params) == 0 {
		return fmt.Sprintf("client:%s:%s", clientID, operation)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "client:%s:%s", clientID, operation)
	for _, k := range keys {
		fmt.Fprintf(&b, ":%s=%s", k, params[k])
	}
	return b.String()
}

// Manager is the two-tier cache: LRU first, Redis second, with promotion of
// shared-tier hits back into the LRU.
type Manager struct {
	rdb     redis.Cmdable
	hot     *LRU
	logger  *zap.Logger
	metrics *metrics.Set
}

// NewManager creates a manager with an LRU of lruMaxSize entries over the
// given Redis client.
func NewManager(rdb redis.Cmdable, lruMaxSize int, logger *zap.Logger) *Manager {
	return &Manager{
		rdb:    rdb,
		hot:    NewLRU(lruMaxSize),
		logger: logger,
	}
}

// Instrument publishes cache lookup outcomes to the given metric set.
func (m *Manager) Instrument(set *metrics.Set) {
	m.metrics = set
}

func (m *Manager) observe(outcome string) {
	if m.metrics != nil {
		m.metrics.CacheHits.WithLabelValues(outcome).Inc()
	}
}

// Get returns the cached value for the fingerprint, checking the LRU first
// and falling back to the shared tier. Shared-tier hits are promoted into
// the LRU. A nil result with ok=false means absent in both tiers.
func (m *Manager) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	if val, ok := m.hot.Get(key); ok {
		m.observe("hit")
		m.logger.Debug("lru cache hit", zap.String("key", key))
		return val, true
	}

	payload, err := m.rdb.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		m.observe("miss")
		return nil, false
	}
	if err != nil {
		m.observe("miss")
		m.logger.Error("redis cache get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	m.hot.Set(key, payload)
	m.observe("hit")
	m.logger.Debug("redis cache hit, promoted to lru", zap.String("key", key))
	return payload, true
}

// Set writes the value to both tiers. ttlOverride of zero selects the
// service-type TTL. Shared-tier write errors do not fail the caller.
func (m *Manager) Set(ctx context.Context, key string, value json.RawMessage, serviceType string, ttlOverride time.Duration) {
	ttl := ttlOverride
	if ttl <= 0 {
		ttl = TTLFor(serviceType)
	}

	m.hot.Set(key, value)

	if err := m.rdb.Set(ctx, redisKeyPrefix+key, []byte(value), ttl).Err(); err != nil {
		m.logger.Error("redis cache set failed", zap.String("key", key), zap.Error(err))
		return
	}
	m.logger.Debug("cached in lru+redis",
		zap.String("key", key), zap.Duration("ttl", ttl))
}

// Delete removes the fingerprint from both tiers.
func (m *Manager) Delete(ctx context.Context, key string) {
	m.hot.Delete(key)
	if err := m.rdb.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		m.logger.Error("redis cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// ClearPattern deletes all shared-tier keys matching the glob pattern and
// returns the number removed. The LRU is not pattern-scanned; stale hot
// entries age out by recency or explicit Delete.
func (m *Manager) ClearPattern(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := m.rdb.Scan(ctx, cursor, redisKeyPrefix+pattern, 200).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := m.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("delete matched keys: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if deleted > 0 {
		m.logger.Info("cleared cache pattern",
			zap.String("pattern", pattern), zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// HotStats returns the LRU counters plus size information.
func (m *Manager) HotStats() map[string]any {
	return map[string]any{
		"lru":         m.hot.Stats(),
		"lru_size":    m.hot.Len(),
		"lru_maxsize": m.hot.MaxSize(),
	}
}
