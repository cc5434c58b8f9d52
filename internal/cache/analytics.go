package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chessmirror/chessmirror/internal/models"
)

// CacheVersion is bumped on breaking response-format changes so stale
// entries from older deployments never resurface.
const CacheVersion = "v3"

// AnalyticsCache caches expensive read paths keyed by endpoint, tenant
// and a parameter fingerprint. Writes for a tenant invalidate every key
// under that tenant's prefix.
type AnalyticsCache struct {
	store Store
	ttl   time.Duration
}

// NewAnalyticsCache wraps a Store with tenant-aware keying. The TTL
// applies to every entry; 15-30 minutes works well in practice.
func NewAnalyticsCache(store Store, ttl time.Duration) (*AnalyticsCache, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("analytics cache TTL must be positive, got %v", ttl)
	}
	return &AnalyticsCache{store: store, ttl: ttl}, nil
}

// tenantPrefix is the invalidation scope for one (user, platform) pair.
// The user ID must already be canonical; callers go through the boundary
// canonicalization before reaching the cache.
func tenantPrefix(userID string, platform models.Platform) string {
	return fmt.Sprintf("analytics:%s:%s:", platform, userID)
}

// Key builds the full cache key for an endpoint read.
func Key(endpoint, userID string, platform models.Platform, params map[string]string) string {
	return tenantPrefix(userID, platform) + endpoint + ":" + paramHash(params) + ":" + CacheVersion
}

// paramHash fingerprints the query parameters order-independently.
func paramHash(params map[string]string) string {
	if len(params) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha1.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s;", k, params[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Get returns the cached payload unless forceRefresh bypasses the read path.
func (a *AnalyticsCache) Get(endpoint, userID string, platform models.Platform, params map[string]string, forceRefresh bool) (interface{}, bool) {
	if forceRefresh {
		return nil, false
	}
	return a.store.Get(Key(endpoint, userID, platform, params))
}

// Set stores an endpoint payload for the tenant.
func (a *AnalyticsCache) Set(endpoint, userID string, platform models.Platform, params map[string]string, value interface{}) {
	a.store.Set(Key(endpoint, userID, platform, params), value, a.ttl)
}

// InvalidateTenant drops every cached payload for the tenant. Called
// after an import or analysis commit, never before.
func (a *AnalyticsCache) InvalidateTenant(userID string, platform models.Platform) int {
	removed := a.store.DeletePrefix(tenantPrefix(userID, platform))
	if removed > 0 {
		log.Debug().Str("user_id", userID).Str("platform", string(platform)).
			Int("removed", removed).Msg("Invalidated analytics cache for tenant")
	}
	return removed
}
