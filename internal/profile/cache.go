package profile

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wakala/settlement/internal/cache"
	"github.com/wakala/settlement/internal/domain"
	"github.com/wakala/settlement/internal/metrics"
)

// loadTimeout bounds one shared source load. The load is detached from the
// caller that started it, since other callers may be waiting on it.
const loadTimeout = 5 * time.Second

// Source is the persistence the cache loads from. A nil profile with a nil
// error means the dealer has no active profile.
type Source interface {
	FindActiveProfile(ctx context.Context, dealerCode string) (*domain.DealerProfile, error)
}

// Cache is a read-through, TTL-bounded cache of active dealer profiles.
// Concurrent misses for the same dealer share one load.
type Cache struct {
	source  Source
	entries *cache.TTL[*domain.DealerProfile]
	group   singleflight.Group
	metrics *metrics.Metrics
}

func NewCache(source Source, ttl time.Duration, m *metrics.Metrics) *Cache {
	return &Cache{
		source:  source,
		entries: cache.NewTTL[*domain.DealerProfile](ttl),
		metrics: m,
	}
}

// WithClock overrides the expiry clock, for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.entries.WithClock(now)
	return c
}

// Get returns the active profile for dealerCode. Missing and inactive
// profiles yield *domain.ProfileNotFoundError.
func (c *Cache) Get(ctx context.Context, dealerCode string) (*domain.DealerProfile, error) {
	if p, ok := c.entries.Get(dealerCode); ok {
		c.metrics.ProfileCache(metrics.CacheHit)
		return p, nil
	}
	c.metrics.ProfileCache(metrics.CacheMiss)

	v, err, _ := c.group.Do(dealerCode, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		p, err := c.source.FindActiveProfile(loadCtx, dealerCode)
		if err != nil {
			return nil, fmt.Errorf("load profile %s: %w", dealerCode, err)
		}
		if p == nil {
			return nil, &domain.ProfileNotFoundError{DealerCode: dealerCode, Reason: "no active profile"}
		}
		if !p.IsActive() {
			return nil, &domain.ProfileNotFoundError{DealerCode: dealerCode, Reason: "profile is " + string(p.Status)}
		}
		c.entries.Set(dealerCode, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.DealerProfile), nil
}

// Invalidate drops the cached entry so the next Get reloads it.
func (c *Cache) Invalidate(dealerCode string) {
	c.entries.Delete(dealerCode)
}

// Sweep removes expired entries and reports how many were dropped.
func (c *Cache) Sweep() int {
	return c.entries.Sweep()
}
