package preferences

import (
	"context"
	"time"

	"github.com/albapepper/agencyops/internal/cache"
	"github.com/albapepper/agencyops/internal/notifications"
)

const directoryKey = -1

// Cached fronts a preference store and directory with a TTL cache. Missing
// settings are cached too, so unknown employees do not hit the store on
// every event.
type Cached struct {
	prefs notifications.PreferenceStore
	dir   notifications.Directory
	cache *cache.Cache[int64, *notifications.Settings]
	ids   *cache.Cache[int, []int64]
}

// NewCached wraps prefs and dir. A zero ttl disables caching.
func NewCached(prefs notifications.PreferenceStore, dir notifications.Directory, ttl time.Duration) *Cached {
	return &Cached{
		prefs: prefs,
		dir:   dir,
		cache: cache.New[int64, *notifications.Settings](ttl),
		ids:   cache.New[int, []int64](ttl),
	}
}

func (c *Cached) Get(ctx context.Context, employeeID int64) (*notifications.Settings, error) {
	if s, ok := c.cache.Get(employeeID); ok {
		return clone(s), nil
	}
	s, err := c.prefs.Get(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	c.cache.Set(employeeID, s)
	return clone(s), nil
}

func (c *Cached) MarketplaceRecipients(ctx context.Context) ([]int64, error) {
	if ids, ok := c.ids.Get(directoryKey); ok {
		return append([]int64(nil), ids...), nil
	}
	ids, err := c.dir.MarketplaceRecipients(ctx)
	if err != nil {
		return nil, err
	}
	c.ids.Set(directoryKey, ids)
	return append([]int64(nil), ids...), nil
}

// Invalidate drops everything cached.
func (c *Cached) Invalidate() {
	c.cache.Clear()
	c.ids.Clear()
}

// Evict drops expired entries and returns how many were removed.
func (c *Cached) Evict() int {
	return c.cache.Evict() + c.ids.Evict()
}

// Stats reports cache statistics for the health endpoint.
func (c *Cached) Stats() map[string]any {
	return c.cache.Stats()
}

func clone(s *notifications.Settings) *notifications.Settings {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
