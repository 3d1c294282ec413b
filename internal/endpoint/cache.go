package endpoint

import (
	"reflect"
	"sync"
	"time"
)

// infoCache is a short-TTL single-value cache around GetInfo, ported from
// DockerServiceImpl's SingleValueCache. On refresh it diffs the new value
// against the cached one and lets the caller react (INFO_CHANGED).
type infoCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	fetched  time.Time
	value    *DaemonInfo
	refresh  func() (*DaemonInfo, error)
	onChange func(old, new *DaemonInfo)
}

func newInfoCache(ttl time.Duration, refresh func() (*DaemonInfo, error), onChange func(old, new *DaemonInfo)) *infoCache {
	return &infoCache{ttl: ttl, refresh: refresh, onChange: onChange}
}

// Get returns the cached value, refreshing it first if the TTL has
// elapsed.
func (c *infoCache) Get() (*DaemonInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value != nil && time.Since(c.fetched) < c.ttl {
		return c.value, nil
	}

	fresh, err := c.refresh()
	if err != nil {
		return c.value, err // keep serving the stale value alongside the error
	}

	old := c.value
	c.value = fresh
	c.fetched = time.Now()

	if old != nil && c.onChange != nil && !reflect.DeepEqual(old, fresh) {
		c.onChange(old, fresh)
	}
	return fresh, nil
}

// Invalidate forces the next Get to refresh.
func (c *infoCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched = time.Time{}
}
