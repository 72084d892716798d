package fee

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache serves fee snapshots loaded from a Loader and reloads them once they
// are older than the TTL. Concurrent reloads share a single load. When a
// reload fails the previous snapshot keeps being served.
type Cache struct {
	loader Loader
	ttl    time.Duration
	now    func() time.Time

	group singleflight.Group

	mu   sync.RWMutex
	snap *Snapshot
}

// NewCache creates a Cache. A non-positive ttl reloads on every call.
func NewCache(loader Loader, ttl time.Duration) *Cache {
	return &Cache{loader: loader, ttl: ttl, now: time.Now}
}

// Snapshot returns a snapshot no older than the TTL when possible.
func (c *Cache) Snapshot(ctx context.Context) (*Snapshot, error) {
	c.mu.RLock()
	current := c.snap
	c.mu.RUnlock()

	if current != nil && c.now().Sub(current.LoadedAt()) < c.ttl {
		return current, nil
	}

	v, err, _ := c.group.Do("schedules", func() (any, error) {
		return c.reload(ctx)
	})
	if err != nil {
		if current != nil {
			zctx.From(ctx).Warn("Fee schedule reload failed, serving stale snapshot",
				zap.Time("loaded_at", current.LoadedAt()),
				zap.Error(err),
			)
			return current, nil
		}
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (c *Cache) reload(ctx context.Context) (*Snapshot, error) {
	schedules, err := c.loader.LoadSchedules(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load fee schedules")
	}
	snap, err := NewSnapshot(schedules, c.now())
	if err != nil {
		return nil, errors.Wrap(err, "build fee snapshot")
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	return snap, nil
}
