package ingress

import (
	"context"
	"sync"
	"time"

	"hookrelay/internal/platform/models"
)

type IntegrationStore interface {
	GetByID(ctx context.Context, id string) (*models.Integration, error)
}

type cachedIntegration struct {
	integration *models.Integration
	cachedAt    time.Time
}

// IntegrationCache fronts an IntegrationStore with a short-lived
// in-process cache. Only found integrations are cached, so a newly
// created one is visible on its first request. A disabled integration
// keeps being served from the cache until its entry expires.
type IntegrationCache struct {
	next  IntegrationStore
	store sync.Map // map[integration_id]*cachedIntegration
	ttl   time.Duration
	stop  chan struct{}
	once  sync.Once
}

func NewIntegrationCache(next IntegrationStore, ttl time.Duration) *IntegrationCache {
	c := &IntegrationCache{
		next: next,
		ttl:  ttl,
		stop: make(chan struct{}),
	}
	if ttl > 0 {
		go c.cleanupLoop()
	}
	return c
}

func (c *IntegrationCache) cleanupLoop() {
	ticker := time.NewTicker(max(c.ttl, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

func (c *IntegrationCache) sweep(now time.Time) {
	c.store.Range(func(key, value interface{}) bool {
		if now.Sub(value.(*cachedIntegration).cachedAt) > c.ttl {
			c.store.Delete(key)
		}
		return true
	})
}

// Close stops the cleanup loop.
func (c *IntegrationCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *IntegrationCache) GetByID(ctx context.Context, id string) (*models.Integration, error) {
	if c.ttl > 0 {
		if val, ok := c.store.Load(id); ok {
			entry := val.(*cachedIntegration)
			if time.Since(entry.cachedAt) <= c.ttl {
				return entry.integration, nil
			}
			c.store.Delete(id)
		}
	}

	integration, err := c.next.GetByID(ctx, id)
	if err != nil || integration == nil {
		return integration, err
	}
	if c.ttl > 0 {
		c.store.Store(id, &cachedIntegration{integration: integration, cachedAt: time.Now()})
	}
	return integration, nil
}

func (c *IntegrationCache) Invalidate(id string) {
	c.store.Delete(id)
}
