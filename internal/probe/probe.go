// Package probe keeps a short-lived advisory view of each container's busy
// state. Results only bias ordering during selection; they never gate it.
package probe

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chatpool/internal/upstream"
)

type entry struct {
	busy      bool
	payload   map[string]any
	fetchedAt time.Time
}

// Cache caches container status probes with a TTL.
type Cache struct {
	pool *upstream.Pool
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

func NewCache(pool *upstream.Pool, ttl time.Duration) *Cache {
	return &Cache{pool: pool, ttl: ttl, entries: make(map[string]entry)}
}

// Busy reports the advisory busy flag for containerID, probing on a cache
// miss or stale entry. A failed probe reads as busy so the selector orders
// the container last rather than dropping it.
func (c *Cache) Busy(ctx context.Context, containerID string) bool {
	c.mu.Lock()
	e, ok := c.entries[containerID]
	c.mu.Unlock()
	if ok && time.Since(e.fetchedAt) < c.ttl {
		return e.busy
	}
	return c.probe(ctx, containerID)
}

// Payload returns the last cached status document for containerID, if any.
func (c *Cache) Payload(containerID string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[containerID]
	if !ok || time.Since(e.fetchedAt) >= c.ttl {
		return nil, false
	}
	return e.payload, true
}

// StatusPayload returns the container's status document, serving the
// cached copy while it is fresh and probing otherwise. ok is false when
// the container cannot be reached.
func (c *Cache) StatusPayload(ctx context.Context, containerID string) (map[string]any, bool) {
	if payload, ok := c.Payload(containerID); ok && payload != nil {
		return payload, true
	}
	c.probe(ctx, containerID)
	payload, ok := c.Payload(containerID)
	if !ok || payload == nil {
		return nil, false
	}
	return payload, true
}

func (c *Cache) probe(ctx context.Context, containerID string) bool {
	client, err := c.pool.Get(containerID)
	if err != nil {
		return true
	}
	busy := true
	var payload map[string]any
	if payload, err = client.Status(ctx); err == nil {
		busy = upstream.BusyStatus(payload)
	} else {
		log.Printf("probe: %s: %v", containerID, err)
	}
	c.mu.Lock()
	c.entries[containerID] = entry{busy: busy, payload: payload, fetchedAt: time.Now()}
	c.mu.Unlock()
	return busy
}

// Refresh probes every enabled container in parallel.
func (c *Cache) Refresh(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range c.pool.EnabledIDs() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c.probe(ctx, id)
		}(id)
	}
	wg.Wait()
}

// StartRefresher runs Refresh on a fixed cron interval until ctx is done.
func (c *Cache) StartRefresher(ctx context.Context) *cron.Cron {
	cr := cron.New()
	seconds := int(c.ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	spec := fmt.Sprintf("@every %ds", seconds)
	if _, err := cr.AddFunc(spec, func() { c.Refresh(ctx) }); err != nil {
		log.Printf("probe: schedule refresher: %v", err)
		return cr
	}
	cr.Start()
	go func() {
		<-ctx.Done()
		cr.Stop()
	}()
	return cr
}
