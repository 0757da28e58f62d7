// Package selector picks the container for the next attempt: enabled,
// inside the profile's allow-list, not excluded by a chat lock, rotated
// round-robin with busy-probed containers deferred to last.
package selector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatpool/internal/ledger"
	"chatpool/internal/upstream"
)

// BusyProber answers the advisory busy question for a container.
type BusyProber interface {
	Busy(ctx context.Context, containerID string) bool
}

// NoneAvailableError means no container can serve the request right now.
type NoneAvailableError struct {
	Reason string
}

func (e *NoneAvailableError) Error() string {
	return fmt.Sprintf("selector: no container available: %s", e.Reason)
}

// Selector owns the round-robin cursor shared by all requests.
type Selector struct {
	pool   *upstream.Pool
	store  *ledger.Store
	probes BusyProber

	mu     sync.Mutex
	cursor int
}

func New(pool *upstream.Pool, store *ledger.Store, probes BusyProber) *Selector {
	return &Selector{pool: pool, store: store, probes: probes}
}

// Pick chooses one container. allowed is the profile's allow-list; exclude
// holds containers already tried this job; forced pins the choice to one
// container, which must still pass every filter.
func (s *Selector) Pick(ctx context.Context, allowed []string, exclude map[string]bool, forced string) (string, error) {
	allowedSet := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = true
	}

	locked, err := s.store.LockedContainers(time.Now())
	if err != nil {
		return "", err
	}

	var candidates []string
	for _, id := range s.pool.EnabledIDs() {
		if !allowedSet[id] || locked[id] || exclude[id] {
			continue
		}
		candidates = append(candidates, id)
	}

	if forced != "" {
		for _, id := range candidates {
			if id == forced {
				return forced, nil
			}
		}
		return "", &NoneAvailableError{Reason: fmt.Sprintf("pinned container %s is not eligible", forced)}
	}

	if len(candidates) == 0 {
		return "", &NoneAvailableError{Reason: "no enabled, allowed, unlocked container left"}
	}

	rotated := s.rotate(candidates)

	// Busy containers stay eligible; they just go to the back of the line.
	var free, busy []string
	for _, id := range rotated {
		if s.probes.Busy(ctx, id) {
			busy = append(busy, id)
		} else {
			free = append(free, id)
		}
	}
	ordered := append(free, busy...)
	return ordered[0], nil
}

func (s *Selector) rotate(candidates []string) []string {
	s.mu.Lock()
	start := s.cursor % len(candidates)
	s.cursor++
	s.mu.Unlock()

	out := make([]string, 0, len(candidates))
	out = append(out, candidates[start:]...)
	out = append(out, candidates[:start]...)
	return out
}
