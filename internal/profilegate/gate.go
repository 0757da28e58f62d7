// Package profilegate enforces per-profile mutual exclusion within the
// process. Acquisition never blocks: a held profile fails fast so the
// caller can surface a busy error instead of queueing.
package profilegate

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// BusyError reports a failed acquisition on an already-held profile.
type BusyError struct {
	ProfileID string
	HeldBy    string
	Since     time.Time
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("profilegate: profile %s is busy (held by %s)", e.ProfileID, e.HeldBy)
}

type holder struct {
	owner string
	since time.Time
}

// Gate is a keyed try-lock over profile ids.
type Gate struct {
	mu   sync.Mutex
	held map[string]holder
}

func New() *Gate {
	return &Gate{held: make(map[string]holder)}
}

// TryAcquire claims profileID for owner, or returns *BusyError if another
// request holds it. The check and the claim are a single atomic step.
func (g *Gate) TryAcquire(profileID, owner string) (*Guard, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if h, ok := g.held[profileID]; ok {
		return nil, &BusyError{ProfileID: profileID, HeldBy: h.owner, Since: h.since}
	}
	g.held[profileID] = holder{owner: owner, since: time.Now()}
	return &Guard{gate: g, profileID: profileID, owner: owner}, nil
}

func (g *Gate) release(profileID, owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.held[profileID]; ok && h.owner == owner {
		delete(g.held, profileID)
	}
}

// HeldLock is a diagnostic snapshot entry.
type HeldLock struct {
	ProfileID string    `json:"profile_id"`
	Owner     string    `json:"owner"`
	Since     time.Time `json:"since"`
}

// Snapshot lists currently held profiles, ordered by profile id.
func (g *Gate) Snapshot() []HeldLock {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]HeldLock, 0, len(g.held))
	for id, h := range g.held {
		out = append(out, HeldLock{ProfileID: id, Owner: h.owner, Since: h.since})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}

// Guard is a held profile claim. Release is idempotent and must run on
// every exit path of the request that acquired it.
type Guard struct {
	gate      *Gate
	profileID string
	owner     string
	once      sync.Once
}

func (gd *Guard) Release() {
	gd.once.Do(func() { gd.gate.release(gd.profileID, gd.owner) })
}
