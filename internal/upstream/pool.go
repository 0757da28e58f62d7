package upstream

import (
	"fmt"

	"chatpool/internal/config"
	"chatpool/internal/iolog"
)

// Pool holds one client per configured container. Disabled containers get a
// client too (operators can still probe them directly); they are just never
// eligible for dispatch.
type Pool struct {
	clients map[string]*Client
	order   []string
	enabled map[string]bool
}

func NewPool(containers []config.ContainerConfig, audit *iolog.Logger) *Pool {
	p := &Pool{
		clients: make(map[string]*Client, len(containers)),
		enabled: make(map[string]bool, len(containers)),
	}
	for _, cc := range containers {
		p.clients[cc.ID] = NewClient(cc, audit)
		p.order = append(p.order, cc.ID)
		p.enabled[cc.ID] = cc.IsEnabled()
	}
	return p
}

// Get returns the client for id.
func (p *Pool) Get(id string) (*Client, error) {
	c, ok := p.clients[id]
	if !ok {
		return nil, fmt.Errorf("upstream: unknown container %q", id)
	}
	return c, nil
}

// EnabledIDs lists enabled container ids in config order.
func (p *Pool) EnabledIDs() []string {
	out := make([]string, 0, len(p.order))
	for _, id := range p.order {
		if p.enabled[id] {
			out = append(out, id)
		}
	}
	return out
}

// IsEnabled reports whether id exists and is enabled.
func (p *Pool) IsEnabled(id string) bool { return p.enabled[id] }
