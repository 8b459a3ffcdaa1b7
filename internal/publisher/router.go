// Package publisher holds the Publisher implementations the daemon routes
// publish attempts to: the device agent over HTTP and a dry-run stand-in.
package publisher

import (
	"context"
	"fmt"
	"sync"

	"pubflow/internal/domain"
	"pubflow/internal/pipeline"
)

// Router dispatches an attempt by the bot's platform.
type Router struct {
	mu       sync.RWMutex
	routes   map[domain.Platform]pipeline.Publisher
	disabled map[domain.Platform]bool
	fallback pipeline.Publisher
}

func NewRouter() *Router {
	return &Router{
		routes:   make(map[domain.Platform]pipeline.Publisher),
		disabled: make(map[domain.Platform]bool),
	}
}

// Handle registers pub for one platform, replacing any earlier route.
func (r *Router) Handle(p domain.Platform, pub pipeline.Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.disabled, p)
	if pub == nil {
		delete(r.routes, p)
		return
	}
	r.routes[p] = pub
}

// Disable makes every attempt for p fail as unsupported, even with a default route.
func (r *Router) Disable(p domain.Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, p)
	r.disabled[p] = true
}

// SetDefault sets the publisher for platforms without their own route.
func (r *Router) SetDefault(pub pipeline.Publisher) {
	r.mu.Lock()
	r.fallback = pub
	r.mu.Unlock()
}

func (r *Router) lookup(p domain.Platform) pipeline.Publisher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.disabled[p] {
		return nil
	}
	if pub, ok := r.routes[p]; ok {
		return pub
	}
	return r.fallback
}

func (r *Router) Publish(ctx context.Context, req pipeline.PublishRequest) (pipeline.PublishResult, error) {
	pub := r.lookup(req.Bot.Platform)
	if pub == nil {
		return pipeline.PublishResult{}, pipeline.Permanent(domain.ReasonUnsupportedPlatform,
			fmt.Errorf("no publisher for platform %q", req.Bot.Platform))
	}
	return pub.Publish(ctx, req)
}
