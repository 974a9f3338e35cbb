package broker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate enforces a minimum interval between exchange calls. Limiters are
// keyed by credential: the upstream limit applies at the API-key level, so
// two accounts sharing a key share one gate while unrelated accounts are
// not serialized against each other.
type Gate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
}

// NewGate creates a gate with the given minimum interval per credential.
func NewGate(interval time.Duration) *Gate {
	return &Gate{
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
	}
}

// Wait blocks until the credential's limiter admits a call or ctx is done.
func (g *Gate) Wait(ctx context.Context, credential string) error {
	g.mu.Lock()
	lim, ok := g.limiters[credential]
	if !ok {
		lim = rate.NewLimiter(rate.Every(g.interval), 1)
		g.limiters[credential] = lim
	}
	g.mu.Unlock()

	return lim.Wait(ctx)
}
