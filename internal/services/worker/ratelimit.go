package worker

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// defaultActionsPerSecond paces CREATE_POST (and other target-site) calls
// per profileHandle, the per-resource pacing §5 implies a single worker
// must apply to its own browser profile to avoid tripping RATE_LIMITED.
const defaultActionsPerSecond = 0.5 // one action every 2s, per profile

// profileLimiters hands out a *rate.Limiter per profileHandle, mirroring
// infrastructure/ratelimit's per-key limiter construction but scoped to a
// browser profile instead of a remote RPC peer.
type profileLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

func newProfileLimiters() *profileLimiters {
	return &profileLimiters{
		limiters: make(map[string]*rate.Limiter),
		perSec:   rate.Limit(defaultActionsPerSecond),
		burst:    1,
	}
}

func (p *profileLimiters) limiterFor(profileHandle string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[profileHandle]
	if !ok {
		l = rate.NewLimiter(p.perSec, p.burst)
		p.limiters[profileHandle] = l
	}
	return l
}

// Wait blocks until profileHandle's limiter admits one action, or ctx is
// done first.
func (p *profileLimiters) Wait(ctx context.Context, profileHandle string) error {
	return p.limiterFor(profileHandle).Wait(ctx)
}
