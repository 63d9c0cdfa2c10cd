package relay

import (
	"sync"

	"golang.org/x/time/rate"

	"veilchat/internal/domain"
)

// limiterPool hands out one token bucket per identity and event type, so
// a typing storm from one user cannot starve their own messages, let
// alone anyone else's.
type limiterPool struct {
	mu    sync.Mutex
	perID map[string]*rate.Limiter
	rps   rate.Limit
	burst int
}

func newLimiterPool(eventsPerSecond float64, burst int) *limiterPool {
	return &limiterPool{
		perID: make(map[string]*rate.Limiter),
		rps:   rate.Limit(eventsPerSecond),
		burst: burst,
	}
}

func (p *limiterPool) allow(id domain.UserID, t domain.EventType) bool {
	key := string(id) + ":" + string(t)
	p.mu.Lock()
	l, ok := p.perID[key]
	if !ok {
		l = rate.NewLimiter(p.rps, p.burst)
		p.perID[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

// forget drops all buckets for an identity. Called on disconnect so the
// pool does not grow without bound.
func (p *limiterPool) forget(id domain.UserID) {
	prefix := string(id) + ":"
	p.mu.Lock()
	for k := range p.perID {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(p.perID, k)
		}
	}
	p.mu.Unlock()
}
