package api

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	maxTrackedHosts = 10000
	hostTTL         = 10 * time.Minute

	// Failed logins allowed per host: a burst of 5, then one per 10s.
	failedLoginBurst = 5
	failedLoginRate  = rate.Limit(0.1)
)

// ratelimiter throttles hosts that fail basic authentication.
type ratelimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
}

func newRatelimiter() *ratelimiter {
	return &ratelimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxTrackedHosts, nil, hostTTL),
	}
}

func (rl *ratelimiter) limiter(host string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters.Get(host)
	if !ok {
		l = rate.NewLimiter(failedLoginRate, failedLoginBurst)
		rl.limiters.Add(host, l)
	}
	return l
}

// blocked reports whether host has exhausted its failed login budget.
func (rl *ratelimiter) blocked(host string) bool {
	return rl.limiter(host).Tokens() < 1
}

// fail consumes one failed login from host's budget.
func (rl *ratelimiter) fail(host string) {
	rl.limiter(host).Allow()
}
