package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	requests          []time.Time
	now               func() time.Time
}

// NewClientRateLimiterWithLimits creates a rate limiter with a custom limit
func NewClientRateLimiterWithLimits(requestsPerMinute int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		requests:          make([]time.Time, 0),
		now:               time.Now,
	}
}

// prune drops requests older than one minute. Caller must hold mu.
func (r *ClientRateLimiter) prune() {
	cutoff := r.now().Add(-time.Minute)
	valid := r.requests[:0]
	for _, reqTime := range r.requests {
		if reqTime.After(cutoff) {
			valid = append(valid, reqTime)
		}
	}
	r.requests = valid
}

// Allow checks the limit and, when allowed, records the request in one step.
func (r *ClientRateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune()
	if len(r.requests) >= r.requestsPerMinute {
		return false
	}
	r.requests = append(r.requests, r.now())
	return true
}

// Count returns the requests recorded in the current window.
func (r *ClientRateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune()
	return len(r.requests)
}

// IPRateLimiter keeps one ClientRateLimiter per remote address. State is
// per process, so several relays behind a balancer each apply the limit.
type IPRateLimiter struct {
	mu                sync.Mutex
	limiters          map[string]*ClientRateLimiter
	requestsPerMinute int
	now               func() time.Time
	lastPrune         time.Time
}

// NewIPRateLimiter allows requestsPerMinute per address. Zero or less disables
// limiting.
func NewIPRateLimiter(requestsPerMinute int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters:          make(map[string]*ClientRateLimiter),
		requestsPerMinute: requestsPerMinute,
		now:               time.Now,
	}
}

// Allow records a request from ip and reports whether it is within the limit.
func (l *IPRateLimiter) Allow(ip string) bool {
	if l == nil || l.requestsPerMinute <= 0 {
		return true
	}

	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastPrune) > time.Minute {
		for key, limiter := range l.limiters {
			if limiter.Count() == 0 {
				delete(l.limiters, key)
			}
		}
		l.lastPrune = now
	}
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = NewClientRateLimiterWithLimits(l.requestsPerMinute)
		limiter.now = l.now
		l.limiters[ip] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Size returns the number of tracked addresses.
func (l *IPRateLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// clientIP returns the socket address of r. Forwarding headers are read
// only when trustProxy is set, since any caller can write them.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if first != "" {
				return first
			}
		}
		if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
			return real
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
