package overlay

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per client IP. A nil limiter allows
// everything.
type ipRateLimiter struct {
	mu       sync.Mutex
	entries  map[string]*clientLimiter
	rate     rate.Limit
	burst    int
	lifetime time.Duration
}

func newIPRateLimiter(rps, burst int) *ipRateLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &ipRateLimiter{
		entries:  make(map[string]*clientLimiter),
		rate:     rate.Limit(rps),
		burst:    burst,
		lifetime: 5 * time.Minute,
	}
}

func (l *ipRateLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[ip]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.entries[ip] = entry
	}
	entry.lastSeen = now
	allowed := entry.limiter.Allow()

	if len(l.entries) > 1024 {
		l.cleanup(now)
	}
	return allowed
}

func (l *ipRateLimiter) cleanup(now time.Time) {
	expireBefore := now.Add(-l.lifetime)
	for ip, entry := range l.entries {
		if entry.lastSeen.Before(expireBefore) {
			delete(l.entries, ip)
		}
	}
}

func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if p := strings.TrimSpace(part); p != "" {
				return p
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
