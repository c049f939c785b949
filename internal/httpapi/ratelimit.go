package httpapi

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/agentline/internal/observe"
)

// idleAfter is how long a client bucket may go unused before the janitor
// drops it.
const idleAfter = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

func newIPLimiter(rps float64, burst int, now func() time.Time) *ipLimiter {
	if burst <= 0 {
		burst = max(1, int(rps))
	}
	return &ipLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      now,
		visitors: make(map[string]*visitor),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	now := l.now()
	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	l.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// sweep drops buckets idle since before cutoff.
func (l *ipLimiter) sweep() int {
	cutoff := l.now().Add(-idleAfter)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
			n++
		}
	}
	return n
}

func (l *ipLimiter) run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.sweep()
		}
	}
}

// Middleware rejects requests beyond the client's budget with 429.
func (l *ipLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !l.allow(ip) {
			observe.Logger(r.Context()).Debug("rate limited", "client", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error: "too many requests",
				Code:  "rate_limited",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
