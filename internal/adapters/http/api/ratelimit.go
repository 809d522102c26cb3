package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// cleanupThreshold is the minimum map size before a cleanup pass runs.
	cleanupThreshold = 500
	// maxIdleAge is the duration after which an idle entry is eligible for cleanup.
	maxIdleAge = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles mutating requests per caller. Callers are keyed by
// user id when authenticated and by remote IP otherwise.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	r       rate.Limit
	b       int
}

// NewRateLimiter allows rps requests per second with bursts of burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{entries: make(map[string]*limiterEntry), r: rate.Limit(rps), b: burst}
}

func (l *RateLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) > cleanupThreshold {
		cutoff := time.Now().Add(-maxIdleAge)
		for k, e := range l.entries {
			if e.lastSeen.Before(cutoff) {
				delete(l.entries, k)
			}
		}
	}
	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.r, l.b)}
		l.entries[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Middleware answers 429 once the caller's budget is spent.
func (l *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := UserID(r.Context())
		if !ok {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			key = "ip:" + ip
		}
		if !l.get(key).Allow() {
			writeError(w, http.StatusTooManyRequests, "rate_limited", NewKind("api.rate_limit", ErrRateLimited))
			return
		}
		next.ServeHTTP(w, r)
	}
}
