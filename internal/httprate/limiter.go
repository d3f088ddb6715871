// Package httprate provides a per-caller token-bucket HTTP rate limiter,
// adapted from gateway/middleware/ratelimit.go. Where internal/ratelimit
// tracks sliding-window counts per (actor, action) for the gate sequence
// spec.md §4.1 describes, this package throttles raw inbound HTTP traffic
// per caller identity before a request ever reaches that gate sequence —
// the "public/authenticated/staked requests per minute" tiers spec.md §6.5
// names as configuration but does not otherwise wire anywhere.
package httprate

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit describes one caller tier's allowance.
type Limit struct {
	PerMinute int
	Burst     int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter enforces a Limit per caller identity, evicting idle visitors.
type Limiter struct {
	limit Limit

	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

// New constructs a Limiter for a single tier.
func New(limit Limit) *Limiter {
	if limit.PerMinute <= 0 {
		limit.PerMinute = 60
	}
	if limit.Burst <= 0 {
		limit.Burst = limit.PerMinute
	}
	return &Limiter{limit: limit, visitors: make(map[string]*visitor), now: time.Now}
}

// Middleware rejects requests once the caller's bucket is exhausted.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := callerID(r)
		if !l.obtain(id).AllowN(l.now(), 1) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) obtain(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked()
	v, ok := l.visitors[id]
	if ok {
		v.lastSeen = l.now()
		return v.limiter
	}
	perSecond := float64(l.limit.PerMinute) / 60
	lim := rate.NewLimiter(rate.Limit(perSecond), l.limit.Burst)
	l.visitors[id] = &visitor{limiter: lim, lastSeen: l.now()}
	return lim
}

func (l *Limiter) evictLocked() {
	cutoff := l.now().Add(-10 * time.Minute)
	for id, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, id)
		}
	}
}

func callerID(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get("Authorization")); token != "" {
		return "auth:" + token
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if comma := strings.IndexByte(ip, ','); comma > 0 {
			ip = strings.TrimSpace(ip[:comma])
		}
		if parsed := net.ParseIP(strings.TrimSpace(ip)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
