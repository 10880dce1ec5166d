package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Limiter is a fixed-window per-IP rate limiter. Windows reset lazily when
// an IP next shows up; stale buckets are pruned opportunistically so the map
// does not grow with one-off visitors.
type Limiter struct {
	limit int
	per   time.Duration

	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count int
	reset time.Time
}

// NewLimiter allows limit requests per IP inside each window of length per.
func NewLimiter(limit int, per time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		per:     per,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow records one request for ip and reports whether it is inside the
// window budget.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w, ok := l.windows[ip]
	if !ok || now.After(w.reset) {
		if len(l.windows) > 1024 {
			l.prune(now)
		}
		w = &window{reset: now.Add(l.per)}
		l.windows[ip] = w
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// prune drops expired windows; callers hold the mutex.
func (l *Limiter) prune(now time.Time) {
	for ip, w := range l.windows {
		if now.After(w.reset) {
			delete(l.windows, ip)
		}
	}
}

// Middleware rejects over-budget requests with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		for _, part := range strings.Split(xf, ",") {
			if ip := strings.TrimSpace(part); net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && net.ParseIP(host) != nil {
		return host
	}
	return r.RemoteAddr
}
