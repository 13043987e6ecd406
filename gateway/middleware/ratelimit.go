package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit configures a per-client token bucket for one route.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-client rate limits keyed by route. Clients are
// identified by X-Real-IP, the first X-Forwarded-For hop, or the remote
// address, in that order.
type RateLimiter struct {
	logger *slog.Logger
	limits map[string]RateLimit
	nowFn  func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor

	stopOnce sync.Once
	stop     chan struct{}
}

const (
	visitorIdleTTL     = 10 * time.Minute
	visitorSweepPeriod = time.Minute
)

// NewRateLimiter builds a limiter for the given route limits and starts its
// eviction sweeper. Call Stop when the limiter is no longer needed.
func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &RateLimiter{
		logger:   logger,
		limits:   limits,
		nowFn:    time.Now,
		visitors: make(map[string]*visitor),
		stop:     make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Stop terminates the eviction sweeper.
func (l *RateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Middleware limits requests for the named route. Routes without a
// configured limit pass through untouched.
func (l *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit, ok := l.limits[key]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			client := clientAddress(r)
			if !l.visitorLimiter(key+"|"+client, limit).Allow() {
				l.logger.Warn("rate limit exceeded", slog.String("route", key), slog.String("client", client))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *RateLimiter) visitorLimiter(id string, cfg RateLimit) *rate.Limiter {
	now := l.nowFn()
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.visitors[id]; ok {
		v.lastSeen = now
		return v.limiter
	}
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	v := &visitor{limiter: rate.NewLimiter(rate.Limit(perSecond), burst), lastSeen: now}
	l.visitors[id] = v
	return v.limiter
}

func (l *RateLimiter) sweep() {
	ticker := time.NewTicker(visitorSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := l.nowFn().Add(-visitorIdleTTL)
			l.mu.Lock()
			for id, v := range l.visitors {
				if v.lastSeen.Before(cutoff) {
					delete(l.visitors, id)
				}
			}
			l.mu.Unlock()
		}
	}
}

func clientAddress(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if comma := strings.IndexByte(forwarded, ','); comma >= 0 {
			first = forwarded[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
