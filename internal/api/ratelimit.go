package api

import (
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"weight-atlas/internal/metrics"
)

// RateLimitConfig configures the per-IP request limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64 // per client IP, for model and plot routes
	Burst             int

	// ViewportRequestsPerSecond and ViewportBurst size a separate bucket for
	// pan/zoom traffic (viewport, frame, point, mix). Zero uses the general
	// limits.
	ViewportRequestsPerSecond float64
	ViewportBurst             int

	CleanupInterval time.Duration // how often idle limiters are dropped
}

// DefaultRateLimitConfig allows a panning client roughly two viewport
// updates per frame at 60 fps, and far fewer loads and plots.
var DefaultRateLimitConfig = RateLimitConfig{
	RequestsPerSecond:         20,
	Burst:                     40,
	ViewportRequestsPerSecond: 120,
	ViewportBurst:             240,
	CleanupInterval:           5 * time.Minute,
}

// Route classes with independent buckets.
const (
	classGeneral  = "general"
	classViewport = "viewport"
)

// routeClass maps a request to its bucket. Pan/zoom routes get their own.
func routeClass(r *http.Request) string {
	switch p := r.URL.Path; {
	case p == "/api/viewport", p == "/api/point", p == "/api/mix",
		strings.HasPrefix(p, "/api/frame"):
		return classViewport
	default:
		return classGeneral
	}
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// IPRateLimiter rate-limits HTTP requests per client IP and route class.
type IPRateLimiter struct {
	limiters sync.Map // map[string]*ipLimiterEntry, keyed by class + "|" + ip
	config   RateLimitConfig
	stopChan chan struct{}
	stopOnce sync.Once

	allowed  sync.Map // map[string]*atomic.Uint64 per class
	rejected sync.Map
}

// NewIPRateLimiter creates a limiter and starts its cleanup goroutine.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRateLimitConfig.CleanupInterval
	}
	if cfg.ViewportRequestsPerSecond <= 0 {
		cfg.ViewportRequestsPerSecond, cfg.ViewportBurst = cfg.RequestsPerSecond, cfg.Burst
	}
	rl := &IPRateLimiter{
		config:   cfg,
		stopChan: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop stops the cleanup goroutine.
func (rl *IPRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopChan)
	})
}

func (rl *IPRateLimiter) newLimiter(class string) *rate.Limiter {
	if class == classViewport {
		return rate.NewLimiter(rate.Limit(rl.config.ViewportRequestsPerSecond), max(rl.config.ViewportBurst, 1))
	}
	return rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), max(rl.config.Burst, 1))
}

func (rl *IPRateLimiter) getLimiter(class, ip string) *rate.Limiter {
	now := time.Now().UnixNano()
	key := class + "|" + ip

	if v, ok := rl.limiters.Load(key); ok {
		e := v.(*ipLimiterEntry)
		e.lastSeen.Store(now)
		return e.limiter
	}

	e := &ipLimiterEntry{limiter: rl.newLimiter(class)}
	e.lastSeen.Store(now)
	actual, _ := rl.limiters.LoadOrStore(key, e)
	return actual.(*ipLimiterEntry).limiter
}

func (rl *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopChan:
			return
		case <-ticker.C:
			rl.cleanup(time.Now())
		}
	}
}

// cleanup drops limiters idle for two intervals.
func (rl *IPRateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-2 * rl.config.CleanupInterval).UnixNano()
	rl.limiters.Range(func(key, value interface{}) bool {
		if value.(*ipLimiterEntry).lastSeen.Load() < cutoff {
			rl.limiters.Delete(key)
		}
		return true
	})
}

func incClass(m *sync.Map, class string) {
	v, _ := m.LoadOrStore(class, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

// Allow reports whether a general request from ip may proceed.
func (rl *IPRateLimiter) Allow(ip string) bool {
	return rl.allow(classGeneral, ip)
}

// AllowViewport reports whether a pan/zoom request from ip may proceed.
func (rl *IPRateLimiter) AllowViewport(ip string) bool {
	return rl.allow(classViewport, ip)
}

func (rl *IPRateLimiter) allow(class, ip string) bool {
	if rl.getLimiter(class, ip).Allow() {
		incClass(&rl.allowed, class)
		return true
	}
	incClass(&rl.rejected, class)
	return false
}

// Middleware rejects over-limit requests with 429.
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(routeClass(r), GetClientIP(r)) {
			metrics.RecordConnectionRejected("rate_limit")
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetStats returns limiter counters: totals plus one pair per route class.
func (rl *IPRateLimiter) GetStats() map[string]uint64 {
	stats := map[string]uint64{"allowed": 0, "rejected": 0}
	for _, c := range []struct {
		name string
		m    *sync.Map
	}{{"allowed", &rl.allowed}, {"rejected", &rl.rejected}} {
		c.m.Range(func(class, v interface{}) bool {
			n := v.(*atomic.Uint64).Load()
			stats[c.name] += n
			stats[c.name+"_"+class.(string)] = n
			return true
		})
	}
	return stats
}

// GetClientIP extracts the client IP, honouring X-Forwarded-For and
// X-Real-IP. Those headers can be spoofed unless a trusted proxy sets them.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ConnLimiter caps concurrent WebSocket connections per IP.
type ConnLimiter struct {
	connections sync.Map // map[string]*atomic.Int32
	maxPerIP    int32

	rejectedCount uint64 // atomic
}

// NewConnLimiter creates a limiter allowing maxPerIP connections per IP.
func NewConnLimiter(maxPerIP int) *ConnLimiter {
	return &ConnLimiter{maxPerIP: int32(maxPerIP)}
}

// Acquire reserves a connection slot for ip.
func (l *ConnLimiter) Acquire(ip string) bool {
	v, _ := l.connections.LoadOrStore(ip, new(atomic.Int32))
	counter := v.(*atomic.Int32)
	for {
		cur := counter.Load()
		if cur >= l.maxPerIP {
			atomic.AddUint64(&l.rejectedCount, 1)
			return false
		}
		if counter.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release frees a slot reserved by Acquire.
func (l *ConnLimiter) Release(ip string) {
	if v, ok := l.connections.Load(ip); ok {
		v.(*atomic.Int32).Add(-1)
	}
}

// Count returns the open connections for ip.
func (l *ConnLimiter) Count(ip string) int {
	if v, ok := l.connections.Load(ip); ok {
		return int(v.(*atomic.Int32).Load())
	}
	return 0
}

// OriginPolicy decides which browser origins may open WebSockets. Patterns
// use the same wildcard syntax as the CORS middleware ("http://localhost:*").
type OriginPolicy struct {
	patterns []string
}

// NewOriginPolicy creates a policy from allowed origin patterns.
func NewOriginPolicy(patterns []string) OriginPolicy {
	return OriginPolicy{patterns: append([]string(nil), patterns...)}
}

// Allowed reports whether origin matches any pattern. Requests without an
// Origin header (non-browser clients) are allowed.
func (p OriginPolicy) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, pat := range p.patterns {
		if pat == "*" || pat == origin {
			return true
		}
		if ok, err := path.Match(pat, origin); err == nil && ok {
			return true
		}
	}
	return false
}
