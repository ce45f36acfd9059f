package transport

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// tokenBucket is a simple per-peer rate limiter, the same refill-on-read
// scheme as the teacher's internal/node/middleware.go RateLimiter, keyed
// here by peer address rather than arbitrary client IP — the mesh's
// inbound traffic is overwhelmingly other cells, not public clients.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
}

type rateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	rate    int
	burst   int
	stop    chan struct{}
}

func newRateLimiter(rate, burst int) *rateLimiter {
	rl := &rateLimiter{
		buckets: make(map[string]*tokenBucket),
		rate:    rate,
		burst:   burst,
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) allow(peer string) bool {
	rl.mu.Lock()
	bucket, ok := rl.buckets[peer]
	if !ok {
		bucket = &tokenBucket{tokens: rl.burst, lastRefill: time.Now()}
		rl.buckets[peer] = bucket
	}
	rl.mu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastRefill)
	refill := int(elapsed.Seconds() * float64(rl.rate))
	if refill > 0 {
		bucket.tokens += refill
		if bucket.tokens > rl.burst {
			bucket.tokens = rl.burst
		}
		bucket.lastRefill = now
	}
	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			rl.mu.Lock()
			for peer, bucket := range rl.buckets {
				bucket.mu.Lock()
				stale := bucket.lastRefill.Before(cutoff)
				bucket.mu.Unlock()
				if stale {
					delete(rl.buckets, peer)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

func (rl *rateLimiter) Close() { close(rl.stop) }

// securityMetrics mirrors the teacher's SecurityMetrics trio of counters.
type securityMetrics struct {
	rateLimited prometheus.Counter
	oversized   prometheus.Counter
	suspicious  prometheus.Counter
}

// newSecurityMetrics registers into registry (the owning Server's private
// Registry, see serverMetrics) instead of the global DefaultRegisterer —
// the same multiple-servers-in-one-process collision newServerMetrics
// avoids.
func newSecurityMetrics(registry *prometheus.Registry) *securityMetrics {
	m := &securityMetrics{
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rheo_rate_limited_requests_total",
			Help: "Total number of rate-limited inbound requests.",
		}),
		oversized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rheo_oversized_requests_total",
			Help: "Total number of oversized inbound requests rejected.",
		}),
		suspicious: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rheo_suspicious_requests_total",
			Help: "Total number of suspicious inbound requests rejected.",
		}),
	}
	registry.MustRegister(m.rateLimited, m.oversized, m.suspicious)
	return m
}

// securityMiddleware is the transport's defense-in-depth layer: rate
// limiting, max-request-size, and suspicious-request rejection, adapted
// from the teacher's internal/node/middleware.go SecurityMiddleware.
type securityMiddleware struct {
	limiter        *rateLimiter
	maxRequestSize int64
	metrics        *securityMetrics
}

func newSecurityMiddleware(rate, burst int, maxRequestSize int64, registry *prometheus.Registry) *securityMiddleware {
	return &securityMiddleware{
		limiter:        newRateLimiter(rate, burst),
		maxRequestSize: maxRequestSize,
		metrics:        newSecurityMetrics(registry),
	}
}

func (sm *securityMiddleware) Close() { sm.limiter.Close() }

func (sm *securityMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		peer := peerAddr(r)
		if !sm.limiter.allow(peer) {
			sm.metrics.rateLimited.Inc()
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if r.ContentLength > sm.maxRequestSize {
			sm.metrics.oversized.Inc()
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		if isSuspicious(r) {
			sm.metrics.suspicious.Inc()
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, sm.maxRequestSize)
		next.ServeHTTP(w, r)
	})
}

func peerAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Rheo-Peer"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var suspiciousPatterns = []string{
	"sqlmap", "nikto", "nmap", "masscan", "gobuster", "dirbuster", "<script",
	"union select", "../", "..\\", "/etc/passwd", "/proc/",
}

func isSuspicious(r *http.Request) bool {
	ua := strings.ToLower(r.Header.Get("User-Agent"))
	url := strings.ToLower(r.URL.String())
	for _, pattern := range suspiciousPatterns {
		if strings.Contains(ua, pattern) || strings.Contains(url, pattern) {
			return true
		}
	}
	return false
}

// corsMiddleware applies the permissive CORS policy required by §6.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+SignatureHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
