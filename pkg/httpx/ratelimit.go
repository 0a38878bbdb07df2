package httpx

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/authcore/pkg/slogx"
	"golang.org/x/time/rate"
)

// RateLimitConfig is a token bucket refilled at RequestsPerWindow per
// Window. A zero RequestsPerWindow disables limiting.
type RateLimitConfig struct {
	RequestsPerWindow int
	Window            time.Duration
	Burst             int // defaults to RequestsPerWindow
}

// PublicLimit suits public read-only endpoints such as the JWKS document.
var PublicLimit = RateLimitConfig{
	RequestsPerWindow: 1000,
	Window:            time.Minute,
	Burst:             1000,
}

// LenientLimit suits health probes that monitoring systems poll often.
var LenientLimit = RateLimitConfig{
	RequestsPerWindow: 300,
	Window:            time.Minute,
	Burst:             60,
}

func (c RateLimitConfig) enabled() bool {
	return c.RequestsPerWindow > 0 && c.Window > 0
}

func (c RateLimitConfig) limit() rate.Limit {
	return rate.Limit(float64(c.RequestsPerWindow) / c.Window.Seconds())
}

func (c RateLimitConfig) burst() int {
	if c.Burst > 0 {
		return c.Burst
	}
	return c.RequestsPerWindow
}

// KeyExtractor groups requests into buckets. An empty key skips limiting.
type KeyExtractor func(*http.Request) string

// IPKeyExtractor keys by client address, preferring the first hop of
// X-Forwarded-For, then X-Real-IP, then the socket peer.
func IPKeyExtractor(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// keyedLimiter holds one bucket per key. Buckets untouched for longer than
// idle are swept on the next sweep tick.
type keyedLimiter struct {
	cfg  RateLimitConfig
	idle time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	nextSweep time.Time
}

func newKeyedLimiter(cfg RateLimitConfig) *keyedLimiter {
	// A bucket idle for a whole window plus the burst refill is full again.
	idle := max(cfg.Window, 5*time.Minute)
	return &keyedLimiter{
		cfg:       cfg,
		idle:      idle,
		buckets:   make(map[string]*bucket),
		nextSweep: time.Now().Add(idle),
	}
}

// reserve takes a token for key. When none is available it returns the
// wait until the next one.
func (kl *keyedLimiter) reserve(key string, now time.Time) (bool, time.Duration) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	if now.After(kl.nextSweep) {
		for k, b := range kl.buckets {
			if now.Sub(b.lastSeen) > kl.idle {
				delete(kl.buckets, k)
			}
		}
		kl.nextSweep = now.Add(kl.idle)
	}

	b, ok := kl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(kl.cfg.limit(), kl.cfg.burst())}
		kl.buckets[key] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return true, 0
	}

	r := b.limiter.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// RateLimitMiddleware rejects requests over cfg with 429 and a Retry-After
// header. Requests for which keyFn returns "" pass through.
func RateLimitMiddleware(cfg RateLimitConfig, keyFn KeyExtractor) Middleware {
	if !cfg.enabled() {
		return func(next http.Handler) http.Handler { return next }
	}
	kl := newKeyedLimiter(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				slogx.FromContext(r.Context()).Warn("rate limit: no key for request, allowing")
				next.ServeHTTP(w, r)
				return
			}

			ok, wait := kl.reserve(key, time.Now())
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := max(int(wait.Round(time.Second).Seconds()), 1)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Window", cfg.Window.String())

			slogx.FromContext(r.Context()).Warn("rate limit exceeded",
				"key", key,
				"path", r.URL.Path,
				"retry_after", retryAfter,
			)
			WriteError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests. Please try again later.")
		})
	}
}

// RateLimitByIP limits per client address.
func RateLimitByIP(cfg RateLimitConfig) Middleware {
	return RateLimitMiddleware(cfg, IPKeyExtractor)
}
