package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rule is a fixed-window limit per client IP. Zero Requests disables it.
type Rule struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// RateLimitConfig holds the default rule and named overrides.
type RateLimitConfig struct {
	Default Rule            `yaml:"default"`
	Rules   map[string]Rule `yaml:"rules"`
	// TrustForwarded takes the client IP from X-Forwarded-For. Enable only
	// behind a proxy that sets it.
	TrustForwarded bool `yaml:"trust_forwarded"`
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter counts requests per client IP and rule name.
type RateLimiter struct {
	cfg    RateLimitConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	lastGC  time.Time
}

// NewRateLimiter creates a limiter. A nil logger uses slog.Default().
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	for name, r := range cfg.Rules {
		if r.Window <= 0 {
			r.Window = time.Minute
			cfg.Rules[name] = r
		}
	}
	if cfg.Default.Window <= 0 {
		cfg.Default.Window = time.Minute
	}
	return &RateLimiter{cfg: cfg, logger: logger, now: time.Now, buckets: make(map[string]*bucket)}
}

// SetClock replaces the time source.
func (rl *RateLimiter) SetClock(now func() time.Time) { rl.now = now }

func (rl *RateLimiter) rule(name string) Rule {
	if r, ok := rl.cfg.Rules[name]; ok {
		return r
	}
	return rl.cfg.Default
}

// Allow records one request of ip under name and reports whether it fits
// the rule, with the time left in the window when it does not.
func (rl *RateLimiter) Allow(ip, name string) (bool, time.Duration) {
	r := rl.rule(name)
	if r.Requests <= 0 {
		return true, 0
	}
	now := rl.now()
	key := name + "|" + ip

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.gcLocked(now)

	b, ok := rl.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		rl.buckets[key] = &bucket{count: 1, resetAt: now.Add(r.Window)}
		return true, 0
	}
	b.count++
	if b.count > r.Requests {
		return false, b.resetAt.Sub(now)
	}
	return true, 0
}

// gcLocked drops expired buckets at most once a minute.
func (rl *RateLimiter) gcLocked(now time.Time) {
	if now.Sub(rl.lastGC) < time.Minute {
		return
	}
	rl.lastGC = now
	for k, b := range rl.buckets {
		if !now.Before(b.resetAt) {
			delete(rl.buckets, k)
		}
	}
}

// Limit returns middleware enforcing the rule called name. Blocked requests
// get 429 with a JSON error and Retry-After.
func (rl *RateLimiter) Limit(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, rl.cfg.TrustForwarded)
			ok, wait := rl.Allow(ip, name)
			if ok {
				next.ServeHTTP(w, r)
				return
			}
			rl.logger.Warn("shield: rate limited", "ip", ip, "rule", name, "path", r.URL.Path)
			secs := int(wait.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
		})
	}
}

// ClientIP returns the first X-Forwarded-For hop when trusted, else the
// RemoteAddr host.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
