package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tokenportal/portal/endpoint"
)

// RateLimiter throttles requests per client with a token bucket each.
// Idle buckets are dropped after window.
type RateLimiter struct {
	limit  rate.Limit
	burst  int
	window time.Duration
	now    func() time.Time
	trust  bool

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requestsPerMinute per client, with bursts of a tenth
// of that (at least one). It returns nil, a pass-through limiter, when
// requestsPerMinute is not positive.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		window:  5 * time.Minute,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// TrustProxy keys clients by X-Forwarded-For. Enable it only behind a
// reverse proxy that overwrites the header.
func (rl *RateLimiter) TrustProxy(trust bool) *RateLimiter {
	if rl != nil {
		rl.trust = trust
	}
	return rl
}

// Allow reports whether client may make another request now.
func (rl *RateLimiter) Allow(client string) bool {
	if rl == nil {
		return true
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.clients[client]
	if !ok {
		rl.cleanupLocked(now)
		entry = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[client] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) cleanupLocked(now time.Time) {
	for key, entry := range rl.clients {
		if now.Sub(entry.lastSeen) > rl.window {
			delete(rl.clients, key)
		}
	}
}

// retryAfter is the refill time of one token, in whole seconds.
func (rl *RateLimiter) retryAfter() string {
	return strconv.Itoa(int(math.Ceil(1 / float64(rl.limit))))
}

// Process implements endpoint.Processor, keyed by ClientIP.
func (rl *RateLimiter) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if !rl.Allow(ClientIP(r, rl.trust)) {
		w.Header().Set("Retry-After", rl.retryAfter())
		return endpoint.Error(http.StatusTooManyRequests, "too many requests, please slow down", nil)
	}
	return next(w, r)
}

// ClientIP returns the remote address of r. With trustProxy the first
// X-Forwarded-For hop is used when present.
func ClientIP(r *http.Request, trustProxy bool) string {
	if fwd := r.Header.Get("X-Forwarded-For"); trustProxy && fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var _ endpoint.Processor = (*RateLimiter)(nil)
