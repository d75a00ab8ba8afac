package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/docindex-go/internal/logging"
)

// defaultRateLimit is the number of requests per second allowed per IP on
// /api/v1 routes when no explicit limit is configured.
const defaultRateLimit = 10

// defaultRateBurst is the maximum burst size per IP when no explicit burst is
// configured.
const defaultRateBurst = 20

// staleAfter is how long an idle IP keeps its bucket.
const staleAfter = 5 * time.Minute

// ipLimiter holds a token-bucket rate limiter and the last time it was seen.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter enforces a per-IP token-bucket rate limit. Idle IP entries are
// evicted every minute to bound memory usage.
type rateLimiter struct {
	// mu protects the limiters map.
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rps      rate.Limit
	burst    int
	log      *slog.Logger
}

// newRateLimiter constructs a rateLimiter and starts the background eviction
// goroutine. The goroutine exits when the returned stop function is called.
func newRateLimiter(rps float64, burst int, log *slog.Logger) (*rateLimiter, func()) {
	rl := &rateLimiter{
		limiters: make(map[string]*ipLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		log:      log,
	}

	stopCh := make(chan struct{})
	var once sync.Once
	go rl.evictLoop(stopCh)

	return rl, func() { once.Do(func() { close(stopCh) }) }
}

func (rl *rateLimiter) getLimiter(ip string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

func (rl *rateLimiter) evictLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			rl.evict(now)
		}
	}
}

// evict removes entries not seen since now-staleAfter.
func (rl *rateLimiter) evict(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-staleAfter)
	n := 0
	for ip, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
			n++
		}
	}
	return n
}

// middleware rejects requests over the limit with 429 and a Retry-After
// header carrying the number of seconds until a token is available.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		ip := clientIP(r)
		res := rl.getLimiter(ip, now).ReserveN(now, 1)

		if delay := res.DelayFrom(now); !res.OK() || delay > 0 {
			res.CancelAt(now)
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(delay)))
			writeJSON(w, r, http.StatusTooManyRequests, errorResponse{
				Error: "rate limit exceeded",
				Code:  "rate_limited",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds rounds d up to whole seconds, at least 1.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 || d == rate.InfDuration {
		return 1
	}
	return max(1, int(math.Ceil(d.Seconds())))
}

// clientIP extracts the remote IP from the request, stripping the port.
// X-Forwarded-For is not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
