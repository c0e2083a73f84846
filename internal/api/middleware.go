package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const (
	defaultRateLimit = 5
	defaultRateBurst = 10
	clientIdleTTL    = 3 * time.Minute
)

type rateClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter applies a token bucket per remote IP. Idle clients are swept
// lazily, at most once a minute.
type IPLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*rateClient
	lastSweep time.Time
	now       func() time.Time
}

// NewIPLimiter allows rps requests per second with the given burst per IP.
// Non-positive values use 5 rps with a burst of 10.
func NewIPLimiter(rps float64, burst int) *IPLimiter {
	if rps <= 0 {
		rps = defaultRateLimit
	}
	if burst <= 0 {
		burst = defaultRateBurst
	}
	return &IPLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*rateClient),
		now:     time.Now,
	}
}

func (l *IPLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > time.Minute {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > clientIdleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &rateClient{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if !l.allow(ip) {
			w.Header().Set("Retry-After", "1")
			httpError(w, http.StatusTooManyRequests, "rate_limit_error", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
