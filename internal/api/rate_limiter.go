package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	clientIdleTTL   = 10 * time.Minute
	clientSweepTick = time.Minute
)

type clientBucket struct {
	limiter *rate.Limiter
	seenAt  time.Time
}

// apiRateLimiter keeps one token bucket per caller address. Requests for which
// exempt returns true (the tick dispatcher) are never throttled.
type apiRateLimiter struct {
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	clients   map[string]*clientBucket
	lastSweep time.Time
	now       func() time.Time
	exempt    func(*http.Request) bool
	onLimited func()
}

func newAPIRateLimiter(requestsPerSec float64, burst int) *apiRateLimiter {
	if requestsPerSec <= 0 || burst <= 0 {
		return nil
	}

	return &apiRateLimiter{
		rps:     rate.Limit(requestsPerSec),
		burst:   burst,
		clients: make(map[string]*clientBucket),
		now:     time.Now,
	}
}

func (l *apiRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.exempt != nil && l.exempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		if l.allow(clientAddress(r)) {
			next.ServeHTTP(w, r)
			return
		}

		if l.onLimited != nil {
			l.onLimited()
		}
		w.Header().Set("Retry-After", strconv.Itoa(l.retryAfterSeconds()))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
	})
}

func (l *apiRateLimiter) allow(clientID string) bool {
	if clientID == "" {
		clientID = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= clientSweepTick {
		l.sweepLocked(now)
	}

	bucket, ok := l.clients[clientID]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[clientID] = bucket
	}
	bucket.seenAt = now
	return bucket.limiter.AllowN(now, 1)
}

func (l *apiRateLimiter) sweepLocked(now time.Time) {
	for clientID, bucket := range l.clients {
		if now.Sub(bucket.seenAt) > clientIdleTTL {
			delete(l.clients, clientID)
		}
	}
	l.lastSweep = now
}

func (l *apiRateLimiter) retryAfterSeconds() int {
	seconds := int(1 / float64(l.rps))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// clientAddress resolves the caller from proxy headers before falling back to
// the socket peer.
func clientAddress(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil && host != "" {
		return host
	}
	return remote
}
