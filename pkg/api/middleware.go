package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares outermost-first.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware emits one structured access-log line per request.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"remote", clientAddr(r),
				"duration", time.Since(start),
			)
		})
	}
}

// Limiter decides whether one more request from a client is admitted.
type Limiter interface {
	Allow(ctx context.Context, clientID string) (bool, error)
}

// LocalLimiter is a per-client token bucket held in process memory.
// Suitable for single-node deployments; multi-node deployments use the
// Redis-backed limiter.
type LocalLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*localBucket
	rps      rate.Limit
	burst    int
	lastSeen time.Duration
}

type localBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewLocalLimiter creates a limiter admitting rps requests per second with
// the given burst per client.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		buckets:  make(map[string]*localBucket),
		rps:      rate.Limit(rps),
		burst:    burst,
		lastSeen: 10 * time.Minute,
	}
}

// Allow implements Limiter. It never returns an error.
func (l *LocalLimiter) Allow(_ context.Context, clientID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[clientID]
	if !ok {
		if len(l.buckets) > 10000 {
			l.evictStale()
		}
		b = &localBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[clientID] = b
	}
	b.seen = time.Now()
	return b.limiter.Allow(), nil
}

func (l *LocalLimiter) evictStale() {
	cutoff := time.Now().Add(-l.lastSeen)
	for id, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}

// RateLimitMiddleware enforces per-client rate limiting. The client key is
// the authenticated subject when present, the remote IP otherwise. Limiter
// errors fail open so a limiter outage cannot take the API down with it.
func RateLimitMiddleware(limiter Limiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			clientID := clientAddr(r)
			if sub, ok := SubjectFrom(r.Context()); ok {
				clientID = sub
			}
			allowed, err := limiter.Allow(r.Context(), clientID)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				WriteTooManyRequests(w, 1)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
