package api

import (
	"crypto/subtle"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/contestlabs/indexer/internal/apperr"
)

// rateLimiter enforces a per-client sliding window on control endpoints.
// Windows are tracked per remote address (or bearer token when present) and
// garbage-collected in the background.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	limit   int
	logger  *log.Logger
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	rl := &rateLimiter{
		windows: make(map[string]*rateWindow),
		limit:   perMinute,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

// allow reports whether the request fits the window; when it does not, the
// second return value says how long until the window resets.
func (rl *rateLimiter) allow(key string) (bool, time.Duration) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.windowStart) > time.Minute {
		rl.windows[key] = &rateWindow{count: 1, windowStart: now}
		return true, 0
	}

	w.count++
	if w.count > rl.limit {
		return false, time.Minute - now.Sub(w.windowStart)
	}
	return true, 0
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-2 * time.Minute)
		rl.mu.Lock()
		for key, w := range rl.windows {
			if w.windowStart.Before(cutoff) {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if ok, retryAfter := s.limiter.allow(key); !ok {
			ms := retryAfter.Milliseconds()
			if ms < 1000 {
				ms = 1000
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", (ms+999)/1000))
			writeError(w, &apperr.Error{
				Kind:         apperr.KindRateLimited,
				Message:      "rate limit exceeded",
				RetryAfterMs: ms,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware requires the configured bearer token on mutating control
// operations. Read-only endpoints stay open for dashboards and probes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeError(w, apperr.E(apperr.KindAuthRequired, "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
