package middleware

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/media-storage-gateway/internal/config"
)

// SecurityHeadersMiddleware adds security headers suitable for a JSON API.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			// Responses are data only; nothing may be loaded or framed.
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cross-Origin-Resource-Policy", "same-origin")

			next.ServeHTTP(w, r)
		})
	}
}

// RecoveryMiddleware turns handler panics into 500 responses.
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.WithFields(logrus.Fields{
						"method": r.Method,
						"path":   r.URL.Path,
						"panic":  fmt.Sprint(rec),
						"stack":  string(debug.Stack()),
					}).Error("Recovered from handler panic")
					writeJSONError(w, http.StatusInternalServerError, "InternalError", "We encountered an internal error. Please try again.")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}

// RateLimiter is a fixed window request counter per client.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*clientWindow
	limit   int
	window  time.Duration
	now     func() time.Time
	logger  *logrus.Logger
}

type clientWindow struct {
	start time.Time
	count int
}

// pruneThreshold bounds how many idle clients are kept before stale windows are dropped.
const pruneThreshold = 4096

// NewRateLimiter creates a rate limiter allowing cfg.Limit requests per cfg.Window.
func NewRateLimiter(cfg *config.RateLimitConfig, logger *logrus.Logger) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*clientWindow),
		limit:   cfg.Limit,
		window:  cfg.Window,
		now:     time.Now,
		logger:  logger,
	}
}

// Allow reports whether one more request from key fits in its current window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= rl.window {
		if !ok && len(rl.windows) >= pruneThreshold {
			rl.prune(now)
		}
		rl.windows[key] = &clientWindow{start: now, count: 1}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// prune drops windows that have already ended. Callers hold mu.
func (rl *RateLimiter) prune(now time.Time) {
	for key, w := range rl.windows {
		if now.Sub(w.start) >= rl.window {
			delete(rl.windows, key)
		}
	}
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// getClientKey identifies the client by its first forwarded address or the peer address.
func getClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimitMiddleware creates a middleware that enforces rate limiting.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := getClientKey(r)

			if !limiter.Allow(clientKey) {
				limiter.logger.WithFields(logrus.Fields{
					"client": clientKey,
					"path":   r.URL.Path,
				}).Warn("Rate limit exceeded")

				w.Header().Set("Retry-After", strconv.Itoa(int(limiter.window.Seconds())))
				writeJSONError(w, http.StatusTooManyRequests, "SlowDown", "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
