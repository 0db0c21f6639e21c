package httpapi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/tacmap/backend/internal/apperr"
	"github.com/tacmap/backend/internal/metrics"
	"github.com/tacmap/backend/internal/settings"
	"github.com/tacmap/backend/internal/vault"
)

type ctxKey int

const claimsKey ctxKey = iota

// claimsFrom returns the verified claims stashed by the auth middleware.
func claimsFrom(ctx context.Context) *vault.Claims {
	c, _ := ctx.Value(claimsKey).(*vault.Claims)
	return c
}

// ============================================================================
// RATE LIMITING
// ============================================================================

// rateLimiter is a per-key sliding window. Each key tracks its request
// timestamps inside the window; expired keys are garbage-collected
// periodically.
type rateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	max    int
	window time.Duration
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{hits: make(map[string][]time.Time), max: max, window: window}
	go rl.cleanup()
	return rl
}

// allow records one request for the key and reports whether it stays within
// the window limit.
func (rl *rateLimiter) allow(key string) bool {
	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	hits := rl.hits[key]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= rl.max {
		rl.hits[key] = kept
		return false
	}
	rl.hits[key] = append(kept, now)
	return true
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-rl.window)
		rl.mu.Lock()
		for key, hits := range rl.hits {
			if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
				delete(rl.hits, key)
			}
		}
		rl.mu.Unlock()
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

// apiLimit applies the general per-IP window to /api/*.
func (s *Server) apiLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			writeError(w, apperr.New(apperr.KindRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loginLimit applies the stricter dedicated window to credential attempts.
func (s *Server) loginLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.loginLimiter.allow(clientIP(r)) {
			writeError(w, apperr.New(apperr.KindRateLimited, "too many login attempts"))
			return
		}
		next(w, r)
	}
}

// cors reflects the configured origin. The persisted config entry wins over
// the environment fallback.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin, err := s.settings.GetString(r.Context(), settings.KeyCORSOrigin)
		if err != nil || origin == "" {
			origin = s.corsFallback
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// setupGate rejects everything outside the allowlist until one-shot setup
// has completed.
func (s *Server) setupGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.settings.SetupCompleted(r.Context()) && !setupAllowed(r.URL.Path) {
			writeJSON(w, http.StatusPreconditionRequired, map[string]string{
				"error":     "Setup required",
				"setupPath": "/setup",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func setupAllowed(path string) bool {
	return path == "/health" || path == "/metrics" ||
		path == "/setup" || strings.HasPrefix(path, "/setup/") ||
		strings.HasPrefix(path, "/api/setup/")
}

// auth requires a valid bearer token and stashes the claims.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			writeError(w, apperr.New(apperr.KindUnauthenticated, "missing bearer token"))
			return
		}
		claims, err := s.vault.Verify(r.Context(), strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// adminOnly requires the admin claim. Runs after auth.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r.Context())
		if claims == nil || !claims.Admin {
			writeError(w, apperr.New(apperr.KindForbidden, "admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request counts and latency per route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade pass through the instrumented writer.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
