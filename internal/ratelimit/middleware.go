package ratelimit

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Middleware applies per-caller rate limiting to an HTTP handler chain.
// The caller key prefers the user id extracted by keyFn and falls back to
// the client IP.
type Middleware struct {
	limiter *Limiter
	keyFn   func(*http.Request) string
	logger  *log.Logger
}

// NewMiddleware builds rate limiting middleware. keyFn may be nil, in which
// case only the client IP is used.
func NewMiddleware(limiter *Limiter, keyFn func(*http.Request) string, logger *log.Logger) *Middleware {
	return &Middleware{limiter: limiter, keyFn: keyFn, logger: logger}
}

// Wrap enforces the limit before calling next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.callerKey(r)
		if !m.limiter.Allow(key) {
			if m.logger != nil {
				m.logger.Printf("rate limit exceeded key=%s path=%s", key, r.URL.Path)
			}
			retry := m.limiter.RetryAfter(key)
			m.setHeaders(w, key)
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "rate limit exceeded"})
			return
		}
		m.setHeaders(w, key)
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) callerKey(r *http.Request) string {
	if m.keyFn != nil {
		if key := m.keyFn(r); key != "" {
			return "user:" + key
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (m *Middleware) setHeaders(w http.ResponseWriter, key string) {
	limit := m.limiter.Limit()
	remaining := m.limiter.Remaining(key)
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", remaining))
	if remaining < 1 {
		reset := time.Now().Add(m.limiter.RetryAfter(key))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	}
}
