package api

import (
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"vigilant/metrics"

	"golang.org/x/time/rate"
)

// rateLimitMiddleware applies a token bucket per client IP
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiters == nil {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		limiter, ok := a.limiters.Get(ip)
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(a.cfg.RequestsPerSecond), max(a.cfg.Burst, 1))
			a.limiters.Add(ip, limiter)
		}
		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "Too many requests", nil, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware turns a handler panic into a 500
func (a *API) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				metrics.GoroutinePanics.WithLabelValues("api").Inc()
				a.logger.Errorw("Recovered panic in HTTP handler",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()))
				writeError(w, http.StatusInternalServerError, "Internal server error", nil, nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Debugw("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote", clientIP(r))
	})
}

// clientIP returns the peer address. Forwarding headers are ignored: the
// API binds to loopback by default and has no trusted proxy list.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
