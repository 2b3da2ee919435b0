package api

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gin-gonic/gin"

	"github.com/opta-lmx/lmx/pkg/config"
)

const requestIDHeader = "X-Request-ID"

// requestIDMiddleware preserves an inbound X-Request-ID or mints one, and
// binds it into the structured log context for every handler downstream.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// mtlsMiddleware enforces cfg's mTLS mode against the request's verified
// client certificate. "off" is a no-op; "optional" records the subject
// when present but never rejects; "required" rejects a connection with no
// client certificate, and (only when an allow-list is configured) rejects
// an unlisted subject.
func mtlsMiddleware(cfg config.SecurityConfig) gin.HandlerFunc {
	allowed := map[string]bool{}
	for _, cn := range cfg.MTLSAllowedCNs {
		allowed[cn] = true
	}
	return func(c *gin.Context) {
		if cfg.MTLSMode == "" || cfg.MTLSMode == "off" {
			c.Next()
			return
		}

		var subject string
		if c.Request.TLS != nil && len(c.Request.TLS.PeerCertificates) > 0 {
			subject = c.Request.TLS.PeerCertificates[0].Subject.CommonName
		}

		if subject == "" {
			if cfg.MTLSMode == "required" {
				c.AbortWithStatusJSON(401, errorBody("missing client certificate", "mtls_required", ""))
				return
			}
			c.Next()
			return
		}

		c.Set("mtls_subject", subject)
		if cfg.MTLSMode == "required" && len(allowed) > 0 && !allowed[subject] {
			c.AbortWithStatusJSON(403, errorBody("client certificate subject not permitted", "mtls_denied", ""))
			return
		}
		c.Next()
	}
}

// requestLoggerMiddleware logs one structured line per request, skipping
// the liveness probe and the admin SSE stream (which would otherwise emit
// one entry per connection-lifetime, not per meaningful event).
func requestLoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/admin/events" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		slog.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString("request_id"),
		)
	}
}

// securityHeaders sets a fixed set of response headers hardening against
// clickjacking, MIME sniffing, and referrer/permission leakage. Applied
// globally since every route in this surface is API-shaped JSON/SSE, not
// browser-rendered HTML, so there's no per-route exception to carve out.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// rateLimiter is a per-process token bucket. The domain stack's
// dependency set has no golang.org/x/time/rate entry (see DESIGN.md);
// this is a deliberately small, single-bucket substitute rather than a
// per-client implementation, matching the spec's "rate limiter on chat
// completions" as one global knob rather than a fairness mechanism.
type rateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = int(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		tokens:   float64(burst),
		capacity: float64(burst),
		rate:     rps,
		last:     time.Now(),
	}
}

// allow reports whether a token is available, refilling the bucket for
// elapsed time first.
func (l *rateLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.last).Seconds()
	l.last = now
	l.tokens += elapsed * l.rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

// rateLimited wraps handler with the server's chat-completions rate
// limiter; a nil limiter (no RateLimitRPS configured) is a pass-through.
func (s *Server) rateLimited(handler gin.HandlerFunc) gin.HandlerFunc {
	if s.limiter == nil {
		return handler
	}
	return func(c *gin.Context) {
		if !s.limiter.allow() {
			c.AbortWithStatusJSON(429, errorBody("rate limit exceeded", "rate_limit_exceeded", ""))
			return
		}
		handler(c)
	}
}
