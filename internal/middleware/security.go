package middleware

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// Rate limiter middleware
type RateLimiter struct {
	limiters map[string]*clientLimiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rps rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		rate:     rps,
		burst:    burst,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

func (rl *RateLimiter) getLimiter(clientIP string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, ok := rl.limiters[clientIP]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[clientIP] = entry
	}
	entry.lastSeen = rl.now()
	return entry.limiter
}

// sweep drops limiters idle for longer than limiterIdleTTL.
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-limiterIdleTTL)
	for ip, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
		}
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.sweep()
			case <-rl.stopCh:
				return
			}
		}
	}()

	return func(c *gin.Context) {
		limiter := rl.getLimiter(c.ClientIP())
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// postAllowlist names the non-API paths that accept POST.
var postAllowlist = map[string]bool{
	"/logout": true,
}

const contentSecurityPolicy = "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data: https:; connect-src 'self' ws: wss: https:; "

// SecurityHeaders applies the default headers with same-origin framing.
func SecurityHeaders() gin.HandlerFunc {
	return SecurityHeadersWithOptions(func() bool { return false })
}

// SecurityHeadersWithOptions blocks POSTs outside the API and sets the
// browser hardening headers. allowIFrame is read per request so the setting
// follows configuration reloads.
func SecurityHeadersWithOptions(allowIFrame func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost {
			path := c.Request.URL.Path
			if !strings.HasPrefix(path, "/api/") && !postAllowlist[path] {
				c.AbortWithStatusJSON(http.StatusMethodNotAllowed, gin.H{"error": "POST not allowed on non-API path", "path": path})
				return
			}
		}
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if allowIFrame != nil && allowIFrame() {
			c.Header("Content-Security-Policy", contentSecurityPolicy+"frame-ancestors *;")
		} else {
			c.Header("X-Frame-Options", "SAMEORIGIN")
			c.Header("Content-Security-Policy", contentSecurityPolicy+"frame-ancestors 'self';")
		}
		c.Next()
	}
}

// CORS answers cross-origin requests only for the console's own origin:
// the configured base URL or the host the request was addressed to. Other
// origins get no Access-Control headers, so browsers refuse credentialed
// reads.
func CORS(baseURL func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			c.Header("Vary", "Origin")
		}
		if origin != "" && originAllowed(origin, c.Request.Host, baseURL) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Expose-Headers", "X-Toast-Type, X-Toast-Title, X-Toast-Message")
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func originAllowed(origin, requestHost string, baseURL func() string) bool {
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" || (o.Scheme != "http" && o.Scheme != "https") {
		return false
	}
	if strings.EqualFold(o.Host, requestHost) {
		return true
	}
	if baseURL == nil {
		return false
	}
	b, err := url.Parse(strings.TrimSpace(baseURL()))
	if err != nil || b.Host == "" {
		return false
	}
	return strings.EqualFold(o.Scheme, b.Scheme) && strings.EqualFold(o.Host, b.Host)
}

// quietPrefixes are skipped by the request logger unless verbose logging is on.
var quietPrefixes = []string{"/healthz", "/readyz", "/static/", "/ws", "/favicon"}

// RequestLoggerWithOptions logs requests in a combined-log style. Paths in
// quietPrefixes are dropped unless verbose reports true; errors are always
// logged.
func RequestLoggerWithOptions(verbose func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		status := c.Writer.Status()
		if status < http.StatusBadRequest && (verbose == nil || !verbose()) {
			for _, prefix := range quietPrefixes {
				if strings.HasPrefix(path, prefix) {
					return
				}
			}
		}
		if raw := c.Request.URL.RawQuery; raw != "" && (verbose != nil && verbose()) {
			path += "?" + raw
		}
		fmt.Fprintf(gin.DefaultWriter, "%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			c.ClientIP(),
			start.Format(time.RFC1123),
			c.Request.Method,
			path,
			c.Request.Proto,
			status,
			time.Since(start),
			c.Request.UserAgent(),
			c.Errors.ByType(gin.ErrorTypePrivate).String(),
		)
	}
}
