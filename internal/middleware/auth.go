package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"atlas/internal/auth"
)

const CookieName = "atlas_session"

// Context keys set by the auth middleware.
const (
	ContextUserID    = "user_id"
	ContextUsername  = "username"
	ContextRole      = "role"
	ContextSessionID = "session_id"
	ContextUser      = "user"
)

// Authenticator resolves a session token to its user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.User, *auth.Session, error)
}

// CookieOptions controls the session cookie attributes.
type CookieOptions struct {
	ForceSecure bool
	SameSite    string
	MaxAge      time.Duration
}

type AuthService struct {
	authn   Authenticator
	cookies func() CookieOptions
	now     func() time.Time

	mu          sync.Mutex
	apiFailures map[string]*apiFailure
	lastSweep   time.Time
}

// failureWindow is how long a failure counts toward a lockout.
const failureWindow = 5 * time.Minute

type apiFailure struct {
	count        int
	lastAttempt  time.Time
	lockoutUntil time.Time
}

// NewAuthService builds the middleware set. cookies is read on every
// response so cookie settings follow configuration reloads.
func NewAuthService(authn Authenticator, cookies func() CookieOptions) *AuthService {
	if cookies == nil {
		cookies = func() CookieOptions { return CookieOptions{} }
	}
	return &AuthService{
		authn:       authn,
		cookies:     cookies,
		now:         time.Now,
		apiFailures: make(map[string]*apiFailure),
	}
}

// Helper to detect if current request is effectively HTTPS (behind proxy or direct)
func requestIsSecure(c *gin.Context) bool {
	if c.Request.TLS != nil {
		return true
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); strings.EqualFold(proto, "https") {
		return true
	}
	return false
}

func resolveSameSite(value string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "none":
		return http.SameSiteNoneMode
	case "strict":
		return http.SameSiteStrictMode
	case "default":
		return http.SameSiteDefaultMode
	default:
		return http.SameSiteLaxMode
	}
}

func (a *AuthService) cookie(c *gin.Context, value string, maxAge int) *http.Cookie {
	opts := a.cookies()
	secure := opts.ForceSecure || requestIsSecure(c)
	sameSite := resolveSameSite(opts.SameSite)
	// SameSite=None requires Secure=true
	if sameSite == http.SameSiteNoneMode && !secure {
		sameSite = http.SameSiteLaxMode
	}
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: sameSite,
		MaxAge:   maxAge,
	}
}

// SetAuthCookie stores the session token in an HttpOnly cookie.
func (a *AuthService) SetAuthCookie(c *gin.Context, token string) {
	maxAge := a.cookies().MaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	http.SetCookie(c.Writer, a.cookie(c, token, int(maxAge.Seconds())))
}

// ClearAuthCookie expires the session cookie using the same attributes.
func (a *AuthService) ClearAuthCookie(c *gin.Context) {
	http.SetCookie(c.Writer, a.cookie(c, "", -1))
}

// TokenFromRequest returns the bearer token or, failing that, the session cookie.
func TokenFromRequest(c *gin.Context) string {
	if h := strings.TrimSpace(c.GetHeader("Authorization")); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return h
	}
	if token, err := c.Cookie(CookieName); err == nil {
		return token
	}
	return ""
}

func setIdentity(c *gin.Context, user *auth.User, session *auth.Session) {
	c.Set(ContextUser, user)
	c.Set(ContextUserID, user.ID)
	c.Set(ContextUsername, user.Email)
	c.Set(ContextRole, string(user.Role))
	if session != nil {
		c.Set(ContextSessionID, session.ID)
	}
}

// CurrentUser returns the user attached by RequireAuth or RequireAPIAuth.
func CurrentUser(c *gin.Context) *auth.User {
	if v, ok := c.Get(ContextUser); ok {
		if u, ok := v.(*auth.User); ok {
			return u
		}
	}
	return nil
}

// isCredentialError reports whether err means the caller's token is bad
// rather than the backing store being unavailable.
func isCredentialError(err error) bool {
	return errors.Is(err, auth.ErrInvalidToken) ||
		errors.Is(err, auth.ErrSessionExpired) ||
		errors.Is(err, auth.ErrSessionNotFound) ||
		errors.Is(err, auth.ErrNotFound)
}

// RequireAuth protects HTML pages, redirecting to /login when unauthenticated.
func (a *AuthService) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c)
		if token == "" {
			c.Redirect(http.StatusFound, "/login?redirect="+url.QueryEscape(c.Request.URL.Path))
			c.Abort()
			return
		}
		user, session, err := a.authn.Authenticate(c.Request.Context(), token)
		if err != nil {
			if isCredentialError(err) || errors.Is(err, auth.ErrBanned) {
				a.ClearAuthCookie(c)
			}
			c.Redirect(http.StatusFound, "/login?redirect="+url.QueryEscape(c.Request.URL.Path))
			c.Abort()
			return
		}
		setIdentity(c, user, session)
		c.Next()
	}
}

// RequireAPIAuth protects JSON endpoints. Repeated failures from one client
// trigger a growing lockout.
func (a *AuthService) RequireAPIAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := a.apiFailureKey(c)
		if retryAfter, locked := a.checkAPILockout(key); locked {
			abortLocked(c, retryAfter)
			return
		}

		token := TokenFromRequest(c)
		if token == "" {
			if retryAfter, locked := a.recordAPIFailure(key); locked {
				abortLocked(c, retryAfter)
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header or cookie required"})
			return
		}

		user, session, err := a.authn.Authenticate(c.Request.Context(), token)
		if err != nil {
			var banned *auth.BannedError
			switch {
			case errors.As(err, &banned):
				a.ClearAuthCookie(c)
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account banned", "reason": banned.Reason, "ban_expires": banned.Expires})
			case isCredentialError(err):
				if retryAfter, locked := a.recordAPIFailure(key); locked {
					abortLocked(c, retryAfter)
					return
				}
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "authentication unavailable"})
			}
			return
		}

		a.clearAPIFailures(key)
		setIdentity(c, user, session)
		c.Next()
	}
}

func abortLocked(c *gin.Context, retryAfter time.Duration) {
	c.Header("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "Too many unauthorized attempts",
		"retry_after": int(retryAfter.Seconds()),
	})
}

func (a *AuthService) apiFailureKey(c *gin.Context) string {
	return c.ClientIP()
}

func (a *AuthService) checkAPILockout(key string) (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.apiFailures[key]
	if !ok {
		return 0, false
	}
	now := a.now()
	if rec.lockoutUntil.After(now) {
		return rec.lockoutUntil.Sub(now), true
	}
	return 0, false
}

// RecordFailure counts a failed credential check for the client, such as a
// wrong password on the login endpoint.
func (a *AuthService) RecordFailure(c *gin.Context) (time.Duration, bool) {
	return a.recordAPIFailure(a.apiFailureKey(c))
}

// Locked reports whether the client is currently locked out.
func (a *AuthService) Locked(c *gin.Context) (time.Duration, bool) {
	return a.checkAPILockout(a.apiFailureKey(c))
}

// ClearFailures resets the client's failure count after a successful sign-in.
func (a *AuthService) ClearFailures(c *gin.Context) {
	a.clearAPIFailures(a.apiFailureKey(c))
}

func (a *AuthService) recordAPIFailure(key string) (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if now.Sub(a.lastSweep) >= failureWindow {
		a.sweepFailuresLocked(now)
	}
	rec, ok := a.apiFailures[key]
	if !ok {
		rec = &apiFailure{}
		a.apiFailures[key] = rec
	}

	if rec.lockoutUntil.After(now) {
		return rec.lockoutUntil.Sub(now), true
	}

	if now.Sub(rec.lastAttempt) > failureWindow {
		rec.count = 0
	}

	rec.lastAttempt = now
	rec.count++

	if rec.count >= 3 {
		lockout := time.Duration(rec.count) * 15 * time.Second
		if lockout > 2*time.Minute {
			lockout = 2 * time.Minute
		}
		rec.lockoutUntil = now.Add(lockout)
		rec.count = 0
		return lockout, true
	}

	return 0, false
}

// sweepFailuresLocked drops clients whose failures have aged out and whose
// lockout has ended.
func (a *AuthService) sweepFailuresLocked(now time.Time) {
	a.lastSweep = now
	for key, rec := range a.apiFailures {
		if now.Sub(rec.lastAttempt) > failureWindow && !rec.lockoutUntil.After(now) {
			delete(a.apiFailures, key)
		}
	}
}

func (a *AuthService) clearAPIFailures(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.apiFailures, key)
}
