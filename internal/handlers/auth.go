package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"

	"atlas/internal/auth"
	"atlas/internal/manager"
	"atlas/internal/middleware"
)

type AuthHandlers struct {
	authService *middleware.AuthService
	manager     *manager.Manager
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=320"`
	Password string `json:"password" validate:"required,max=1024"`
}

func NewAuthHandlers(authService *middleware.AuthService, mgr *manager.Manager) *AuthHandlers {
	return &AuthHandlers{authService: authService, manager: mgr}
}

func (h *AuthHandlers) logAuthEvent(format string, args ...interface{}) {
	if h == nil || h.manager == nil || h.manager.Log == nil {
		return
	}
	h.manager.Log.Write(fmt.Sprintf(format, args...))
}

// safeRedirect only allows local absolute paths.
func safeRedirect(target, fallback string) string {
	target = strings.TrimSpace(target)
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.Contains(target, "\\") {
		return fallback
	}
	// browsers drop tabs and newlines, so "/\t/host" would become "//host"
	if strings.ContainsFunc(target, unicode.IsControl) {
		return fallback
	}
	if u, err := url.Parse(target); err != nil || u.Scheme != "" || u.Host != "" {
		return fallback
	}
	return target
}

func landingPage(u *auth.User) string {
	if u.IsAdmin() {
		return "/admin"
	}
	return "/"
}

func (h *AuthHandlers) LoginGET(c *gin.Context) {
	// Already signed in: skip the form
	if token := middleware.TokenFromRequest(c); token != "" {
		if u, _, err := h.manager.Authenticate(c.Request.Context(), token); err == nil && u.IsAdmin() {
			c.Redirect(http.StatusFound, safeRedirect(c.Query("redirect"), "/admin"))
			return
		}
	}

	cfg := h.manager.Snapshot()
	c.HTML(http.StatusOK, "login.html", gin.H{
		"title":    "Sign in",
		"branding": cfg.Branding,
		"provider": cfg.Auth.Provider,
		"redirect": c.Query("redirect"),
		"error":    c.Query("error"),
	})
}

// APILogin signs a user in with email and password. The token is returned in
// the body and set as the session cookie.
func (h *AuthHandlers) APILogin(c *gin.Context) {
	if retryAfter, locked := h.authService.Locked(c); locked {
		c.Header("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
		respondError(c, http.StatusTooManyRequests, "Sign in", "Too many failed attempts; try again later")
		return
	}

	var req LoginRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	email := strings.ToLower(middleware.SanitizeString(req.Email))

	ctx := c.Request.Context()
	svc, err := h.manager.Auth(ctx)
	if err != nil {
		h.logAuthEvent("API login unavailable for %s: %v", email, err)
		respondError(c, http.StatusServiceUnavailable, "Sign in", "authentication unavailable")
		return
	}

	token, user, session, err := svc.SignIn(ctx, email, req.Password, auth.SignInMeta{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		var banned *auth.BannedError
		switch {
		case errors.As(err, &banned):
			h.logAuthEvent("API login refused for banned user '%s' from %s", email, c.ClientIP())
			ToastError(c, "Sign in", banned.Error())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account banned", "reason": banned.Reason, "ban_expires": banned.Expires})
		case errors.Is(err, auth.ErrInvalidCredentials):
			h.logAuthEvent("API login failed for '%s' from %s", email, c.ClientIP())
			if retryAfter, locked := h.authService.RecordFailure(c); locked {
				c.Header("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				respondError(c, http.StatusTooManyRequests, "Sign in", "Too many failed attempts; try again later")
				return
			}
			respondError(c, http.StatusUnauthorized, "Sign in", "Invalid email or password")
		default:
			h.logAuthEvent("API login error for '%s': %v", email, err)
			respondError(c, http.StatusInternalServerError, "Sign in", "sign in failed")
		}
		return
	}

	h.authService.ClearFailures(c)
	h.authService.SetAuthCookie(c, token)
	h.logAuthEvent("API login successful for user '%s' from %s", email, c.ClientIP())

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"user":       user,
		"expires_at": session.ExpiresAt,
		"redirect":   safeRedirect(c.Query("redirect"), landingPage(user)),
	})
}

// APILogout revokes the current session. It succeeds even without a valid
// session so the cookie is always cleared.
func (h *AuthHandlers) APILogout(c *gin.Context) {
	ctx := c.Request.Context()
	if token := middleware.TokenFromRequest(c); token != "" {
		if u, session, err := h.manager.Authenticate(ctx, token); err == nil && session != nil {
			if svc, err := h.manager.Auth(ctx); err == nil {
				if err := svc.SignOut(ctx, session.ID); err != nil && !errors.Is(err, auth.ErrSessionNotFound) {
					h.logAuthEvent("Logout for '%s' could not revoke session: %v", u.Email, err)
				}
			}
			h.logAuthEvent("User '%s' logged out", u.Email)
		}
	}
	h.authService.ClearAuthCookie(c)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "redirect": "/login"})
}

// APIMe returns the signed-in user.
func (h *AuthHandlers) APIMe(c *gin.Context) {
	u := middleware.CurrentUser(c)
	if u == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not signed in"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":       u,
		"session_id": c.GetString(middleware.ContextSessionID),
	})
}
