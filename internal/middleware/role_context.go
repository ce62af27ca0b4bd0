package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func wantsJSON(c *gin.Context) bool {
	if strings.HasPrefix(c.Request.URL.Path, "/api/") {
		return true
	}
	accept := strings.ToLower(c.GetHeader("Accept"))
	return strings.Contains(accept, "application/json") ||
		strings.EqualFold(c.GetHeader("X-Requested-With"), "XMLHttpRequest")
}

func denyToast(c *gin.Context, title, msg string) {
	c.Header("X-Toast-Type", "error")
	c.Header("X-Toast-Title", title)
	c.Header("X-Toast-Message", msg)
}

// RequireAdmin rejects callers whose role is not admin. It expects an upstream
// auth middleware to have set the role.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextRole) != "admin" {
			if wantsJSON(c) {
				denyToast(c, "Permission Denied", "Admin privileges required.")
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin required"})
				return
			}
			c.Redirect(http.StatusFound, "/login?error=admin")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireSetupPending allows the request only while the setup wizard has not
// finished. Pages redirect to /login afterwards; API calls get 409.
func RequireSetupPending(setupComplete func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if setupComplete() {
			if wantsJSON(c) {
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "setup already completed"})
				return
			}
			c.Redirect(http.StatusFound, "/login")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireSetupComplete sends every request to the wizard until setup finishes.
func RequireSetupComplete(setupComplete func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !setupComplete() {
			if wantsJSON(c) {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "setup not completed", "setup_url": "/setup"})
				return
			}
			c.Redirect(http.StatusFound, "/setup")
			c.Abort()
			return
		}
		c.Next()
	}
}
