package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"atlas/internal/manager"
	"atlas/internal/middleware"
	"atlas/internal/version"
)

const readyTimeout = 3 * time.Second

type PublicHandlers struct {
	manager *manager.Manager
}

func NewPublicHandlers(mgr *manager.Manager) *PublicHandlers {
	return &PublicHandlers{manager: mgr}
}

func (h *PublicHandlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz returns 200 once setup has completed and the database answers;
// otherwise 503 with what is missing.
func (h *PublicHandlers) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	missing := []string{}
	if err := h.manager.CheckReady(ctx); err != nil {
		if errors.Is(err, manager.ErrSetupIncomplete) {
			missing = append(missing, "setup")
		} else {
			missing = append(missing, err.Error())
		}
	}
	status := http.StatusOK
	if len(missing) > 0 {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ready":   len(missing) == 0,
		"missing": missing,
	})
}

func (h *PublicHandlers) Version(c *gin.Context) {
	c.JSON(http.StatusOK, version.Current())
}

// BrandingGET exposes the branding section so pages can theme themselves
// before sign-in.
func (h *PublicHandlers) BrandingGET(c *gin.Context) {
	cfg := h.manager.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"branding":       cfg.Branding,
		"auth_provider":  cfg.Auth.Provider,
		"setup_complete": cfg.SetupComplete,
	})
}

// Root sends visitors to the wizard, the console or the login page.
func (h *PublicHandlers) Root(c *gin.Context) {
	if !h.manager.IsSetupComplete() {
		c.Redirect(http.StatusFound, "/setup")
		return
	}
	if token := middleware.TokenFromRequest(c); token != "" {
		if u, _, err := h.manager.Authenticate(c.Request.Context(), token); err == nil && u.IsAdmin() {
			c.Redirect(http.StatusFound, "/admin")
			return
		}
	}
	c.Redirect(http.StatusFound, "/login")
}
