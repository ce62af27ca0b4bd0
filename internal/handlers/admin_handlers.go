package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"atlas/internal/config"
	"atlas/internal/manager"
	"atlas/internal/middleware"
	"atlas/internal/version"
)

const overviewUpstreamTimeout = 5 * time.Second

type AdminHandlers struct {
	manager *manager.Manager
	hub     *middleware.Hub
	tester  *connectionTester
}

func NewAdminHandlers(mgr *manager.Manager, hub *middleware.Hub) *AdminHandlers {
	return &AdminHandlers{manager: mgr, hub: hub, tester: newConnectionTester(mgr)}
}

func (h *AdminHandlers) logf(format string, args ...interface{}) {
	if h == nil || h.manager == nil || h.manager.Log == nil {
		return
	}
	h.manager.Log.Write(fmt.Sprintf(format, args...))
}

func isEditableSection(name string) bool {
	for _, s := range config.EditableSections {
		if s == name {
			return true
		}
	}
	return false
}

// AdminGET renders the console shell; data is fetched by the page.
func (h *AdminHandlers) AdminGET(c *gin.Context) {
	cfg := h.manager.Snapshot()
	c.HTML(http.StatusOK, "admin.html", gin.H{
		"title":    "Admin",
		"branding": cfg.Branding,
		"username": c.GetString(middleware.ContextUsername),
		"role":     c.GetString(middleware.ContextRole),
		"sections": config.EditableSections,
		"version":  version.String(),
	})
}

// ConfigGET returns the document with secrets masked.
func (h *AdminHandlers) ConfigGET(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"config":     h.manager.Redacted(),
		"generation": h.manager.Generation(),
		"path":       h.manager.ConfigFile,
	})
}

// ConfigSectionPUT replaces one section. Masked secrets keep their stored
// values and the whole document is validated before it is written.
func (h *AdminHandlers) ConfigSectionPUT(c *gin.Context) {
	section := strings.ToLower(strings.TrimSpace(c.Param("section")))
	if !isEditableSection(section) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown configuration section"})
		return
	}
	raw, err := c.GetRawData()
	if err != nil || len(strings.TrimSpace(string(raw))) == 0 {
		respondError(c, http.StatusBadRequest, "Configuration", "request body required")
		return
	}
	actor := c.GetString(middleware.ContextUsername)
	if err := h.manager.UpdateSection(section, raw); err != nil {
		h.logf("Configuration section %s rejected for '%s': %v", section, actor, err)
		respondConfigError(c, "Configuration", err)
		return
	}
	h.logf("Configuration section %s updated by '%s'", section, actor)
	h.manager.Audit("config.updated", actor, fmt.Sprintf("Saved the %s section", section))
	ToastSuccess(c, "Configuration", fmt.Sprintf("Saved %s settings.", section))
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"section":    section,
		"config":     h.manager.Redacted(),
		"generation": h.manager.Generation(),
	})
}

// ConfigReloadPOST re-reads the file from disk.
func (h *AdminHandlers) ConfigReloadPOST(c *gin.Context) {
	actor := c.GetString(middleware.ContextUsername)
	if err := h.manager.Reload(); err != nil {
		h.logf("Configuration reload requested by '%s' failed: %v", actor, err)
		respondConfigError(c, "Reload", err)
		return
	}
	h.manager.Audit("config.reloaded", actor, "Reloaded configuration from disk")
	ToastInfo(c, "Configuration", "Reloaded from disk.")
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"config":     h.manager.Redacted(),
		"generation": h.manager.Generation(),
	})
}

// ConfigTestPOST runs a connection test; the body may carry unsaved values.
func (h *AdminHandlers) ConfigTestPOST(c *gin.Context) {
	target := strings.ToLower(strings.TrimSpace(c.Param("target")))
	switch target {
	case TestDatabase, TestAPI, TestAuth, TestCache:
	default:
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown test target"})
		return
	}
	runConnectionTest(c, h.tester, target, h.logf)
}

// UpstreamStatus summarizes the upstream API for the overview.
type UpstreamStatus struct {
	Configured bool   `json:"configured"`
	Healthy    bool   `json:"healthy"`
	Status     string `json:"status,omitempty"`
	Version    string `json:"version,omitempty"`
	Servers    *int   `json:"servers,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (h *AdminHandlers) upstream(ctx context.Context) UpstreamStatus {
	client, err := h.manager.API()
	if err != nil {
		return UpstreamStatus{Error: err.Error()}
	}
	out := UpstreamStatus{Configured: true}
	ctx, cancel := context.WithTimeout(ctx, overviewUpstreamTimeout)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Healthy = true
	out.Status = health.Status
	out.Version = health.Version
	if servers, err := client.ListServers(ctx); err == nil {
		n := len(servers)
		out.Servers = &n
	}
	return out
}

// OverviewGET reports user counts, upstream health, storage mode and the
// recent activity feed.
func (h *AdminHandlers) OverviewGET(c *gin.Context) {
	ctx := c.Request.Context()
	cfg := h.manager.Snapshot()

	resp := gin.H{
		"app_name":       cfg.Branding.AppName,
		"version":        version.String(),
		"storage_mode":   cfg.Storage.Mode,
		"auth_provider":  cfg.Auth.Provider,
		"database":       cfg.Database.Driver,
		"upstream":       h.upstream(ctx),
		"notifications":  h.manager.RecentNotifications(recentLimit(c)),
		"ws_clients":     0,
		"setup_complete": cfg.SetupComplete,
	}
	if h.hub != nil {
		resp["ws_clients"] = h.hub.GetClientCount()
	}
	if svc, err := h.manager.Auth(ctx); err != nil {
		resp["users_error"] = err.Error()
	} else if counts, err := svc.Counts(ctx); err != nil {
		resp["users_error"] = err.Error()
	} else {
		resp["users"] = counts
	}
	c.JSON(http.StatusOK, resp)
}

func recentLimit(c *gin.Context) int {
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
		return n
	}
	return 10
}

// SystemGET returns host telemetry for the console.
func (h *AdminHandlers) SystemGET(c *gin.Context) {
	t := h.manager.SystemTelemetry(c.Request.Context())
	if t == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "telemetry unavailable"})
		return
	}
	c.JSON(http.StatusOK, t)
}
