package handlers

import (
	"github.com/gin-gonic/gin"

	"atlas/internal/manager"
	"atlas/internal/middleware"
)

// Deps are the shared services the handlers are built from.
type Deps struct {
	Manager     *manager.Manager
	AuthService *middleware.AuthService
	Hub         *middleware.Hub
}

// RegisterRoutes mounts every page and API endpoint on r. Global middleware
// (recovery, logging, security headers, rate limiting) and templates are the
// caller's responsibility.
func RegisterRoutes(r *gin.Engine, d Deps) {
	mgr := d.Manager
	setupDone := mgr.IsSetupComplete

	public := NewPublicHandlers(mgr)
	setup := NewSetupHandlers(mgr, d.AuthService, d.Hub)
	authHandlers := NewAuthHandlers(d.AuthService, mgr)
	adminHandlers := NewAdminHandlers(mgr, d.Hub)
	userHandlers := NewUserHandlers(mgr, d.Hub)
	uploadHandlers := NewUploadHandlers(mgr)

	pending := middleware.RequireSetupPending(setupDone)
	ready := middleware.RequireSetupComplete(setupDone)
	apiAuth := d.AuthService.RequireAPIAuth()

	// Public
	r.GET("/", public.Root)
	r.GET("/healthz", public.Healthz)
	r.GET("/readyz", public.Readyz)
	r.GET("/version", public.Version)
	r.GET("/api/branding", public.BrandingGET)

	// Setup wizard, open until setup completes
	r.GET("/setup", pending, setup.SetupGET)
	setupAPI := r.Group("/api/setup", pending)
	{
		setupAPI.GET("/state", setup.SetupStateGET)
		setupAPI.POST("/test/:target", setup.SetupTestPOST)
		setupAPI.POST("/complete", setup.SetupCompletePOST)
		setupAPI.POST("/:section", setup.SetupSectionPOST)
	}

	// Authentication
	r.GET("/login", ready, authHandlers.LoginGET)
	authAPI := r.Group("/api/auth", ready)
	{
		authAPI.POST("/login", authHandlers.APILogin)
		authAPI.POST("/logout", authHandlers.APILogout)
		authAPI.GET("/me", apiAuth, authHandlers.APIMe)
	}

	// Admin console
	r.GET("/admin", ready, d.AuthService.RequireAuth(), middleware.RequireAdmin(), adminHandlers.AdminGET)
	admin := r.Group("/api/admin", ready, apiAuth, middleware.RequireAdmin())
	{
		admin.GET("/config", adminHandlers.ConfigGET)
		admin.PUT("/config/:section", adminHandlers.ConfigSectionPUT)
		admin.POST("/config/reload", adminHandlers.ConfigReloadPOST)
		admin.POST("/config/test/:target", adminHandlers.ConfigTestPOST)

		admin.GET("/overview", adminHandlers.OverviewGET)
		admin.GET("/system", adminHandlers.SystemGET)

		admin.GET("/users", userHandlers.UsersGET)
		admin.POST("/users", userHandlers.UserCreatePOST)
		admin.GET("/users/:id", userHandlers.UserGET)
		admin.DELETE("/users/:id", userHandlers.UserDELETE)
		admin.PATCH("/users/:id/role", userHandlers.UserRolePATCH)
		admin.POST("/users/:id/ban", userHandlers.UserBanPOST)
		admin.POST("/users/:id/unban", userHandlers.UserUnbanPOST)
		admin.POST("/users/:id/password", userHandlers.UserPasswordPOST)
		admin.GET("/users/:id/sessions", userHandlers.UserSessionsGET)
		admin.DELETE("/users/:id/sessions", userHandlers.UserSessionsDELETE)
		admin.DELETE("/sessions/:id", userHandlers.SessionDELETE)
	}

	// Uploads, any signed-in user that is not banned
	uploads := r.Group("/api/uploads", ready, apiAuth)
	{
		uploads.POST("", uploadHandlers.UploadPOST)
		uploads.POST("/presign", uploadHandlers.PresignPOST)
		uploads.POST("/complete", uploadHandlers.CompletePOST)
		uploads.DELETE("/:id", uploadHandlers.AbortDELETE)
	}

	// Realtime feed
	if d.Hub != nil {
		r.GET("/ws", ready, apiAuth, d.Hub.HandleWebSocket())
	}
}
