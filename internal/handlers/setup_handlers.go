package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"atlas/internal/auth"
	"atlas/internal/config"
	"atlas/internal/manager"
	"atlas/internal/middleware"
)

// StepAdmin is the final wizard step, creating the first administrator.
const StepAdmin = "admin"

type SetupHandlers struct {
	manager     *manager.Manager
	authService *middleware.AuthService
	hub         *middleware.Hub
	tester      *connectionTester
}

func NewSetupHandlers(mgr *manager.Manager, authService *middleware.AuthService, hub *middleware.Hub) *SetupHandlers {
	return &SetupHandlers{manager: mgr, authService: authService, hub: hub, tester: newConnectionTester(mgr)}
}

// SetupStep reports whether one wizard section currently validates.
type SetupStep struct {
	Section string            `json:"section"`
	Valid   bool              `json:"valid"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// SetupState is what the wizard page needs to resume where the operator left off.
type SetupState struct {
	SetupComplete bool           `json:"setup_complete"`
	CurrentStep   string         `json:"current_step"`
	Steps         []SetupStep    `json:"steps"`
	Config        *config.Config `json:"config"`
}

type setupCompleteRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"max=255"`
	Password string `json:"password" validate:"required,min=8"`
	Confirm  string `json:"confirm" validate:"required,eqfield=Password"`
}

func (h *SetupHandlers) logf(format string, args ...interface{}) {
	if h == nil || h.manager == nil || h.manager.Log == nil {
		return
	}
	h.manager.Log.Write(fmt.Sprintf(format, args...))
}

func isWizardSection(name string) bool {
	for _, s := range config.WizardSections {
		if s == name {
			return true
		}
	}
	return false
}

func (h *SetupHandlers) state() SetupState {
	cfg := h.manager.Snapshot()
	st := SetupState{
		SetupComplete: cfg.SetupComplete,
		Steps:         make([]SetupStep, 0, len(config.WizardSections)),
		Config:        config.Redact(cfg),
	}
	for _, section := range config.WizardSections {
		err := config.ValidateSection(cfg, section)
		step := SetupStep{Section: section, Valid: err == nil, Errors: config.FieldErrors(err)}
		if !step.Valid && st.CurrentStep == "" {
			st.CurrentStep = section
		}
		st.Steps = append(st.Steps, step)
	}
	if st.CurrentStep == "" {
		st.CurrentStep = StepAdmin
	}
	return st
}

// SetupGET renders the wizard.
func (h *SetupHandlers) SetupGET(c *gin.Context) {
	cfg := h.manager.Snapshot()
	c.HTML(http.StatusOK, "setup.html", gin.H{
		"title":    "Setup",
		"branding": cfg.Branding,
		"state":    h.state(),
		"sections": config.WizardSections,
	})
}

// SetupStateGET returns the redacted draft and per-step validity.
func (h *SetupHandlers) SetupStateGET(c *gin.Context) {
	c.JSON(http.StatusOK, h.state())
}

// SetupSectionPOST validates one wizard section and persists it as a draft.
func (h *SetupHandlers) SetupSectionPOST(c *gin.Context) {
	section := strings.ToLower(strings.TrimSpace(c.Param("section")))
	if !isWizardSection(section) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown setup step"})
		return
	}
	raw, err := c.GetRawData()
	if err != nil || len(strings.TrimSpace(string(raw))) == 0 {
		respondError(c, http.StatusBadRequest, "Setup", "request body required")
		return
	}
	if err := h.manager.UpdateSection(section, raw); err != nil {
		h.logf("Setup step %s rejected from %s: %v", section, c.ClientIP(), err)
		respondConfigError(c, "Setup", err)
		return
	}
	h.logf("Setup step %s saved from %s", section, c.ClientIP())
	ToastSuccess(c, "Setup", fmt.Sprintf("Saved %s settings.", section))
	c.JSON(http.StatusOK, gin.H{"status": "ok", "section": section, "state": h.state()})
}

// SetupTestPOST runs a connection test against the saved section, or against
// the unsaved section in the request body when one is sent.
func (h *SetupHandlers) SetupTestPOST(c *gin.Context) {
	target := strings.ToLower(strings.TrimSpace(c.Param("target")))
	switch target {
	case TestDatabase, TestAPI, TestAuth:
	default:
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown test target"})
		return
	}
	runConnectionTest(c, h.tester, target, h.logf)
}

func runConnectionTest(c *gin.Context, tester *connectionTester, target string, logf func(string, ...interface{})) {
	raw, _ := c.GetRawData()
	cfg, err := tester.candidate(target, raw)
	if err != nil {
		respondError(c, http.StatusBadRequest, "Connection Test", err.Error())
		return
	}
	res, err := tester.Run(c.Request.Context(), cfg, target)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if res.OK {
		ToastSuccess(c, "Connection Test", res.Message)
	} else {
		logf("Connection test %s failed: %s", target, res.Message)
		ToastError(c, "Connection Test", res.Message)
	}
	c.JSON(http.StatusOK, res)
}

// SetupCompletePOST finishes the wizard: migrations, the first administrator
// and the setup flag, in that order.
func (h *SetupHandlers) SetupCompletePOST(c *gin.Context) {
	var req setupCompleteRequest
	if !middleware.BindJSON(c, &req) {
		return
	}

	cfg := h.manager.Snapshot()
	if err := config.Validate(cfg); err != nil {
		respondConfigError(c, "Setup", err)
		return
	}

	ctx := c.Request.Context()
	svc, err := h.manager.Auth(ctx)
	if err != nil {
		h.logf("Setup completion failed to open database: %v", err)
		respondError(c, http.StatusServiceUnavailable, "Setup", fmt.Sprintf("database unavailable: %v", err))
		return
	}

	email := strings.ToLower(middleware.SanitizeString(req.Email))
	hasAdmin, err := svc.HasAdmin(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "Setup", err.Error())
		return
	}
	if !hasAdmin {
		if _, err := svc.CreateUser(ctx, email, middleware.SanitizeString(req.Name), req.Password, auth.RoleAdmin); err != nil {
			h.logf("Setup completion could not create administrator %s: %v", email, err)
			respondError(c, authStatus(err), "Setup", err.Error())
			return
		}
		h.logf("Created first administrator %s", email)
	} else {
		h.logf("Administrator already present; skipping creation of %s", email)
	}

	if err := h.manager.MarkSetupComplete(); err != nil {
		if errors.Is(err, manager.ErrSetupComplete) {
			respondError(c, http.StatusConflict, "Setup", "setup already completed")
			return
		}
		respondConfigError(c, "Setup", err)
		return
	}

	h.manager.Audit("setup.completed", email, "Initial configuration completed")
	h.hub.BroadcastEvent(middleware.EventSetupCompleted, gin.H{"admin": email})

	// sign the new administrator in so the console opens directly
	if token, _, _, err := svc.SignIn(ctx, email, req.Password, auth.SignInMeta{IPAddress: c.ClientIP(), UserAgent: c.Request.UserAgent()}); err == nil {
		h.authService.SetAuthCookie(c, token)
	}

	ToastSuccess(c, "Setup Complete", "Atlas is ready.")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "redirect": "/admin"})
}
