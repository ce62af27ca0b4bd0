package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"atlas/internal/auth"
	"atlas/internal/manager"
	"atlas/internal/middleware"
)

type UserHandlers struct {
	manager *manager.Manager
	hub     *middleware.Hub
}

// NewUserHandlers constructs the account management handlers. hub may be nil.
func NewUserHandlers(mgr *manager.Manager, hub *middleware.Hub) *UserHandlers {
	return &UserHandlers{manager: mgr, hub: hub}
}

type createUserRequest struct {
	Email    string `json:"email" validate:"required,email,max=320"`
	Name     string `json:"name" validate:"max=255"`
	Password string `json:"password" validate:"required,min=8,max=1024"`
	Role     string `json:"role" validate:"omitempty,oneof=admin moderator user"`
}

type roleRequest struct {
	Role string `json:"role" validate:"required,oneof=admin moderator user"`
}

type banRequest struct {
	Reason string `json:"reason" validate:"max=500"`
	// ExpiresIn is the ban length in seconds, at most ten years; zero bans
	// permanently.
	ExpiresIn int64 `json:"expires_in" validate:"min=0,max=315360000"`
}

type passwordRequest struct {
	Password string `json:"password" validate:"required,min=8,max=1024"`
	Confirm  string `json:"confirm" validate:"required,eqfield=Password"`
}

func (h *UserHandlers) logf(format string, args ...interface{}) {
	if h == nil || h.manager == nil || h.manager.Log == nil {
		return
	}
	h.manager.Log.Write(fmt.Sprintf(format, args...))
}

// service returns the auth service or writes a 503.
func (h *UserHandlers) service(c *gin.Context) (*auth.Service, bool) {
	svc, err := h.manager.Auth(c.Request.Context())
	if err != nil {
		h.logf("User management unavailable: %v", err)
		respondError(c, http.StatusServiceUnavailable, "Users", "user database unavailable")
		return nil, false
	}
	return svc, true
}

// fail logs a rejected admin action and maps err to a response.
func (h *UserHandlers) fail(c *gin.Context, action string, err error) {
	h.logf("%s by '%s' failed: %v", action, c.GetString(middleware.ContextUsername), err)
	status := authStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = strings.ToLower(action) + " failed"
	}
	respondError(c, status, action, msg)
}

// changed records an admin action in the audit feed and pushes it to
// websocket clients.
func (h *UserHandlers) changed(c *gin.Context, event, action, userID, message string) {
	actor := c.GetString(middleware.ContextUsername)
	h.manager.Audit(event, actor, message)
	h.hub.BroadcastEvent(middleware.EventUserUpdated, gin.H{"id": userID, "action": action})
}

// UsersGET lists users with search, role and ban filters.
func (h *UserHandlers) UsersGET(c *gin.Context) {
	var q auth.ListUsersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid query", "details": err.Error()})
		return
	}
	svc, ok := h.service(c)
	if !ok {
		return
	}
	res, err := svc.ListUsers(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "List users", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// UserCreatePOST adds an account with a password.
func (h *UserHandlers) UserCreatePOST(c *gin.Context) {
	var req createUserRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	role := auth.RoleUser
	if req.Role != "" {
		role, _ = auth.ParseRole(req.Role)
	}
	svc, ok := h.service(c)
	if !ok {
		return
	}
	u, err := svc.CreateUser(c.Request.Context(), middleware.SanitizeString(req.Email), middleware.SanitizeString(req.Name), req.Password, role)
	if err != nil {
		h.fail(c, "Create user", err)
		return
	}
	h.logf("User '%s' created by '%s' with role %s", u.Email, c.GetString(middleware.ContextUsername), u.Role)
	h.changed(c, "user.created", "created", u.ID, fmt.Sprintf("Created %s (%s)", u.Email, u.Role))
	ToastSuccess(c, "User Created", fmt.Sprintf("%s can now sign in.", u.Email))
	c.JSON(http.StatusCreated, u)
}

func (h *UserHandlers) UserGET(c *gin.Context) {
	svc, ok := h.service(c)
	if !ok {
		return
	}
	u, err := svc.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Load user", err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// UserRolePATCH changes a user's role. The last admin cannot be demoted.
func (h *UserHandlers) UserRolePATCH(c *gin.Context) {
	var req roleRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	role, _ := auth.ParseRole(req.Role)
	svc, ok := h.service(c)
	if !ok {
		return
	}
	u, err := svc.SetRole(c.Request.Context(), c.GetString(middleware.ContextUserID), c.Param("id"), role)
	if err != nil {
		h.fail(c, "Change role", err)
		return
	}
	h.changed(c, "user.role", "role", u.ID, fmt.Sprintf("%s is now %s", u.Email, u.Role))
	ToastSuccess(c, "Role Updated", fmt.Sprintf("%s is now %s.", u.Email, u.Role))
	c.JSON(http.StatusOK, u)
}

// UserBanPOST bans a user and signs out all of their sessions.
func (h *UserHandlers) UserBanPOST(c *gin.Context) {
	var req banRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	svc, ok := h.service(c)
	if !ok {
		return
	}
	reason := middleware.SanitizeString(req.Reason)
	u, err := svc.BanUser(c.Request.Context(), c.GetString(middleware.ContextUserID), c.Param("id"), reason, time.Duration(req.ExpiresIn)*time.Second)
	if err != nil {
		h.fail(c, "Ban user", err)
		return
	}
	msg := fmt.Sprintf("Banned %s", u.Email)
	if u.BanExpires != nil {
		msg += " until " + u.BanExpires.UTC().Format(time.RFC3339)
	}
	if reason != "" {
		msg += ": " + reason
	}
	h.changed(c, "user.banned", "banned", u.ID, msg)
	ToastWarn(c, "User Banned", msg+".")
	c.JSON(http.StatusOK, u)
}

func (h *UserHandlers) UserUnbanPOST(c *gin.Context) {
	svc, ok := h.service(c)
	if !ok {
		return
	}
	u, err := svc.UnbanUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "Unban user", err)
		return
	}
	h.changed(c, "user.unbanned", "unbanned", u.ID, fmt.Sprintf("Lifted ban on %s", u.Email))
	ToastSuccess(c, "User Unbanned", fmt.Sprintf("%s may sign in again.", u.Email))
	c.JSON(http.StatusOK, u)
}

// UserDELETE removes a user and their sessions.
func (h *UserHandlers) UserDELETE(c *gin.Context) {
	svc, ok := h.service(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	label := id
	if u, err := svc.GetUser(ctx, id); err == nil {
		label = u.Email
	}
	if err := svc.RemoveUser(ctx, c.GetString(middleware.ContextUserID), id); err != nil {
		h.fail(c, "Delete user", err)
		return
	}
	h.changed(c, "user.removed", "removed", id, fmt.Sprintf("Deleted %s", label))
	ToastSuccess(c, "User Deleted", fmt.Sprintf("%s was removed.", label))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *UserHandlers) UserSessionsGET(c *gin.Context) {
	svc, ok := h.service(c)
	if !ok {
		return
	}
	sessions, err := svc.ListSessions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "List sessions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "current": c.GetString(middleware.ContextSessionID)})
}

// UserSessionsDELETE signs a user out everywhere.
func (h *UserHandlers) UserSessionsDELETE(c *gin.Context) {
	svc, ok := h.service(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	u, err := svc.GetUser(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, "Revoke sessions", err)
		return
	}
	n, err := svc.RevokeUserSessions(ctx, u.ID)
	if err != nil {
		h.fail(c, "Revoke sessions", err)
		return
	}
	h.changed(c, "sessions.revoked", "sessions", u.ID, fmt.Sprintf("Revoked %d session(s) of %s", n, u.Email))
	ToastInfo(c, "Sessions Revoked", fmt.Sprintf("%s was signed out of %d session(s).", u.Email, n))
	c.JSON(http.StatusOK, gin.H{"status": "ok", "revoked": n})
}

// SessionDELETE revokes a single session by id.
func (h *UserHandlers) SessionDELETE(c *gin.Context) {
	svc, ok := h.service(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := svc.RevokeSession(c.Request.Context(), id); err != nil {
		h.fail(c, "Revoke session", err)
		return
	}
	h.changed(c, "session.revoked", "session", "", fmt.Sprintf("Revoked session %s", id))
	ToastInfo(c, "Session Revoked", "The session was signed out.")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// UserPasswordPOST sets a new password and signs the user out everywhere.
func (h *UserHandlers) UserPasswordPOST(c *gin.Context) {
	var req passwordRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	svc, ok := h.service(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	u, err := svc.GetUser(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, "Reset password", err)
		return
	}
	if err := svc.SetPassword(ctx, u.ID, req.Password); err != nil {
		h.fail(c, "Reset password", err)
		return
	}
	h.changed(c, "user.password_reset", "password", u.ID, fmt.Sprintf("Reset the password of %s", u.Email))
	ToastSuccess(c, "Password Reset", fmt.Sprintf("%s must sign in with the new password.", u.Email))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
