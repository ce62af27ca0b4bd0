package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"atlas/internal/atlasapi"
	"atlas/internal/auth"
	"atlas/internal/config"
	"atlas/internal/manager"
	"atlas/internal/storage"
)

// respondError writes {"error": msg} and the matching error toast.
func respondError(c *gin.Context, status int, title, msg string) {
	ToastError(c, title, msg)
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// respondConfigError maps a failed configuration save to a response.
// Validation failures carry the per-field messages.
func respondConfigError(c *gin.Context, title string, err error) {
	if fields := config.FieldErrors(err); fields != nil {
		ToastError(c, title, "Please correct the highlighted fields.")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "fields": fields})
		return
	}
	if errors.Is(err, manager.ErrSetupComplete) {
		respondError(c, http.StatusConflict, title, err.Error())
		return
	}
	respondError(c, http.StatusBadRequest, title, err.Error())
}

// authStatus maps errors from the auth service to HTTP status codes.
func authStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, auth.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrEmailTaken), errors.Is(err, auth.ErrLastAdmin), errors.Is(err, auth.ErrSelfAction):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidRole):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrBanned):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// uploadStatus maps storage and upstream errors to HTTP status codes.
func uploadStatus(err error) int {
	var apiErr *atlasapi.APIError
	switch {
	case errors.Is(err, storage.ErrPresignUnavailable):
		return http.StatusConflict
	case errors.Is(err, storage.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrInvalidKey), errors.Is(err, storage.ErrInvalidParts):
		return http.StatusBadRequest
	case errors.Is(err, atlasapi.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return apiErr.StatusCode
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
