package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/auth"
	"atlas/internal/version"
)

func TestHealthzAndVersion(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	w = env.do(t, http.MethodGet, "/version", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, version.Current().Version, decode(t, w)["version"])
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/readyz", nil, "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["ready"])
	assert.Equal(t, []interface{}{"setup"}, body["missing"])

	env.completeSetup(t)

	w = env.do(t, http.MethodGet, "/readyz", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["ready"])
}

func TestBrandingIsPublic(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/branding", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "credentials", body["auth_provider"])
	assert.Equal(t, false, body["setup_complete"])
	assert.NotContains(t, w.Body.String(), env.mgr.Snapshot().Server.JWTSecret)
}

func TestRootRedirects(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/", nil, "")
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/setup", w.Header().Get("Location"))

	env.completeSetup(t)

	w = env.do(t, http.MethodGet, "/", nil, "")
	assert.Equal(t, "/login", w.Header().Get("Location"))

	w = env.do(t, http.MethodGet, "/", nil, env.login(t, adminEmail, adminPassword))
	assert.Equal(t, "/admin", w.Header().Get("Location"))

	env.createUser(t, "player@example.test", auth.RoleUser)
	w = env.do(t, http.MethodGet, "/", nil, env.login(t, "player@example.test", adminPassword))
	assert.Equal(t, "/login", w.Header().Get("Location"))
}

func TestAPIBeforeSetupPointsToWizard(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/admin/config", nil, "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "/setup", decode(t, w)["setup_url"])

	w = env.do(t, http.MethodGet, "/admin", nil, "")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/setup", w.Header().Get("Location"))
}
