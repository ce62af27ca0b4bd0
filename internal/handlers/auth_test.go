package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/auth"
)

func TestLoginRequiresCompletedSetup(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": adminEmail, "password": adminPassword}, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = env.do(t, http.MethodGet, "/login", nil, "")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/setup", w.Header().Get("Location"))
}

func TestLoginSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.completeSetup(t)

	w := env.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": adminEmail, "password": adminPassword}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, "/admin", body["redirect"])
	assert.NotEmpty(t, w.Header().Get("Set-Cookie"))

	w = env.do(t, http.MethodGet, "/api/auth/me", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	user, ok := decode(t, w)["user"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, adminEmail, user["email"])
	assert.Equal(t, "admin", user["role"])

	w = env.do(t, http.MethodPost, "/api/auth/logout", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/login", decode(t, w)["redirect"])

	w = env.do(t, http.MethodGet, "/api/auth/me", nil, token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginLockout(t *testing.T) {
	env := newTestEnv(t)
	env.completeSetup(t)

	bad := map[string]string{"email": adminEmail, "password": "wrong password"}

	w := env.do(t, http.MethodPost, "/api/auth/login", bad, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid email or password", decode(t, w)["error"])

	w = env.do(t, http.MethodPost, "/api/auth/login", bad, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/auth/login", bad, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// even the right password is refused while locked
	w = env.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": adminEmail, "password": adminPassword}, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestLoginValidation(t *testing.T) {
	env := newTestEnv(t)
	env.completeSetup(t)

	w := env.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": "not-an-email"}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Validation failed", decode(t, w)["error"])

	w = env.do(t, http.MethodPost, "/api/auth/login", "{", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoginPage(t *testing.T) {
	env := newTestEnv(t)
	env.completeSetup(t)

	w := env.do(t, http.MethodGet, "/login?error=admin", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "login admin")

	token := env.login(t, adminEmail, adminPassword)
	w = env.do(t, http.MethodGet, "/login", nil, token)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/admin", w.Header().Get("Location"))
}

func TestNonAdminLandsOnRoot(t *testing.T) {
	env := newTestEnv(t)
	env.completeSetup(t)
	env.createUser(t, "player@example.test", auth.RoleUser)

	w := env.do(t, http.MethodPost, "/api/auth/login?redirect=https://evil.example", map[string]string{
		"email": "player@example.test", "password": adminPassword,
	}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/", decode(t, w)["redirect"])

	w = env.do(t, http.MethodPost, "/api/auth/login?redirect=/api/uploads", map[string]string{
		"email": "player@example.test", "password": adminPassword,
	}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/api/uploads", decode(t, w)["redirect"])
}

func TestSafeRedirect(t *testing.T) {
	cases := map[string]string{
		"":                     "/fallback",
		"/admin":               "/admin",
		"//evil.example/x":     "/fallback",
		"https://evil.example": "/fallback",
		"admin":                "/fallback",
		"/\\evil.example":      "/fallback",
		"/\t/evil.example":     "/fallback",
		"/\n/evil.example":     "/fallback",
		"/\r\n/evil.example":   "/fallback",
		"/admin?tab=users":     "/admin?tab=users",
	}
	for in, want := range cases {
		assert.Equal(t, want, safeRedirect(in, "/fallback"), in)
	}
}
