package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/auth"
)

func TestUserCreateAndList(t *testing.T) {
	env := newTestEnv(t)
	env.completeSetup(t)
	token := env.login(t, adminEmail, adminPassword)

	w := env.do(t, http.MethodPost, "/api/admin/users", map[string]string{
		"email": "Mod@Example.test", "name": "Moderator", "password": "moderator-pass", "role": "moderator",
	}, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created auth.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "mod@example.test", created.Email)
	assert.Equal(t, auth.RoleModerator, created.Role)
	assert.NotEmpty(t, created.ID)

	t.Run("duplicate email", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/admin/users", map[string]string{
			"email": "mod@example.test", "password": "another-pass",
		}, token)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("short password", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/admin/users", map[string]string{
			"email": "short@example.test", "password": "short",
		}, token)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Validation failed", decode(t, w)["error"])
	})

	t.Run("unknown role", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/admin/users", map[string]string{
			"email": "owner@example.test", "password": "owner-password", "role": "owner",
		}, token)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("search", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/admin/users?search=mod", nil, token)
		require.Equal(t, http.StatusOK, w.Code)
		var page auth.ListUsersResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		require.Len(t, page.Users, 1)
		assert.Equal(t, created.ID, page.Users[0].ID)
		assert.EqualValues(t, 1, page.Total)
	})

	t.Run("all", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/admin/users", nil, token)
		require.Equal(t, http.StatusOK, w.Code)
		var page auth.ListUsersResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		assert.EqualValues(t, 2, page.Total)
	})

	t.Run("get", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/admin/users/"+created.ID, nil, token)
		require.Equal(t, http.StatusOK, w.Code)
		w = env.do(t, http.MethodGet, "/api/admin/users/missing", nil, token)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	feed := env.mgr.RecentNotifications(10)
	var events []string
	for _, n := range feed {
		events = append(events, n.Event)
	}
	assert.Contains(t, events, "user.created")
}

func TestUserRoleChanges(t *testing.T) {
	env := newTestEnv(t)
	env.completeSetup(t)
	token := env.login(t, adminEmail, adminPassword)
	player := env.createUser(t, "player@example.test", auth.RoleUser)

	w := env.do(t, http.MethodPatch, "/api/admin/users/"+player.ID+"/role", map[string]string{"role": "admin"}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "admin", decode(t, w)["role"])

	w = env.do(t, http.MethodPatch, "/api/admin/users/"+player.ID+"/role", map[string]string{"role": "superuser"}, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	me := decode(t, env.do(t, http.MethodGet, "/api/auth/me", nil, token))["user"].(map[string]interface{})
	w = env.do(t, http.MethodPatch, "/api/admin/users/"+me["id"].(string)+"/role", map[string]string{"role": "user"}, token)
	assert.Equal(t, http.StatusConflict, w.Code, "administrators cannot demote themselves")
}

func TestUserBanAndUnban(t *testing.T) {
	env := newTestEnv(t)
	env.completeSetup(t)
	token := env.login(t, adminEmail, adminPassword)
	player := env.createUser(t, "player@example.test", auth.RoleUser)
	playerToken := env.login(t, "player@example.test", adminPassword)

	w := env.do(t, http.MethodPost, "/api/admin/users/"+player.ID+"/ban", map[string]interface{}{
		"reason": "griefing", "expires_in": 3600,
	}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["banned"])
	assert.Equal(t, "griefing", body["ban_reason"])
	assert.NotNil(t, body["ban_expires"])
	assert.Equal(t, "warning", w.Header().Get("X-Toast-Type"))

	// sessions were revoked with the ban
	w = env.do(t, http.MethodGet, "/api/auth/me", nil, playerToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": "player@example.test", "password": adminPassword}, "")
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "griefing", decode(t, w)["reason"])

	w = env.do(t, http.MethodPost, "/api/admin/users/"+player.ID+"/unban", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["banned"])

	env.login(t, "player@example.test", adminPassword)

	t.Run("negative duration", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/admin/users/"+player.ID+"/ban", map[string]interface{}{"expires_in": -5}, token)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("duration past ten years", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/admin/users/"+player.ID+"/ban", map[string]interface{}{"expires_in": int64(10000000000)}, token)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w = env.do(t, http.MethodGet, "/api/admin/users/"+player.ID, nil, token)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, decode(t, w)["banned"])
	})
}

func TestUserSessionsAndPassword(t *testing.T) {
	env := newTestEnv(t)
	env.completeSetup(t)
	token := env.login(t, adminEmail, adminPassword)
	player := env.createUser(t, "player@example.test", auth.RoleUser)
	playerToken := env.login(t, "player@example.test", adminPassword)
	env.login(t, "player@example.test", adminPassword)

	w := env.do(t, http.MethodGet, "/api/admin/users/"+player.ID+"/sessions", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Sessions []auth.Session `json:"sessions"`
		Current  string         `json:"current"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Len(t, listing.Sessions, 2)
	assert.NotEmpty(t, listing.Current)

	w = env.do(t, http.MethodDelete, "/api/admin/sessions/"+listing.Sessions[0].ID, nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodDelete, "/api/admin/sessions/"+listing.Sessions[0].ID, nil, token)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, "/api/admin/users/"+player.ID+"/sessions", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["revoked"])

	w = env.do(t, http.MethodGet, "/api/auth/me", nil, playerToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/admin/users/"+player.ID+"/password", map[string]string{
		"password": "a new passphrase", "confirm": "a different one",
	}, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/admin/users/"+player.ID+"/password", map[string]string{
		"password": "a new passphrase", "confirm": "a new passphrase",
	}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	env.login(t, "player@example.test", "a new passphrase")
}

func TestUserDelete(t *testing.T) {
	env := newTestEnv(t)
	env.completeSetup(t)
	token := env.login(t, adminEmail, adminPassword)
	player := env.createUser(t, "player@example.test", auth.RoleUser)

	w := env.do(t, http.MethodDelete, "/api/admin/users/"+player.ID, nil, token)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/admin/users/"+player.ID, nil, token)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodDelete, "/api/admin/users/"+player.ID, nil, token)
	assert.Equal(t, http.StatusNotFound, w.Code)

	feed := env.mgr.RecentNotifications(1)
	require.Len(t, feed, 1)
	assert.Equal(t, "user.removed", feed[0].Event)
	assert.Equal(t, "danger", feed[0].Kind)
}

func TestUserRoutesRequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.completeSetup(t)
	env.createUser(t, "player@example.test", auth.RoleUser)
	playerToken := env.login(t, "player@example.test", adminPassword)

	w := env.do(t, http.MethodGet, "/api/admin/users", nil, playerToken)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "error", w.Header().Get("X-Toast-Type"))

	w = env.do(t, http.MethodGet, "/api/admin/users", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/admin", nil, playerToken)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login?error=admin", w.Header().Get("Location"))
}
