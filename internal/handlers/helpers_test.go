package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"atlas/internal/atlasapi"
	"atlas/internal/auth"
	"atlas/internal/config"
	"atlas/internal/manager"
	"atlas/internal/middleware"
)

const (
	adminEmail    = "root@example.test"
	adminPassword = "correct horse battery"
)

// upstreamUpload is what the fake upstream API received on POST /api/files.
type upstreamUpload struct {
	Filename    string
	ContentType string
	Size        string
	Body        []byte
}

type fakeUpstream struct {
	*httptest.Server

	mu      sync.Mutex
	uploads []upstreamUpload
	healthy bool
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	up := &fakeUpstream{healthy: true}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		up.mu.Lock()
		healthy := up.healthy
		up.mu.Unlock()
		if !healthy {
			http.Error(w, `{"error":"maintenance"}`, http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, atlasapi.Health{Status: "ok", Version: "9.9.9"})
	})
	mux.HandleFunc("/api/servers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"servers": []atlasapi.Server{{ID: "s1", Name: "Alpha", Status: "running"}},
		})
	})
	mux.HandleFunc("/api/files", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		body, _ := io.ReadAll(file)
		up.mu.Lock()
		up.uploads = append(up.uploads, upstreamUpload{
			Filename:    hdr.Filename,
			ContentType: hdr.Header.Get("Content-Type"),
			Size:        r.FormValue("size"),
			Body:        body,
		})
		up.mu.Unlock()
		writeJSON(w, http.StatusOK, atlasapi.FileInfo{
			ID:          "f1",
			Key:         "uploads/2026/10/19/f1/" + hdr.Filename,
			Filename:    hdr.Filename,
			Size:        int64(len(body)),
			ContentType: hdr.Header.Get("Content-Type"),
			ETag:        `"etag-f1"`,
			URL:         "https://cdn.example.test/f1",
		})
	})
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"issuer":                 up.URL,
			"authorization_endpoint": up.URL + "/authorize",
			"token_endpoint":         up.URL + "/token",
			"jwks_uri":               up.URL + "/jwks",
		})
	})
	up.Server = httptest.NewServer(mux)
	t.Cleanup(up.Close)
	return up
}

func (u *fakeUpstream) setHealthy(ok bool) {
	u.mu.Lock()
	u.healthy = ok
	u.mu.Unlock()
}

func (u *fakeUpstream) received() []upstreamUpload {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upstreamUpload(nil), u.uploads...)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pageTemplates() *template.Template {
	t := template.Must(template.New("setup.html").Parse(`setup {{.state.CurrentStep}}`))
	template.Must(t.New("login.html").Parse(`login {{.error}}`))
	template.Must(t.New("admin.html").Parse(`admin {{.username}}`))
	return t
}

type testEnv struct {
	mgr      *manager.Manager
	hub      *middleware.Hub
	authSvc  *middleware.AuthService
	router   *gin.Engine
	upstream *fakeUpstream
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mgr, err := manager.NewManagerWithConfig(filepath.Join(t.TempDir(), "atlas.config.json"))
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	hub := middleware.NewHub(mgr.Log)
	go hub.Run()
	t.Cleanup(hub.Close)

	authSvc := middleware.NewAuthService(mgr, func() middleware.CookieOptions {
		cfg := mgr.Snapshot()
		return middleware.CookieOptions{
			ForceSecure: cfg.Server.CookieForceSecure,
			SameSite:    cfg.Server.CookieSameSite,
			MaxAge:      cfg.Server.SessionDuration(),
		}
	})

	r := gin.New()
	r.SetHTMLTemplate(pageTemplates())
	RegisterRoutes(r, Deps{Manager: mgr, AuthService: authSvc, Hub: hub})

	return &testEnv{mgr: mgr, hub: hub, authSvc: authSvc, router: r, upstream: newFakeUpstream(t)}
}

// completeSetup points the api section at the fake upstream, creates the
// administrator and marks setup complete.
func (e *testEnv) completeSetup(t *testing.T) {
	t.Helper()
	require.NoError(t, e.mgr.UpdateSection(config.SectionAPI, []byte(fmt.Sprintf(`{"base_url":%q}`, e.upstream.URL))))
	svc, err := e.mgr.Auth(context.Background())
	require.NoError(t, err)
	_, err = svc.CreateUser(context.Background(), adminEmail, "Root", adminPassword, auth.RoleAdmin)
	require.NoError(t, err)
	require.NoError(t, e.mgr.MarkSetupComplete())
}

// createUser adds an account directly through the auth service.
func (e *testEnv) createUser(t *testing.T, email string, role auth.Role) *auth.User {
	t.Helper()
	svc, err := e.mgr.Auth(context.Background())
	require.NoError(t, err)
	u, err := svc.CreateUser(context.Background(), email, "", adminPassword, role)
	require.NoError(t, err)
	return u
}

func (e *testEnv) login(t *testing.T, email, password string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": email, "password": password}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

// do sends body (a string is sent verbatim, anything else as JSON) with an
// optional bearer token.
func (e *testEnv) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}
