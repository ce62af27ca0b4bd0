package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/utils"
)

func TestHubBroadcastsEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := utils.NewLogger(filepath.Join(t.TempDir(), "atlas.log"))
	defer logger.Close()
	hub := NewHub(logger)
	go hub.Run()
	defer hub.Close()

	r := gin.New()
	r.GET("/ws", hub.HandleWebSocket())
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.BroadcastEvent(EventConfigUpdated, map[string]string{"section": "branding"})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, EventConfigUpdated, ev.Type)
	assert.Equal(t, "branding", ev.Data["section"])

	conn.Close()
	require.Eventually(t, func() bool { return hub.GetClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSameOriginCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://atlas.example.test/ws", nil)
	assert.True(t, sameOrigin(req))
	req.Header.Set("Origin", "http://atlas.example.test")
	assert.True(t, sameOrigin(req))
	req.Header.Set("Origin", "http://evil.example.test")
	assert.False(t, sameOrigin(req))
}

func TestBindJSONReportsFieldErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	type signup struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required,min=8"`
	}
	r := gin.New()
	r.POST("/api/signup", func(c *gin.Context) {
		var in signup
		if !BindJSON(c, &in) {
			return
		}
		c.JSON(http.StatusOK, in)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/signup", strings.NewReader(`{"email":"nope","password":"short"}`)))
	require.Equal(t, http.StatusBadRequest, w.Code)
	var body struct {
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "must be a valid email address", body.Fields["email"])
	assert.Equal(t, "must be at least 8", body.Fields["password"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/signup", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/signup", strings.NewReader(`{"email":"a@b.test","password":"longenough"}`)))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello\tworld", SanitizeString("  hel\x00lo\tworld\x7f "))
}
