package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/config"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRelayRouter(t *testing.T) (*gin.Engine, *app.Registry) {
	t.Helper()
	reg := app.NewRegistry()
	sb := app.NewSwitchboard(reg, app.SimplePolicy{})
	cfg := &config.Config{Mode: "test", Secret: "secret"}
	return SetupRouter(context.Background(), cfg, sb), reg
}

func TestClientTokenMintedOnce(t *testing.T) {
	r, _ := newRelayRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var minted *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "ct" {
			minted = c
		}
	}
	require.NotNil(t, minted)
	require.NotEmpty(t, minted.Value)

	var me domain.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, domain.UserID(minted.Value), me.ID)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: "ct", Value: minted.Value})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	for _, c := range w.Result().Cookies() {
		assert.NotEqual(t, "ct", c.Name)
	}
}

func TestRenameAndListUsers(t *testing.T) {
	r, reg := newRelayRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/me", strings.NewReader(`{"username":"alice"}`))
	req.AddCookie(&http.Cookie{Name: "ct", Value: "user-a"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	u, ok := reg.User("user-a")
	require.True(t, ok)
	assert.Equal(t, "alice", u.Username)

	req = httptest.NewRequest(http.MethodPost, "/api/me", strings.NewReader(`{"username":""}`))
	req.AddCookie(&http.Cookie{Name: "ct", Value: "user-a"})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/users", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Users []domain.User `json:"users"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body.Users)
}

func TestMetricsAndHealth(t *testing.T) {
	r, _ := newRelayRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "voicecall_signal_online_users")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
