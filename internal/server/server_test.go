package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/amoylab/sessiond/internal/common/config"
	"github.com/amoylab/sessiond/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func durationPtr(d time.Duration) *time.Duration { return &d }

func testConfig(t *testing.T) *config.SessiondConfig {
	t.Helper()
	cfg := &config.SessiondConfig{
		Server: config.ServerConfig{Host: "127.0.0.1", WorkerName: "node1"},
		Contexts: []config.ContextConfig{
			{Path: "/app"},
			{
				Path:        "/files",
				MaxInactive: durationPtr(time.Minute),
				Store: &config.StoreConfig{
					Type: "disk",
					Disk: config.DiskStorageConfig{Path: filepath.Join(t.TempDir(), "sessions")},
				},
			},
		},
		Metrics: config.MetricsConfig{Enabled: true},
	}
	config.SetDefaults(cfg)
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func newTestServer(t *testing.T, cfg *config.SessiondConfig) *Server {
	t.Helper()
	s, err := New(context.Background(), zap.NewNop(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func get(t *testing.T, h http.Handler, path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) sessionView {
	t.Helper()
	var v sessionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestNew_RegistersContexts(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	contexts := s.Contexts()
	require.Len(t, contexts, 2)
	assert.Equal(t, "/app", contexts[0].Path)
	assert.Equal(t, 30*time.Second, contexts[0].Manager.MaxInactiveInterval())
	assert.Equal(t, 10*time.Second, contexts[0].Store.ExpiryTimeout())
	assert.Equal(t, 2*time.Second, contexts[0].Store.IdlePassivationTimeout())
	assert.Equal(t, "/files", contexts[1].Path)
	assert.Equal(t, time.Minute, contexts[1].Manager.MaxInactiveInterval())
	assert.Equal(t, "127.0.0.1:8080", s.Name())
	assert.Empty(t, s.Addr())
}

func TestNew_RejectsDuplicateContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.Contexts = append(cfg.Contexts, config.ContextConfig{Path: "app/"})

	_, err := New(context.Background(), zap.NewNop(), cfg)
	assert.ErrorIs(t, err, session.ErrAlreadyRegistered)
}

func TestNew_RejectsUnknownStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Contexts = []config.ContextConfig{{Path: "/x", Store: &config.StoreConfig{Type: "etcd"}}}

	_, err := New(context.Background(), zap.NewNop(), cfg)
	assert.Error(t, err)
}

func TestServer_SessionRoundTrip(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	h := s.Handler()

	w := get(t, h, "/app/session")
	require.Equal(t, http.StatusOK, w.Code)
	first := decodeView(t, w)
	assert.Equal(t, 1, first.Hits)
	assert.Equal(t, first.ID+".node1", first.ExtendedID)
	assert.Equal(t, "active", first.State)

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "SESSIONID" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, first.ExtendedID, cookie.Value)

	w = get(t, h, "/app/session", cookie)
	second := decodeView(t, w)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Hits)

	// the id is known server wide but each context keeps its own sessions
	w = get(t, h, "/files/session", cookie)
	other := decodeView(t, w)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 1, other.Hits)
	assert.Equal(t, "1m0s", other.MaxInactive)
}

func TestServer_Invalidate(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	h := s.Handler()

	w := get(t, h, "/app/session")
	view := decodeView(t, w)
	cookie := &http.Cookie{Name: "SESSIONID", Value: view.ExtendedID}

	req := httptest.NewRequest(http.MethodDelete, "/app/session", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = get(t, h, "/app/session", cookie)
	assert.NotEqual(t, view.ID, decodeView(t, w).ID)
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	h := s.Handler()

	get(t, h, "/app/session")
	w := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `sessiond_sessions_created_total{context="/app"} 1`)
}

func TestServer_StartStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.InspectionPeriod = 10 * time.Millisecond
	cfg.Contexts = []config.ContextConfig{{
		Path:                "/app",
		ScavengePeriod:      durationPtr(time.Second),
		IdlePassivatePeriod: durationPtr(50 * time.Millisecond),
	}}
	s := newTestServer(t, cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, s.StartOn(ln))
	assert.ErrorIs(t, s.StartOn(ln), session.ErrAlreadyStarted)
	assert.True(t, s.Inspector().Running())
	assert.NotEmpty(t, s.Addr())

	_, err = s.AddContext(context.Background(), config.ContextConfig{Path: "/late"})
	assert.ErrorIs(t, err, session.ErrAlreadyStarted)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar, Timeout: 5 * time.Second}
	url := "http://" + s.Addr() + "/app/session"

	hit := func() sessionView {
		resp, err := client.Get(url)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var v sessionView
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
		return v
	}

	first := hit()
	assert.Equal(t, 2, hit().Hits)

	store := s.Contexts()[0].Store
	sess, err := store.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return sess.State() == session.StatePassivated },
		time.Second, 5*time.Millisecond, "idle session passivated")

	// rematerialized with its attributes
	assert.Equal(t, 3, hit().Hits)

	assert.Eventually(t, func() bool { return store.Len() == 0 }, 5*time.Second, 10*time.Millisecond,
		"expired session scavenged")
	assert.Equal(t, 1, hit().Hits)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Wait())
	assert.False(t, s.Inspector().Running())
	_, err = s.Authority().NewSessionID(context.Background())
	assert.ErrorIs(t, err, session.ErrStopped)
	assert.ErrorIs(t, s.StartOn(ln), session.ErrStopped)

	_, err = client.Get(url)
	assert.Error(t, err)
}

func TestServer_StopWithoutStart(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Wait())
	require.NoError(t, s.Stop(context.Background()))
}

func TestServer_RecoversPanics(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.router.GET("/app/boom", func(*gin.Context) { panic("boom") })

	w := get(t, s.Handler(), "/app/boom")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "internal server error"))
}
