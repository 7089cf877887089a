package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/indigoai-us/hq/internal/auth"
	"github.com/indigoai-us/hq/internal/config"
	"github.com/indigoai-us/hq/internal/orchestrator"
	"github.com/indigoai-us/hq/internal/relay"
	"github.com/indigoai-us/hq/internal/store"
)

func setupTestServer(t *testing.T) (*Server, *auth.Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-at-least-32-chars-long",
			JWTExpiry: config.Duration{Duration: 1 * time.Hour},
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := auth.NewService(s, cfg.Auth)
	rs := relay.NewService(s, authSvc, orchestrator.Noop{}, logger, relay.Options{})
	t.Cleanup(rs.Close)
	srv := NewServer(s, authSvc, authSvc, rs, cfg, logger)
	return srv, authSvc, s
}

func registerAndLogin(t *testing.T, authSvc *auth.Service, role string) string {
	t.Helper()
	ctx := context.Background()
	name := "u-" + uuid.New().String()[:8]
	if _, err := authSvc.Register(ctx, name, "testpassword123", role); err != nil {
		t.Fatal(err)
	}
	token, err := authSvc.Login(ctx, name, "testpassword123")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

// doJSON runs one request against the server, with an optional bearer token
// and JSON body.
func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	return w
}

// parseJSONResponse decodes the JSON body of the response into the given target.
func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

// --- Tests ---

func TestHealthz(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %q", resp["status"])
	}
	if _, ok := resp["uptime"]; !ok {
		t.Error("expected uptime field in response")
	}
}

func TestReadyz(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/readyz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
}

func TestAuthConfig(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api/auth/config", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["provider"] != "builtin" {
		t.Errorf("provider: %q", resp["provider"])
	}
}

func TestLogin(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	ctx := context.Background()
	if _, err := authSvc.Register(ctx, "loginuser", "loginpassword123", "user"); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, srv, http.MethodPost, "/api/auth/login", "",
		map[string]string{"username": "loginuser", "password": "loginpassword123"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["token"] == "" {
		t.Error("expected token in response")
	}

	w = doJSON(t, srv, http.MethodPost, "/api/auth/login", "",
		map[string]string{"username": "loginuser", "password": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: expected 401, got %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	for _, path := range []string{"/api/me", "/api/sessions"} {
		w := doJSON(t, srv, http.MethodGet, path, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: expected 401, got %d", path, w.Code)
		}
		w = doJSON(t, srv, http.MethodGet, path, "not-a-jwt", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad token: expected 401, got %d", path, w.Code)
		}
	}
}

func TestGetMe(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	token := registerAndLogin(t, authSvc, "user")

	w := doJSON(t, srv, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["id"] == "" || resp["role"] != "user" {
		t.Errorf("me response: %v", resp)
	}
}

func TestCreateAndListSessions(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	token := registerAndLogin(t, authSvc, "user")

	w := doJSON(t, srv, http.MethodPost, "/api/sessions", token,
		map[string]string{"initial_prompt": "hello"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var created createSessionResponse
	parseJSONResponse(t, w, &created)
	if created.Session == nil || created.Session.ID == "" {
		t.Fatal("no session in response")
	}
	if created.AccessToken == "" {
		t.Error("no access token returned on create")
	}
	if created.AgentWSPath != "/ws/relay/"+created.Session.ID {
		t.Errorf("agent ws path: %q", created.AgentWSPath)
	}
	if created.Session.Status != store.StatusStarting {
		t.Errorf("new session status: %q", created.Session.Status)
	}

	w = doJSON(t, srv, http.MethodGet, "/api/sessions", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var sessions []store.Session
	parseJSONResponse(t, w, &sessions)
	if len(sessions) != 1 || sessions[0].ID != created.Session.ID {
		t.Errorf("listed sessions: %+v", sessions)
	}
	// The stored token never leaves through the list endpoint.
	if sessions[0].AccessToken != "" {
		t.Error("access token leaked through session listing")
	}
}

func TestGetSessionOwnership(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	ownerToken := registerAndLogin(t, authSvc, "user")
	otherToken := registerAndLogin(t, authSvc, "user")
	adminToken := registerAndLogin(t, authSvc, "admin")

	w := doJSON(t, srv, http.MethodPost, "/api/sessions", ownerToken, map[string]string{})
	var created createSessionResponse
	parseJSONResponse(t, w, &created)
	path := "/api/sessions/" + created.Session.ID

	if w := doJSON(t, srv, http.MethodGet, path, ownerToken, nil); w.Code != http.StatusOK {
		t.Errorf("owner get: expected 200, got %d", w.Code)
	}
	if w := doJSON(t, srv, http.MethodGet, path, otherToken, nil); w.Code != http.StatusForbidden {
		t.Errorf("other get: expected 403, got %d", w.Code)
	}
	if w := doJSON(t, srv, http.MethodGet, path, adminToken, nil); w.Code != http.StatusOK {
		t.Errorf("admin get: expected 200, got %d", w.Code)
	}
	if w := doJSON(t, srv, http.MethodGet, "/api/sessions/"+uuid.New().String(), ownerToken, nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown get: expected 404, got %d", w.Code)
	}
}

func TestGetMessagesPagination(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	token := registerAndLogin(t, authSvc, "user")

	w := doJSON(t, srv, http.MethodPost, "/api/sessions", token, map[string]string{})
	var created createSessionResponse
	parseJSONResponse(t, w, &created)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.AppendMessage(ctx, &store.Message{
			ID:        uuid.New().String(),
			SessionID: created.Session.ID,
			Kind:      store.KindAssistant,
			Content:   "msg",
			CreatedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	w = doJSON(t, srv, http.MethodGet, "/api/sessions/"+created.Session.ID+"/messages?after_seq=2&limit=2", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var msgs []store.Message
	parseJSONResponse(t, w, &msgs)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Seq != 3 {
		t.Errorf("first seq: got %d, want 3", msgs[0].Seq)
	}
}

func TestStopSession(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	token := registerAndLogin(t, authSvc, "user")

	w := doJSON(t, srv, http.MethodPost, "/api/sessions", token, map[string]string{})
	var created createSessionResponse
	parseJSONResponse(t, w, &created)
	path := "/api/sessions/" + created.Session.ID + "/stop"

	w = doJSON(t, srv, http.MethodPost, path, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "stopped" {
		t.Errorf("stop status: %q", resp["status"])
	}

	sess, err := s.GetSession(context.Background(), created.Session.ID)
	if err != nil || sess == nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != store.StatusStopped {
		t.Errorf("stored status: %q", sess.Status)
	}

	// Stopping twice is idempotent.
	w = doJSON(t, srv, http.MethodPost, path, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("second stop: expected 200, got %d", w.Code)
	}
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "already_stopped" {
		t.Errorf("second stop status: %q", resp["status"])
	}
}

func TestUserManagementAdminOnly(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	userToken := registerAndLogin(t, authSvc, "user")
	adminToken := registerAndLogin(t, authSvc, "admin")

	if w := doJSON(t, srv, http.MethodGet, "/api/users", userToken, nil); w.Code != http.StatusForbidden {
		t.Errorf("user list as user: expected 403, got %d", w.Code)
	}

	w := doJSON(t, srv, http.MethodPost, "/api/users", adminToken,
		map[string]string{"username": "newperson", "password": "longenough123", "role": "user"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create user: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created store.User
	parseJSONResponse(t, w, &created)
	if created.Username != "newperson" {
		t.Errorf("created user: %+v", created)
	}

	// Weak passwords are rejected before reaching the provider.
	w = doJSON(t, srv, http.MethodPost, "/api/users", adminToken,
		map[string]string{"username": "another", "password": "short"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("weak password: expected 400, got %d", w.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options: %q", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options: %q", got)
	}
}

func TestCORSPreflightAndOrigin(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin: %q", got)
	}
}

func TestLoginRateLimit(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	ctx := context.Background()
	if _, err := authSvc.Register(ctx, "ratelimited", "somepassword123", "user"); err != nil {
		t.Fatal(err)
	}

	// The login limiter allows a burst of 10 per IP.
	limited := false
	for i := 0; i < 20; i++ {
		w := doJSON(t, srv, http.MethodPost, "/api/auth/login", "",
			map[string]string{"username": "ratelimited", "password": "wrong"})
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("login was never rate limited")
	}
}
