package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omrylcn/gbot-sub000/internal/agent/ai"
	"github.com/omrylcn/gbot-sub000/internal/agent/session"
	"github.com/omrylcn/gbot-sub000/internal/config"
	"github.com/omrylcn/gbot-sub000/internal/db"
	"github.com/omrylcn/gbot-sub000/internal/logging"
	"github.com/omrylcn/gbot-sub000/internal/svc"
	"github.com/omrylcn/gbot-sub000/internal/types"
)

// echoProvider answers every request with a fixed reply
type echoProvider struct{ reply string }

func (p echoProvider) ID() string { return "echo" }

func (p echoProvider) Stream(ctx context.Context, _ *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	ch := make(chan ai.StreamEvent, 3)
	ch <- ai.StreamEvent{Type: ai.EventTypeText, Text: p.reply}
	ch <- ai.StreamEvent{Type: ai.EventTypeUsage, Usage: &session.Usage{TotalTokens: 10}}
	ch <- ai.StreamEvent{Type: ai.EventTypeDone}
	close(ch)
	return ch, nil
}

type testServer struct {
	*httptest.Server
	svc   *svc.ServiceContext
	store *db.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logging.Disable()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.SkillsDir = filepath.Join(dir, "skills")
	cfg.RolesFile = filepath.Join(dir, "roles.yaml")
	cfg.IdentityFile = filepath.Join(dir, "IDENTITY.md")
	cfg.Tools.Workspace = filepath.Join(dir, "workspace")
	cfg.Server.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.Server.RateLimit = config.RateLimitConfig{}
	cfg.Server.CORSOrigins = []string{"https://app.example"}

	store, err := db.NewSQLite(filepath.Join(dir, "gbot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	_, err = store.CreateUser(ctx, "alice", "Alice", "owner")
	require.NoError(t, err)
	require.NoError(t, store.SetPassword(ctx, "alice", "s3cret-pass"))
	_, err = store.CreateUser(ctx, "bob", "Bob", "member")
	require.NoError(t, err)
	require.NoError(t, store.SetPassword(ctx, "bob", "bob-pass"))

	sc, err := svc.NewServiceContext(ctx, cfg, svc.Options{
		Version:  "test",
		Provider: echoProvider{reply: "hello from gbot"},
		Store:    store,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sc.Shutdown(sctx)
	})

	ts := httptest.NewServer(NewRouter(sc, Options{Quiet: true}))
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, svc: sc, store: store}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) login(t *testing.T, user, password string) string {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", types.LoginRequest{UserID: user, Password: password})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[types.LoginResponse](t, resp).Token
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	health := decode[types.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", types.LoginRequest{UserID: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/auth/login", "", types.LoginRequest{UserID: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	token := ts.login(t, "alice", "s3cret-pass")
	assert.NotEmpty(t, token)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/api/v1/sessions", "/api/v1/jobs", "/api/v1/events", "/api/v1/memory"} {
		resp := ts.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
	resp := ts.do(t, http.MethodGet, "/api/v1/sessions", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatAndSessions(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "alice", "s3cret-pass")

	resp := ts.do(t, http.MethodPost, "/api/v1/chat", token, types.ChatRequest{Message: "hi", Format: "html"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chat := decode[types.ChatResponse](t, resp)
	assert.Equal(t, "hello from gbot", chat.Response)
	assert.Contains(t, chat.HTML, "hello from gbot")
	require.NotEmpty(t, chat.SessionID)

	// the same session continues
	resp = ts.do(t, http.MethodPost, "/api/v1/chat", token, types.ChatRequest{Message: "again"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, chat.SessionID, decode[types.ChatResponse](t, resp).SessionID)

	resp = ts.do(t, http.MethodGet, "/api/v1/sessions", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := decode[types.ListSessionsResponse](t, resp)
	require.Len(t, sessions.Sessions, 1)
	assert.Equal(t, "api", sessions.Sessions[0].Channel)

	resp = ts.do(t, http.MethodGet, "/api/v1/sessions/"+chat.SessionID+"/messages", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decode[types.SessionMessagesResponse](t, resp)
	assert.GreaterOrEqual(t, len(msgs.Messages), 4)

	// other users cannot read it
	bob := ts.login(t, "bob", "bob-pass")
	resp = ts.do(t, http.MethodGet, "/api/v1/sessions/"+chat.SessionID+"/messages", bob, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/sessions/"+chat.SessionID+"/close", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// a closed session is not reused
	resp = ts.do(t, http.MethodPost, "/api/v1/chat", token, types.ChatRequest{Message: "new topic"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, chat.SessionID, decode[types.ChatResponse](t, resp).SessionID)
}

func TestJobsLifecycle(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "alice", "s3cret-pass")

	resp := ts.do(t, http.MethodPost, "/api/v1/jobs", token, types.CreateJobRequest{CronExpr: "not cron", Message: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/jobs", token, types.CreateJobRequest{CronExpr: "0 9 * * *", Message: "morning summary"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := decode[db.CronJob](t, resp)
	require.NotEmpty(t, job.ID)
	assert.True(t, ts.svc.Scheduler.Registered(job.ID))

	resp = ts.do(t, http.MethodGet, "/api/v1/jobs", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[types.ListJobsResponse](t, resp).Jobs, 1)

	resp = ts.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/pause", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, ts.svc.Scheduler.Registered(job.ID))

	resp = ts.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/resume", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, ts.svc.Scheduler.Registered(job.ID))

	resp = ts.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/run", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID+"/logs", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[types.JobLogsResponse](t, resp).Logs, 1)

	// another user sees nothing and cannot delete
	bob := ts.login(t, "bob", "bob-pass")
	resp = ts.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, bob, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, ts.svc.Scheduler.Registered(job.ID))
}

func TestReminders(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "alice", "s3cret-pass")

	resp := ts.do(t, http.MethodPost, "/api/v1/reminders", token, types.CreateReminderRequest{Message: "stretch", DelaySeconds: 600})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rem := decode[db.Reminder](t, resp)

	resp = ts.do(t, http.MethodGet, "/api/v1/reminders", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[types.ListRemindersResponse](t, resp).Reminders, 1)

	resp = ts.do(t, http.MethodDelete, "/api/v1/reminders/"+rem.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestEventsAreConsumedOnce(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "alice", "s3cret-pass")

	_, err := ts.store.AddSystemEvent(context.Background(), &db.SystemEvent{
		UserID: "alice", Source: "test", EventType: "notice", Payload: json.RawMessage(`"ping"`),
	})
	require.NoError(t, err)

	resp := ts.do(t, http.MethodGet, "/api/v1/events", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[types.EventsResponse](t, resp).Events, 1)

	resp = ts.do(t, http.MethodGet, "/api/v1/events", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[types.EventsResponse](t, resp).Events)
}

func TestMemoryAndFavorites(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "alice", "s3cret-pass")

	resp := ts.do(t, http.MethodPut, "/api/v1/memory/timezone", token, map[string]string{"content": "Europe/Istanbul"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Europe/Istanbul", decode[db.MemoryEntry](t, resp).Content)

	resp = ts.do(t, http.MethodGet, "/api/v1/memory", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[types.ListMemoryResponse](t, resp).Entries, 1)

	resp = ts.do(t, http.MethodDelete, "/api/v1/memory/timezone", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/favorites", token, types.CreateFavoriteRequest{Title: "q", Content: "quote"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	fav := decode[db.Favorite](t, resp)

	resp = ts.do(t, http.MethodDelete, "/api/v1/favorites/"+jsonInt(fav.ID), token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "bob", "bob-pass")

	resp := ts.do(t, http.MethodPost, "/api/v1/api-keys", token, types.CreateAPIKeyRequest{Name: "laptop"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	key := decode[types.CreateAPIKeyResponse](t, resp).Key
	require.NotEmpty(t, key)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", key)
	keyResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer keyResp.Body.Close()
	assert.Equal(t, http.StatusOK, keyResp.StatusCode)
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.login(t, "alice", "s3cret-pass")
	member := ts.login(t, "bob", "bob-pass")

	resp := ts.do(t, http.MethodPost, "/api/v1/users", member, types.CreateUserRequest{ID: "carol"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/users", admin, types.CreateUserRequest{ID: "carol", Role: "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/users", admin, types.CreateUserRequest{ID: "carol", Password: "pw-carol"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	u := decode[db.User](t, resp)
	assert.Equal(t, "member", u.Role)
	assert.True(t, u.HasPassword)

	resp = ts.do(t, http.MethodPost, "/api/v1/users", admin, types.CreateUserRequest{ID: "carol"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/roles/reload", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, decode[types.ReloadRolesResponse](t, resp).Roles, "owner")

	resp = ts.do(t, http.MethodDelete, "/api/v1/users/alice", admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/api/v1/users/carol", admin, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketChat(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "alice", "s3cret-pass")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "chat",
		"id":   "m1",
		"data": map[string]any{"message": "hello"},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "chat_response" {
			assert.Equal(t, "hello from gbot", msg.Data["response"])
			return
		}
	}
}
