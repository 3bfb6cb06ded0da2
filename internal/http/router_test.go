package httpapi

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

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/agent-feed/internal/bus"
	"github.com/tbourn/agent-feed/internal/config"
	"github.com/tbourn/agent-feed/internal/http/handlers"
	"github.com/tbourn/agent-feed/internal/http/middleware"
	"github.com/tbourn/agent-feed/internal/redact"
	"github.com/tbourn/agent-feed/internal/repo"
	"github.com/tbourn/agent-feed/internal/search"
	"github.com/tbourn/agent-feed/internal/services"
)

type testApp struct {
	engine *gin.Engine
	bus    *bus.Bus
	db     *gorm.DB
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	db = db.Session(&gorm.Session{Logger: logger.Default.LogMode(logger.Silent)})
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func newTestApp(t *testing.T, cfg config.Config) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newTestDB(t)
	red := redact.New()
	b := bus.New(bus.Options{SendTimeout: time.Second})
	t.Cleanup(func() { _ = b.Close() })

	feed := services.NewFeedService(db, repo.Store{}, b, red)
	feed.Index = search.New()
	ops := services.NewOperationService(feed, services.NewOperationSet([]string{"deploy"}), services.TemplateGenerator{}, time.Minute)

	streamCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := handlers.New(feed, ops, red, b).WithStream(handlers.StreamOptions{Context: streamCtx})

	r := gin.New()
	RegisterRoutes(r, h, Deps{DB: db, Scrubber: red}, cfg)
	return &testApp{engine: r, bus: b, db: db}
}

func baseConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     1000,
		RateBurst:   100,
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
}

func (a *testApp) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_HealthMetricsFallbacks(t *testing.T) {
	app := newTestApp(t, baseConfig())

	w := app.do(http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("GET /health = %d acao=%q", w.Code, w.Header().Get("Access-Control-Allow-Origin"))
	}
	var hb map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &hb)
	if hb["status"] != "ok" || hb["broker"] != "disabled" {
		t.Fatalf("health body = %v", hb)
	}
	if w.Header().Get("X-Request-ID") == "" || w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("middleware headers missing: %v", w.Header())
	}

	if w := app.do(http.MethodGet, "/metrics", nil, nil); w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics = %d", w.Code)
	}

	w = app.do(http.MethodGet, "/nope", nil, nil)
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), handlers.ErrCodeNotFound) {
		t.Fatalf("NoRoute = %d %s", w.Code, w.Body.String())
	}
	w = app.do(http.MethodDelete, "/api/v1/feed", nil, nil)
	if w.Code != http.StatusMethodNotAllowed || !strings.Contains(w.Body.String(), handlers.ErrCodeMethodNotAllowed) {
		t.Fatalf("NoMethod = %d %s", w.Code, w.Body.String())
	}
}

func TestHealth_BrokerStates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for _, tc := range []struct {
		connected func() bool
		want      string
	}{
		{nil, "disabled"},
		{func() bool { return true }, "connected"},
		{func() bool { return false }, "disconnected"},
	} {
		r := gin.New()
		r.GET("/health", health(tc.connected))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		if !strings.Contains(w.Body.String(), `"broker":"`+tc.want+`"`) {
			t.Fatalf("want %s, body %s", tc.want, w.Body.String())
		}
	}
}

func TestRegisterRoutes_CORSAllowlist(t *testing.T) {
	cfg := baseConfig()
	cfg.CORS.AllowedOrigins = []string{"https://ok.example"}
	app := newTestApp(t, cfg)

	w := app.do(http.MethodGet, "/health", nil, map[string]string{"Origin": "https://ok.example"})
	if w.Header().Get("Access-Control-Allow-Origin") != "https://ok.example" {
		t.Fatalf("allowlisted origin not echoed: %v", w.Header())
	}
	w = app.do(http.MethodGet, "/health", nil, map[string]string{"Origin": "https://evil.example"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin got ACAO %q", got)
	}
}

func TestRegisterRoutes_CustomBasePath(t *testing.T) {
	cfg := baseConfig()
	cfg.APIBasePath = "/"
	app := newTestApp(t, cfg)
	if w := app.do(http.MethodGet, "/channels", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("GET /channels at root = %d", w.Code)
	}
}

func TestRegisterRoutes_PostReplayAndFeedETag(t *testing.T) {
	app := newTestApp(t, baseConfig())
	hdr := map[string]string{
		middleware.HeaderAgentID:        "agent-1",
		middleware.HeaderIdempotencyKey: "post-0001",
	}
	body := map[string]any{"sender_id": "agent-1", "content": "deployed build 42, ping me at a@b.io"}

	w := app.do(http.MethodPost, "/api/v1/posts", body, hdr)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}
	var created handlers.CreatePostResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !created.Redacted || strings.Contains(created.Post.Content, "a@b.io") {
		t.Fatalf("content not redacted: %+v", created.Post)
	}
	if loc := w.Header().Get("Location"); loc != "/api/v1/posts/"+created.Post.ID {
		t.Fatalf("Location = %q", loc)
	}

	w = app.do(http.MethodPost, "/api/v1/posts", body, hdr)
	if w.Code != http.StatusOK || w.Header().Get(middleware.HeaderIdempotencyReplayed) != "true" {
		t.Fatalf("replay = %d replayed=%q", w.Code, w.Header().Get(middleware.HeaderIdempotencyReplayed))
	}
	var replayed handlers.CreatePostResponse
	_ = json.Unmarshal(w.Body.Bytes(), &replayed)
	if replayed.Post.ID != created.Post.ID {
		t.Fatalf("replay returned %s; want %s", replayed.Post.ID, created.Post.ID)
	}

	w = app.do(http.MethodGet, "/api/v1/feed", nil, nil)
	etag := w.Header().Get("ETag")
	if w.Code != http.StatusOK || etag == "" {
		t.Fatalf("feed = %d etag=%q", w.Code, etag)
	}
	var feed handlers.FeedResponse
	_ = json.Unmarshal(w.Body.Bytes(), &feed)
	if len(feed.Posts) != 1 || feed.Pagination.Total != 1 {
		t.Fatalf("feed = %+v", feed)
	}
	if w := app.do(http.MethodGet, "/api/v1/feed", nil, map[string]string{"If-None-Match": etag}); w.Code != http.StatusNotModified {
		t.Fatalf("conditional feed = %d", w.Code)
	}
}

func TestRegisterRoutes_RejectsBadIdempotencyKey(t *testing.T) {
	app := newTestApp(t, baseConfig())
	w := app.do(http.MethodPost, "/api/v1/posts",
		map[string]any{"sender_id": "agent-1", "content": "hi"},
		map[string]string{middleware.HeaderIdempotencyKey: strings.Repeat("k", 201)})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oversized key = %d", w.Code)
	}
}

func TestRegisterRoutes_StreamDeliversNewPosts(t *testing.T) {
	app := newTestApp(t, baseConfig())
	srv := httptest.NewServer(app.engine)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream?subscriber_id=watcher&topics=global"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake = %d", resp.StatusCode)
	}

	// Subscribe runs after the handshake completes on the server side.
	deadline := time.Now().Add(2 * time.Second)
	for app.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	res, err := http.Post(srv.URL+"/api/v1/posts", "application/json",
		strings.NewReader(`{"sender_id":"agent-2","content":"hello feed"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("post = %d", res.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev struct {
		Type   string          `json:"type"`
		Data   json.RawMessage `json:"data"`
		Topics []string        `json:"topics"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode event %s: %v", msg, err)
	}
	if ev.Type != bus.EventNewPost || !strings.Contains(string(ev.Data), "hello feed") {
		t.Fatalf("event = %s", msg)
	}
}

func TestRegisterRoutes_StreamRejectsBadTopic(t *testing.T) {
	app := newTestApp(t, baseConfig())
	w := app.do(http.MethodGet, "/stream?topics=bogus:thing", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad topic = %d", w.Code)
	}
}
