package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"wanistream/app/config"
	"wanistream/app/database"
	"wanistream/app/logger"
	"wanistream/app/model"

	"github.com/gin-gonic/gin"
)

func newTestServer(t *testing.T, opts ...func(*config.Config)) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.Username = "admin"
	cfg.Server.Password = "secret"
	cfg.Database.Path = filepath.Join(dir, "test.db")
	cfg.Media.WatchDir = filepath.Join(dir, "videos")
	cfg.Encoder.LogDir = filepath.Join(dir, "logs")
	for _, opt := range opts {
		opt(cfg)
	}

	log := logger.NewNop()
	if err := database.Init(cfg, log); err != nil {
		t.Fatalf("初始化数据库失败: %v", err)
	}

	s, err := New(cfg, log)
	if err != nil {
		t.Fatalf("创建服务失败: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func doJSON(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.gin.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	w := doJSON(s, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "admin", "password": "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("登录失败: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Data.Token == "" {
		t.Fatalf("解析登录响应失败: %v %s", err, w.Body.String())
	}
	return resp.Data.Token
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	if w := doJSON(s, http.MethodGet, "/api/streams", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := doJSON(s, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "admin", "password": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", w.Code)
	}
}

func TestScheduleStreamThroughAPI(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s)

	start := time.Now().Add(time.Hour)
	w := doJSON(s, http.MethodPost, "/api/streams", token, map[string]any{
		"title":           "夜间轮播",
		"video_path":      "/videos/loop.mp4",
		"rtmp_url":        "rtmp://a.rtmp.youtube.com/live2",
		"stream_key":      "key-1",
		"scheduled_start": start,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(s, http.MethodGet, "/api/streams?status=scheduled", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("夜间轮播")) {
		t.Fatalf("scheduled stream missing from list: %s", w.Body.String())
	}

	if w := doJSON(s, http.MethodGet, "/api/system/stats", token, nil); w.Code != http.StatusOK {
		t.Fatalf("system stats: %d %s", w.Code, w.Body.String())
	}
	if got := s.supervisor.Registry().Len(); got != 0 {
		t.Fatalf("future stream must not spawn, registry has %d", got)
	}
}

func TestNoResumeMarksLeftoverStreamsInterrupted(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Supervisor.ResumeOnBoot = false
		cfg.Supervisor.ReconcileInterval = time.Hour
	})

	ctx := context.Background()
	leftover := &model.Stream{Title: "遗留", Status: model.StreamStatusActive}
	if err := s.streams.Create(ctx, leftover); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.startBackground(); err != nil {
		t.Fatalf("startBackground: %v", err)
	}

	got, err := s.streams.GetJob(ctx, leftover.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StreamStatusInterrupted {
		t.Fatalf("status = %s, want interrupted", got.Status)
	}
	if s.supervisor.Registry().Len() != 0 {
		t.Fatal("leftover stream must not be restarted")
	}
}
