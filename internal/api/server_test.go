package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"imggen/internal/api/response"
	"imggen/internal/config"
	"imggen/internal/model"
	"imggen/internal/pkg/imagegen"
	"imggen/internal/pkg/logger"
	"imggen/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, req imagegen.Request) (*imagegen.Result, error) {
	return &imagegen.Result{Images: []imagegen.Image{{URL: "https://cdn.example.com/1.png"}}, Seed: 7}, nil
}

type countingMailer struct {
	mu sync.Mutex
	n  int
}

func (m *countingMailer) SendWelcome(ctx context.Context, toEmail, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	return nil
}

func (m *countingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n
}

type testServer struct {
	*Server
	mailer *countingMailer
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.Migrate(db))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		App: config.AppConfig{
			Env:              config.EnvTest,
			ActivityWindow:   15 * time.Minute,
			AnonResultTTL:    time.Hour,
			MailWorkers:      1,
			MailQueueSize:    10,
			StaticUploadsDir: t.TempDir(),
		},
		Security: config.SecurityConfig{
			JWTSecret:      "test-secret-test-secret-test-secret",
			LoginRateLimit: 1,
			LoginRateBurst: 50,
		},
	}
	cfg.Security.BootstrapAdmins = []config.AdminSeed{
		{Username: "root", Email: "root@example.com", Password: "rootpass"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	mailer := &countingMailer{}
	srv, err := New(cfg, logger.Discard(), Deps{DB: db, Redis: rdb, Generator: stubGenerator{}, Notifier: mailer})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close(context.Background()) })
	require.NoError(t, srv.SeedAdmins(context.Background()))
	return &testServer{Server: srv, mailer: mailer}
}

func (s *testServer) do(method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
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
	s.Router().ServeHTTP(w, req)

	var env response.Envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	data, _ := env.Data.(map[string]any)
	return w, data
}

func (s *testServer) login(t *testing.T, path, username, password string) string {
	t.Helper()
	w, data := s.do(http.MethodPost, path, "", gin.H{"username": username, "password": password})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	token, _ := data["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestServer_RegisterLoginValidate(t *testing.T) {
	s := newTestServer(t, nil)

	w, data := s.do(http.MethodPost, "/api/auth/register", "", gin.H{
		"username": "alice", "email": "alice@example.com", "password": "secret1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "alice", data["username"])

	w, _ = s.do(http.MethodPost, "/api/auth/register", "", gin.H{
		"username": "alice", "email": "other@example.com", "password": "secret1",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	token := s.login(t, "/api/auth/login", "alice", "secret1")

	w, data = s.do(http.MethodPost, "/api/auth/validate-token", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, data["valid"])

	w, _ = s.do(http.MethodPost, "/api/auth/login", "", gin.H{"username": "alice", "password": "wrong-pw"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(http.MethodPost, "/api/auth/login", "", gin.H{"username": "nobody", "password": "secret1"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(http.MethodPost, "/api/auth/validate-token", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 欢迎邮件在后台队列中发送
	require.NoError(t, s.jobs.Shutdown(context.Background()))
	assert.Equal(t, 1, s.mailer.count())
}

func TestServer_AdminGuard(t *testing.T) {
	s := newTestServer(t, nil)

	_, _ = s.do(http.MethodPost, "/api/auth/register", "", gin.H{
		"username": "bob", "email": "bob@example.com", "password": "secret1",
	})
	userToken := s.login(t, "/api/auth/login", "bob", "secret1")
	adminToken := s.login(t, "/auth/login", "root", "rootpass")

	w, _ := s.do(http.MethodGet, "/admin/users", userToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "user token must not pass admin guard")
	w, _ = s.do(http.MethodGet, "/api/user/profile", userToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, data := s.do(http.MethodGet, "/admin/users", adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	users, _ := data["users"].([]any)
	assert.Len(t, users, 1)

	w, _ = s.do(http.MethodPost, "/auth/validate-token", adminToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	admin, err := s.accounts.FindAdminByUsername(context.Background(), "root")
	require.NoError(t, err)
	require.NoError(t, s.accounts.SetAdminStatus(context.Background(), admin.ID, model.StatusBanned))

	w, _ = s.do(http.MethodGet, "/auth/profile", adminToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = s.do(http.MethodPost, "/auth/login", "", gin.H{"username": "root", "password": "rootpass"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_GenerateAnonymousAndUser(t *testing.T) {
	s := newTestServer(t, nil)

	w, data := s.do(http.MethodPost, "/api/generate-image", "", gin.H{"prompt": "a lighthouse"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, data["persisted"])

	_, _ = s.do(http.MethodPost, "/api/auth/register", "", gin.H{
		"username": "carol", "email": "carol@example.com", "password": "secret1",
	})
	token := s.login(t, "/api/auth/login", "carol", "secret1")

	w, data = s.do(http.MethodPost, "/api/generate-image", token, gin.H{"prompt": "a lighthouse"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, data["persisted"])

	w, data = s.do(http.MethodGet, "/api/image-history", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	items, _ := data["items"].([]any)
	assert.Len(t, items, 1)

	w, _ = s.do(http.MethodPost, "/api/generate-image", "garbage-token", gin.H{"prompt": "x"})
	assert.Equal(t, http.StatusOK, w.Code, "optional auth never blocks")
}

func TestServer_LoginRateLimited(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Security.LoginRateLimit = 0.001
		cfg.Security.LoginRateBurst = 2
	})

	body := gin.H{"username": "nobody", "password": "secret1"}
	for i := 0; i < 2; i++ {
		w, _ := s.do(http.MethodPost, "/api/auth/login", "", body)
		assert.Equal(t, http.StatusNotFound, w.Code)
	}
	w, data := s.do(http.MethodPost, "/api/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, data, "retry_after")
}

func TestServer_HealthAndFallback(t *testing.T) {
	s := newTestServer(t, nil)

	w, _ := s.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w, _ = s.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(http.MethodGet, "/no/such/route", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	var env response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.False(t, env.Success)
}

func TestServer_CORS(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Security.AllowedOrigins = []string{"https://app.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
