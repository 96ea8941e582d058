package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"imggen/internal/api/response"
	"imggen/internal/model"
	"imggen/internal/pkg/activity"
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

type plainHasher struct{}

func (plainHasher) HashPassword(p string) (string, error) { return "hashed:" + p, nil }

type fixture struct {
	router   *gin.Engine
	accounts *store.Accounts
	images   *store.Images
	tracker  *activity.Tracker
}

func newFixture(t *testing.T) *fixture {
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
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, store.Migrate(db))

	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		accounts: store.NewAccounts(db),
		images:   store.NewImages(db),
		tracker:  activity.NewTracker(rdb, 15*time.Minute),
	}
	h := NewHandler(f.accounts, f.images, f.tracker, plainHasher{}, nil)

	r := gin.New()
	g := r.Group("/admin")
	g.GET("/users", h.ListUsers)
	g.POST("/users", h.CreateUser)
	g.GET("/users/:id", h.GetUser)
	g.PUT("/users/:id", h.UpdateUser)
	g.DELETE("/users/:id", h.DeleteUser)
	g.GET("/analytics/stats", h.Stats)
	f.router = r
	return f
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) seedUser(t *testing.T, name, status string) *model.User {
	t.Helper()
	u := &model.User{
		Username:     name,
		Email:        name + "@example.com",
		PasswordHash: "x",
		Status:       status,
	}
	require.NoError(t, f.accounts.CreateUser(context.Background(), u))
	return u
}

func dataOf(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	data, _ := env.Data.(map[string]any)
	return data
}

func messageOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var env response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Message
}

func TestListUsers_FilterAndPaginate(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 12; i++ {
		f.seedUser(t, fmt.Sprintf("user%02d", i), model.StatusActive)
	}
	f.seedUser(t, "bad_guy", model.StatusBanned)

	w := f.do(http.MethodGet, "/admin/users?page=2&pageSize=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := dataOf(t, w)
	users, _ := data["users"].([]any)
	assert.Len(t, users, 5)
	pg, _ := data["pagination"].(map[string]any)
	assert.EqualValues(t, 13, pg["total"])
	assert.EqualValues(t, 3, pg["totalPages"])

	w = f.do(http.MethodGet, "/admin/users?status=banned", nil)
	users, _ = dataOf(t, w)["users"].([]any)
	require.Len(t, users, 1)
	first, _ := users[0].(map[string]any)
	assert.Equal(t, "bad_guy", first["username"])
	assert.NotContains(t, first, "password_hash")

	w = f.do(http.MethodGet, "/admin/users?keyword=user1", nil)
	users, _ = dataOf(t, w)["users"].([]any)
	assert.Len(t, users, 2)

	w = f.do(http.MethodGet, "/admin/users?status=sleepy", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/admin/users?page=9223372036854775807&pageSize=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data = dataOf(t, w)
	users, _ = data["users"].([]any)
	assert.Empty(t, users)
	pg, _ = data["pagination"].(map[string]any)
	assert.EqualValues(t, math.MaxInt32/5+1, pg["page"])
}

func TestCreateUser(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/admin/users", gin.H{
		"username": "carol", "email": "Carol@Example.com", "password": "secret1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "carol@example.com", dataOf(t, w)["email"])

	u, err := f.accounts.FindUserByUsername(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, "hashed:secret1", u.PasswordHash)

	w = f.do(http.MethodPost, "/admin/users", gin.H{
		"username": "carol", "email": "other@example.com", "password": "secret1",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/admin/users", gin.H{
		"username": "x", "email": "x@example.com", "password": "secret1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "username must be 3-20 characters", messageOf(t, w))

	w = f.do(http.MethodPost, "/admin/users", gin.H{
		"username": "erin", "email": "erin@example.com", "password": "secret1", "status": "sleepy",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid status", messageOf(t, w))
}

func TestUpdateUser(t *testing.T) {
	f := newFixture(t)
	alice := f.seedUser(t, "alice", model.StatusActive)
	f.seedUser(t, "bob", model.StatusActive)
	path := fmt.Sprintf("/admin/users/%d", alice.ID)

	w := f.do(http.MethodPut, path, gin.H{"status": model.StatusBanned, "password": "newpass1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.StatusBanned, dataOf(t, w)["status"])

	u, err := f.accounts.FindUserByID(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "hashed:newpass1", u.PasswordHash)

	w = f.do(http.MethodPut, path, gin.H{"username": "bob"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// 保留自己的用户名不算冲突
	w = f.do(http.MethodPut, path, gin.H{"username": "alice"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPut, path, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPut, path, gin.H{"status": "sleepy"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPut, path, gin.H{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid email format", messageOf(t, w))

	w = f.do(http.MethodPut, path, gin.H{"password": "123"})
	assert.Equal(t, "password must be 6-20 characters", messageOf(t, w))

	w = f.do(http.MethodPut, "/admin/users/999", gin.H{"status": model.StatusActive})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetAndDeleteUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.seedUser(t, "dave", model.StatusActive)
	require.NoError(t, f.images.Create(ctx, []model.Image{{UserID: u.ID, Prompt: "p", URL: "u"}}))
	path := fmt.Sprintf("/admin/users/%d", u.ID)

	w := f.do(http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dave", dataOf(t, w)["username"])

	w = f.do(http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, w.Code)

	n, err := f.images.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, path, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/admin/users/abc", nil).Code)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedUser(t, "erin", model.StatusActive)
	f.seedUser(t, "frank", model.StatusBanned)
	require.NoError(t, f.images.Create(ctx, []model.Image{
		{UserID: a.ID, Prompt: "p", URL: "u1"},
		{UserID: a.ID, Prompt: "p", URL: "u2"},
	}))
	require.NoError(t, f.tracker.Touch(ctx, a.ID))

	w := f.do(http.MethodGet, "/admin/analytics/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := dataOf(t, w)
	assert.EqualValues(t, 2, data["total_users"])
	assert.EqualValues(t, 1, data["active_users"])
	assert.EqualValues(t, 1, data["banned_users"])
	assert.EqualValues(t, 2, data["total_images"])
	assert.EqualValues(t, 1, data["recently_active_users"])
	assert.Equal(t, "15m0s", data["activity_window"])
}
