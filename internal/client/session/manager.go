// Package session 管理命令行客户端的登录状态。
//
// 登录凭据可保存在持久存储（记住登录）或会话存储中，两者同时只会有一个生效。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"imggen/internal/model"
)

// ErrNotLoggedIn 当前没有登录。
var ErrNotLoggedIn = errors.New("not logged in")

// State 登录状态快照。
type State struct {
	LoggedIn   bool
	Token      string
	User       *model.Account
	Persistent bool
}

// Manager 登录状态的唯一持有者，所有修改都经过它的方法。
type Manager struct {
	client     *Client
	persistent Storage
	session    Storage
	logger     *slog.Logger

	mu    sync.Mutex
	state State
}

// NewManager 创建会话管理器，并接管 client 的 401 处理。
func NewManager(client *Client, persistent, session Storage, logger *slog.Logger) *Manager {
	m := &Manager{
		client:     client,
		persistent: persistent,
		session:    session,
		logger:     logger,
	}
	client.OnUnauthorized(m.expire)
	return m
}

// State 返回当前状态的副本。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	return st
}

type loginResponse struct {
	Token string        `json:"token"`
	User  model.Account `json:"user"`
}

// Login 登录并保存凭据。remember 为 true 时写入持久存储，否则写入会话存储，另一个存储会被清空。
func (m *Manager) Login(ctx context.Context, username, password string, remember bool) (*model.Account, error) {
	var res loginResponse
	body := map[string]string{"username": username, "password": password}
	if err := m.client.send(ctx, http.MethodPost, "/api/auth/login", body, &res, false); err != nil {
		return nil, err
	}
	if res.Token == "" {
		return nil, errors.New("login response has no token")
	}

	target, other := m.session, m.persistent
	if remember {
		target, other = m.persistent, m.session
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := target.Save(Credentials{Token: res.Token, User: res.User}); err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}
	if err := other.Clear(); err != nil {
		m.warn("clear stale credentials failed", err)
	}
	m.client.SetToken(res.Token)
	user := res.User
	m.state = State{LoggedIn: true, Token: res.Token, User: &user, Persistent: remember}
	return &res.User, nil
}

// Logout 清空两个存储、内存状态和默认鉴权头。重复调用结果相同。
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearLocked()
}

func (m *Manager) clearLocked() error {
	err := errors.Join(m.persistent.Clear(), m.session.Clear())
	m.client.SetToken("")
	m.state = State{}
	return err
}

// expire 由 client 在收到 401 时调用，只清理仍在使用 token 的会话。
func (m *Manager) expire(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Token != token {
		return
	}
	if err := m.clearLocked(); err != nil {
		m.warn("clear expired credentials failed", err)
	}
}

// Restore 从存储中恢复登录状态，先查持久存储再查会话存储。
//
// 找到凭据时立即视为已登录，并在后台向服务端重新校验令牌；校验失败则完整登出。
// 返回的 channel 在校验结束后收到结果并关闭，没有凭据时直接关闭。
func (m *Manager) Restore(ctx context.Context) (bool, <-chan error) {
	done := make(chan error, 1)

	m.mu.Lock()
	cred, persistent := m.loadLocked()
	if cred == nil {
		m.mu.Unlock()
		close(done)
		return false, done
	}
	m.client.SetToken(cred.Token)
	user := cred.User
	m.state = State{LoggedIn: true, Token: cred.Token, User: &user, Persistent: persistent}
	m.mu.Unlock()

	go func() {
		defer close(done)
		err := m.revalidate(ctx, cred.Token, persistent)
		if err != nil {
			m.mu.Lock()
			// 期间已重新登录的不受影响
			if m.state.Token == cred.Token || m.state.Token == "" {
				if clearErr := m.clearLocked(); clearErr != nil {
					m.warn("clear credentials failed", clearErr)
				}
			}
			m.mu.Unlock()
		}
		done <- err
	}()
	return true, done
}

func (m *Manager) loadLocked() (*Credentials, bool) {
	cred, err := m.persistent.Load()
	if err != nil {
		m.warn("load persistent credentials failed", err)
	}
	if cred != nil {
		return cred, true
	}
	cred, err = m.session.Load()
	if err != nil {
		m.warn("load session credentials failed", err)
	}
	return cred, false
}

type validateResponse struct {
	Valid bool          `json:"valid"`
	User  model.Account `json:"user"`
}

func (m *Manager) revalidate(ctx context.Context, token string, persistent bool) error {
	var res validateResponse
	if err := m.client.Do(ctx, http.MethodPost, "/api/auth/validate-token", nil, &res); err != nil {
		return err
	}
	if !res.Valid {
		return errors.New("token rejected by server")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Token != token {
		return nil
	}
	user := res.User
	m.state.User = &user
	store := m.session
	if persistent {
		store = m.persistent
	}
	if err := store.Save(Credentials{Token: token, User: res.User}); err != nil {
		m.warn("refresh stored user failed", err)
	}
	return nil
}

// Profile 查询当前用户资料。
func (m *Manager) Profile(ctx context.Context) (*model.Account, error) {
	if !m.State().LoggedIn {
		return nil, ErrNotLoggedIn
	}
	var user model.Account
	if err := m.client.Do(ctx, http.MethodGet, "/api/user/profile", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// HistoryPage 生成记录分页结果。
type HistoryPage struct {
	Items      []model.Image `json:"items"`
	Pagination struct {
		Page       int   `json:"page"`
		Limit      int   `json:"limit"`
		Total      int64 `json:"total"`
		TotalPages int   `json:"totalPages"`
	} `json:"pagination"`
}

// History 查询当前用户的生成记录。
func (m *Manager) History(ctx context.Context, page, limit int) (*HistoryPage, error) {
	if !m.State().LoggedIn {
		return nil, ErrNotLoggedIn
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var out HistoryPage
	if err := m.client.Do(ctx, http.MethodGet, "/api/image-history?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *Manager) warn(msg string, err error) {
	if m.logger != nil {
		m.logger.Warn(msg, slog.String("error", err.Error()))
	}
}
