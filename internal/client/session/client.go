package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrServerUnreachable 网络层失败，请求没有拿到任何响应。
var ErrServerUnreachable = errors.New("cannot reach server")

// 拦截器推送给用户的提示。
const (
	MsgLoginExpired = "login expired, please sign in again"
	MsgForbidden    = "permission denied"
	MsgNotFound     = "requested resource not found"
	MsgServerError  = "server error, please try again later"
	MsgUnreachable  = "cannot reach server, check your network"
)

// MessageSink 接收面向用户的提示信息。
type MessageSink func(msg string)

// APIError 服务端返回的非 2xx 响应。
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// StatusOf 返回 err 中的 HTTP 状态码，非 APIError 返回 0。
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
}

// Client 带默认鉴权头的 API 客户端。
type Client struct {
	baseURL string
	http    *http.Client
	sink    MessageSink

	mu             sync.RWMutex
	token          string
	onUnauthorized func(token string)
}

// NewClient 创建客户端。sink 可为 nil。
func NewClient(baseURL string, timeout time.Duration, sink MessageSink) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if sink == nil {
		sink = func(string) {}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		sink:    sink,
	}
}

// SetToken 设置默认鉴权令牌，空字符串表示移除。
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token 返回当前令牌。
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// OnUnauthorized 注册携带令牌的请求收到 401 时的回调，参数为该请求使用的令牌。
func (c *Client) OnUnauthorized(fn func(token string)) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

// Do 携带当前令牌发送请求，并将响应的 data 解码到 out。
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	return c.send(ctx, method, path, body, out, true)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any, withAuth bool) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	token := ""
	if withAuth {
		token = c.Token()
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.sink(MsgUnreachable)
		return fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= 400 {
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.intercept(resp.StatusCode, token)
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// intercept 统一处理错误状态码。
//
// 401 只在请求携带的令牌仍是当前令牌时视为登录过期，旧令牌的迟到响应直接忽略。
func (c *Client) intercept(status int, token string) {
	switch {
	case status == http.StatusUnauthorized:
		if token == "" {
			return
		}
		c.mu.RLock()
		fn := c.onUnauthorized
		current := c.token
		c.mu.RUnlock()
		if current != token {
			return
		}
		if fn != nil {
			fn(token)
		}
		c.sink(MsgLoginExpired)
	case status == http.StatusForbidden:
		c.sink(MsgForbidden)
	case status == http.StatusNotFound:
		c.sink(MsgNotFound)
	case status >= http.StatusInternalServerError:
		c.sink(MsgServerError)
	}
}
