package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestOriginPolicy_Development(t *testing.T) {
	p := NewOriginPolicy([]string{"https://app.example.com/"}, true)

	assert.True(t, p.Allowed(""), "absent origin is allowed")
	assert.True(t, p.Allowed("https://app.example.com"))
	assert.True(t, p.Allowed("http://localhost:5173"))
	assert.True(t, p.Allowed("http://127.0.0.1:9999"), "any local port in development")
	assert.False(t, p.Allowed("https://evil.example.com"))
	assert.False(t, p.Allowed("http://localhost.evil.com:80"))
	assert.Contains(t, p.Origins(), "http://localhost:4173")
	assert.NotContains(t, p.Origins(), "https://huanst.cn")
}

func TestOriginPolicy_DevelopmentKeepsFallbackWithoutConfig(t *testing.T) {
	p := NewOriginPolicy(nil, true)

	assert.Contains(t, p.Origins(), "http://localhost:5173")
	assert.Contains(t, p.Origins(), "https://huanst.cn")
	assert.True(t, p.Allowed("https://admin-dashboard.huanst.cn"))

	p = NewOriginPolicy([]string{"  ", ""}, true)
	assert.True(t, p.Allowed("https://www.huanst.cn"), "blank entries are not an explicit configuration")
}

func TestOriginPolicy_ProductionFallback(t *testing.T) {
	p := NewOriginPolicy(nil, false)

	assert.ElementsMatch(t, []string{"https://huanst.cn", "https://www.huanst.cn", "https://admin-dashboard.huanst.cn"}, p.Origins())
	assert.True(t, p.Allowed("https://www.huanst.cn"))
	assert.False(t, p.Allowed("http://localhost:5173"), "dev origins are not allowed in production")
}

func TestOriginPolicy_ConfiguredReplacesFallback(t *testing.T) {
	p := NewOriginPolicy([]string{" https://a.example.com ", ""}, false)
	assert.Equal(t, []string{"https://a.example.com"}, p.Origins())
	assert.False(t, p.Allowed("https://huanst.cn"))
}

func newCORSRouter(p *OriginPolicy) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS(p, nil))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.OPTIONS("/ping", func(c *gin.Context) { c.Status(http.StatusTeapot) })
	return r
}

func TestCORS_SimpleRequests(t *testing.T) {
	r := newCORSRouter(NewOriginPolicy([]string{"https://app.example.com"}, false))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "denied origins are not hard-rejected")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"), "denied responses still vary by origin")

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Vary"))
}

func TestCORS_Preflight(t *testing.T) {
	r := newCORSRouter(NewOriginPolicy([]string{"https://app.example.com"}, false))

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := preflight("https://app.example.com")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PATCH")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")

	w = preflight("https://evil.example.com")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))
}

func TestCORS_PanicDegradesToDeny(t *testing.T) {
	var p *OriginPolicy

	allowed, err := p.evaluate("https://x.example.com")
	assert.False(t, allowed)
	assert.Error(t, err)
}
