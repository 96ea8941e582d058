package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"imggen/internal/pkg/apperr"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestFail_MapsKinds(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		err     error
		status  int
		message string
	}{
		{apperr.Validation("bad input"), http.StatusBadRequest, "bad input"},
		{apperr.NotFound("missing"), http.StatusNotFound, "missing"},
		{apperr.Unauthorized("wrong password"), http.StatusUnauthorized, "wrong password"},
		{apperr.Forbidden("nope"), http.StatusForbidden, "nope"},
		{apperr.Conflict("taken"), http.StatusConflict, "taken"},
		{apperr.TooManyRequests("slow down"), http.StatusTooManyRequests, "slow down"},
		{apperr.Internal(errors.New("db password leaked")), http.StatusInternalServerError, "internal server error"},
		{errors.New("raw"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		Fail(c, nil, tc.err)

		assert.Equal(t, tc.status, w.Code)
		env := decode(t, w)
		assert.False(t, env.Success)
		assert.Equal(t, tc.status, env.Code)
		assert.Equal(t, tc.message, env.Message)
	}
}

func TestOK_Envelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	OK(c, "done", gin.H{"n": 1})

	env := decode(t, w)
	assert.True(t, env.Success)
	assert.Equal(t, http.StatusOK, env.Code)
	assert.Equal(t, "done", env.Message)
	_, err := time.Parse(time.RFC3339, env.Timestamp)
	assert.NoError(t, err)
}
