package imagegen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a cat", req.Prompt)
		assert.Equal(t, 2, req.BatchSize)

		_, _ = w.Write([]byte(`{"images":[{"url":"http://img/1"},{"url":"http://img/2"}],"seed":7}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1/", "k", time.Second, nil)
	res, err := c.Generate(context.Background(), Request{Prompt: "a cat", Model: DefaultModel, ImageSize: "1024x1024", BatchSize: 2})
	require.NoError(t, err)
	require.Len(t, res.Images, 2)
	assert.Equal(t, "http://img/2", res.Images[1].URL)
	assert.EqualValues(t, 7, res.Seed)
}

func TestGenerate_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad prompt"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second, nil)
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})

	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusBadRequest, upErr.Status)
	assert.Equal(t, "bad prompt", upErr.Message)
}

func TestGenerate_NotConfigured(t *testing.T) {
	c := NewClient("http://unused", "", time.Second, nil)
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestParseSize(t *testing.T) {
	w, h, err := ParseSize("1024x1280")
	require.NoError(t, err)
	assert.Equal(t, 1024, w)
	assert.Equal(t, 1280, h)

	_, _, err = ParseSize("big")
	assert.Error(t, err)
}
