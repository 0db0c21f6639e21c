package threat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticKey(key string) KeyProvider {
	return func(context.Context) (string, error) { return key, nil }
}

func responseFixture(text string) map[string]any {
	return map[string]any{
		"model": "test-model",
		"output": []map[string]any{
			{"type": "social_stream_search_call"},
			{
				"type": "message",
				"role": "assistant",
				"content": []map[string]any{
					{"type": "output_text", "text": text},
				},
			},
		},
		"usage":     map[string]int{"input_tokens": 100, "output_tokens": 50, "total_tokens": 150},
		"citations": []string{"https://example.com/src"},
	}
}

func TestCreateResponseSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/responses", r.URL.Path)
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		json.NewEncoder(w).Encode(responseFixture("[]"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticKey("sk-test"), slog.Default())
	resp, err := c.CreateResponse(context.Background(), &Request{
		Model: "test-model",
		Input: []InputMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "[]", resp.Text())
	assert.Equal(t, 1, resp.SocialStreamCalls())
	assert.Equal(t, 150, resp.Usage.TotalTokens)
	assert.Equal(t, []string{"https://example.com/src"}, resp.Citations)
}

func TestCreateResponseNoRetryOnAuthFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticKey("sk-bad"), slog.Default())
	_, err := c.CreateResponse(context.Background(), &Request{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateResponseSchemaRejectionSurfaces(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"response_format schema is not supported for this model"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticKey("sk-test"), slog.Default())
	_, err := c.CreateResponse(context.Background(), &Request{
		Model: "m",
		Text:  analysisArrayFormat(),
	})
	assert.ErrorIs(t, err, ErrSchemaUnsupported)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateResponseRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(responseFixture("ok"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticKey("sk-test"), slog.Default())
	resp, err := c.CreateResponse(context.Background(), &Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text())
	assert.Equal(t, int32(2), calls.Load())
}

func TestCreateResponseMissingKeyFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not reach the provider")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticKey(""), slog.Default())
	_, err := c.CreateResponse(context.Background(), &Request{Model: "m"})
	assert.Error(t, err)
}
