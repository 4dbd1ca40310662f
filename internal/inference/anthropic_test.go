package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *AnthropicClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewAnthropicClient("test-key-do-not-log", "", 600)
	c.endpoint = srv.URL
	return c
}

func TestCompleteReturnsText(t *testing.T) {
	var gotVersion, gotKey string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.Header.Get("anthropic-version")
		gotKey = r.Header.Get("X-API-Key")

		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, defaultModel, req.Model)

		json.NewEncoder(w).Encode(messagesResponse{
			Content: []contentBlock{{Type: "text", Text: "processing"}},
		})
	})

	text, err := client.Complete(context.Background(), Request{
		Prompt:  "classify this",
		Purpose: PurposeDetectState,
	})
	require.NoError(t, err)
	assert.Equal(t, "processing", text)
	assert.Equal(t, anthropicVersion, gotVersion)
	assert.Equal(t, "test-key-do-not-log", gotKey)
}

func TestCompleteErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, KindAuth},
		{"forbidden", http.StatusForbidden, KindAuth},
		{"rate limited", http.StatusTooManyRequests, KindRateLimited},
		{"server error", http.StatusInternalServerError, KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := client.Complete(context.Background(), Request{Purpose: PurposePrioritize})
			require.Error(t, err)
			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestCompleteAuthErrorOmitsCredential(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := client.Complete(context.Background(), Request{Purpose: PurposeDetectState})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "test-key-do-not-log")
}

func TestCompleteMalformedResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	})
	_, err := client.Complete(context.Background(), Request{Purpose: PurposeDetectState})
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindMalformed, kind)
}

func TestCompleteEmptyContentIsMalformed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(messagesResponse{})
	})
	_, err := client.Complete(context.Background(), Request{Purpose: PurposeDetectState})
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindMalformed, kind)
}

func TestCompleteTimeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	})
	_, err := client.Complete(context.Background(), Request{
		Purpose: PurposeDetectState,
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, kind)
}

func TestCompleteJoinsTextBlocks(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(messagesResponse{
			Content: []contentBlock{
				{Type: "text", Text: "awaiting"},
				{Type: "tool_use"},
				{Type: "text", Text: "_input"},
			},
		})
	})
	text, err := client.Complete(context.Background(), Request{Purpose: PurposeDetectState})
	require.NoError(t, err)
	assert.Equal(t, "awaiting_input", strings.TrimSpace(text))
}
