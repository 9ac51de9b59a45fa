package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestChatMessages(t *testing.T) {
	t.Parallel()

	got := ChatMessages(Request{
		SystemPrompt: "you are the CTO",
		History: []Message{
			{Author: "student", Text: "hello", User: true},
			{Author: "CTO", Text: "hi"},
		},
		Input: "what matters most?",
	})
	want := []ChatMessage{
		{Role: RoleSystem, Content: "you are the CTO"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "CTO: hi"},
		{Role: RoleUser, Content: "what matters most?"},
	}
	assert.Equal(t, want, got)
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", &Error{Kind: RateLimited, Err: base})
	assert.Equal(t, RateLimited, KindOf(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "rate_limited")

	assert.Equal(t, Kind(0), KindOf(base))
	assert.False(t, IsRetryable(base))

	assert.Equal(t, RateLimited, httpStatusKind(429))
	assert.Equal(t, Timeout, httpStatusKind(504))
	assert.Equal(t, Malformed, httpStatusKind(400))
	assert.Equal(t, Transport, httpStatusKind(502))
}

func TestFinish(t *testing.T) {
	t.Parallel()

	out, err := finish(Request{}, "  hello \n")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = finish(Request{}, "   ")
	assert.Equal(t, Malformed, KindOf(err))

	_, err = finish(Request{JSON: true}, "not json")
	assert.Equal(t, Malformed, KindOf(err))

	out, err = finish(Request{JSON: true}, `{"responder":"CTO"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"responder":"CTO"}`, out)
}

func TestStripCodeFence(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, "plain", stripCodeFence("plain"))
}

func chatServer(t *testing.T, handler http.HandlerFunc) *OpenAIGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "test-model", Title: "reclass"})
}

func TestOpenAIGatewayComplete(t *testing.T) {
	t.Parallel()

	var body map[string]any
	g := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "reclass", r.Header.Get("X-Title"))
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","model":"test-model",
			"choices":[{"index":0,"message":{"role":"assistant","content":"We need more users."},"finish_reason":"stop"}]}`)
	})

	out, err := g.Complete(context.Background(), Request{SystemPrompt: "sys", Input: "goal?", JSON: false})
	require.NoError(t, err)
	assert.Equal(t, "We need more users.", out)
	assert.Equal(t, "test-model", body["model"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestOpenAIGatewayErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"error":{"message":"slow down","type":"rate_limit"}}`, want: RateLimited},
		{name: "server error", status: http.StatusBadGateway, body: `{"error":{"message":"upstream","type":"server"}}`, want: Transport},
		{name: "no choices", status: http.StatusOK, body: `{"id":"c1","choices":[]}`, want: Malformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := chatServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := g.Complete(context.Background(), Request{Input: "hi"})
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err), "err: %v", err)
		})
	}
}

func TestOpenAIGatewayTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	g := chatServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	_, err := g.Complete(context.Background(), Request{Input: "hi", Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, Timeout, KindOf(err))
}

func TestWithLogging(t *testing.T) {
	t.Parallel()

	fail := &Error{Kind: Transport, Err: errors.New("down")}
	calls := 0
	g := WithLogging(GatewayFunc(func(context.Context, Request) (string, error) {
		calls++
		if calls == 1 {
			return "", fail
		}
		return "ok", nil
	}), "test", zap.NewNop())

	_, err := g.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, fail)
	out, err := g.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}
