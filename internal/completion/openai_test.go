// ABOUTME: Tests for the OpenAI completion client against an httptest server
// ABOUTME: Checks request shape and the status-to-error mapping

package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/flowgpt-gateway/internal/session"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAI(OpenAIConfig{
		BaseURL:     srv.URL,
		APIKey:      "sk-test",
		Model:       "gpt-4",
		MaxTokens:   2048,
		Temperature: 0.7,
		Timeout:     timeout,
	}, srv.Client(), nil)
}

func TestOpenAI_Complete(t *testing.T) {
	var got chatRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" Arr, hello! "}}]}`))
	}, time.Second)

	history := []session.Turn{
		{Role: session.RoleUser, Text: "Hi"},
		{Role: session.RoleAssistant, Text: "Ahoy"},
		{Role: session.RoleUser, Text: "Hello"},
	}
	reply, err := client.Complete(context.Background(), "You are a pirate.", history)
	require.NoError(t, err)
	assert.Equal(t, "Arr, hello!", reply)

	assert.Equal(t, "gpt-4", got.Model)
	assert.Equal(t, 2048, got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 0.0001)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, chatMessage{Role: "system", Content: "You are a pirate."}, got.Messages[0])
	assert.Equal(t, chatMessage{Role: "user", Content: "Hello"}, got.Messages[3])
}

func TestOpenAI_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, ErrRateLimited},
		{"request timeout", http.StatusRequestTimeout, ``, ErrTimeout},
		{"gateway timeout", http.StatusGatewayTimeout, `upstream`, ErrTimeout},
		{"server error", http.StatusInternalServerError, `{"error":{"message":"boom"}}`, ErrTransport},
		{"bad json", http.StatusOK, `not json`, ErrTransport},
		{"empty choices", http.StatusOK, `{"choices":[]}`, ErrTransport},
		{"blank content", http.StatusOK, `{"choices":[{"message":{"content":"  \n "}}]}`, ErrTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, time.Second)

			_, err := client.Complete(context.Background(), "sys", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, Retryable(err))
		})
	}
}

func TestOpenAI_APIErrorMessageSurfaces(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"auth"}}`))
	}, time.Second)

	_, err := client.Complete(context.Background(), "sys", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestAPIMessage_CutsOnRuneBoundary(t *testing.T) {
	msg := apiMessage(&chatResponse{}, []byte(strings.Repeat("é", 300)))
	assert.True(t, utf8.ValidString(msg))
	assert.Equal(t, 200, utf8.RuneCountInString(msg))
}

func TestOpenAI_PerCallTimeout(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 20*time.Millisecond)
	defer close(release)

	_, err := client.Complete(context.Background(), "sys", nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestOpenAI_ParentCancellationNotClassified(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 5*time.Second)
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Complete(ctx, "sys", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, Retryable(err))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(errors.New("other")))
	assert.False(t, Retryable(context.Canceled))
	assert.True(t, Retryable(ErrTimeout))
}
