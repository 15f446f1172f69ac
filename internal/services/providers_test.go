package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/generative-ai-go/genai"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestOpenAIClient_Generate(t *testing.T) {
	var req openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.Client(), "sk-test", "", srv.URL, 0.7)
	reply, err := c.Generate(context.Background(), Prompt{System: "be brief", Turns: userTurns("Hi", "hello", "again")})

	require.NoError(t, err)
	assert.Equal(t, "hello", reply)
	assert.Equal(t, openai.GPT3Dot5Turbo, req.Model)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[1].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, req.Messages[2].Role)
	assert.Equal(t, "again", req.Messages[3].Content)
	assert.InDelta(t, 0.7, req.Temperature, 1e-6)
}

func TestOpenAIClient_ErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   ErrorKind
	}{
		{"api error", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, KindStatus},
		{"plain error body", http.StatusBadGateway, `bad gateway`, KindStatus},
		{"no choices", http.StatusOK, `{"id":"c1","choices":[]}`, KindDecode},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewOpenAIClient(srv.Client(), "k", "", srv.URL, 0).Generate(context.Background(), Prompt{Turns: userTurns("Hi")})

			var uerr *UpstreamError
			require.True(t, errors.As(err, &uerr), "got %v", err)
			assert.Equal(t, tc.kind, uerr.Kind)
			if tc.kind == KindStatus {
				assert.Equal(t, tc.status, uerr.StatusCode)
			}
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		_, err := NewOpenAIClient(nil, "k", "", closedServerURL(t), 0).Generate(context.Background(), Prompt{Turns: userTurns("Hi")})

		var uerr *UpstreamError
		require.True(t, errors.As(err, &uerr))
		assert.Equal(t, KindTransport, uerr.Kind)
	})
}

const anthropicHello = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",` +
	`"content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":1}}`

func TestAnthropicClient_Generate(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak-test", r.Header.Get("X-Api-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(anthropicHello))
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.Client(), "ak-test", "claude-test", srv.URL, 0.2)
	reply, err := c.Generate(context.Background(), Prompt{System: "be brief", Turns: userTurns("Hi", "hello", "again")})

	require.NoError(t, err)
	assert.Equal(t, "hello", reply)
	assert.Equal(t, "claude-test", body["model"])
	assert.EqualValues(t, anthropicMaxTokens, body["max_tokens"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 3)
	assert.Equal(t, "assistant", msgs[1].(map[string]any)["role"])
	system, ok := body["system"].([]any)
	require.True(t, ok)
	assert.Equal(t, "be brief", system[0].(map[string]any)["text"])
}

func TestAnthropicClient_SingleAttemptOnError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`))
	}))
	defer srv.Close()

	_, err := NewAnthropicClient(srv.Client(), "k", "", srv.URL, 0).Generate(context.Background(), Prompt{Turns: userTurns("Hi")})

	var uerr *UpstreamError
	require.True(t, errors.As(err, &uerr), "got %v", err)
	assert.Equal(t, KindStatus, uerr.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, uerr.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestExtractAnthropicReply(t *testing.T) {
	_, derr := extractAnthropicReply(&anthropic.Message{})
	require.NotNil(t, derr)
	assert.Equal(t, ReasonNoParts, derr.Reason)

	_, derr = extractAnthropicReply(&anthropic.Message{Content: []anthropic.ContentBlockUnion{{Type: "tool_use"}}})
	require.NotNil(t, derr)
	assert.Equal(t, ReasonNoText, derr.Reason)

	text, derr := extractAnthropicReply(&anthropic.Message{Content: []anthropic.ContentBlockUnion{
		{Type: "thinking"},
		{Type: "text", Text: "hello"},
	}})
	require.Nil(t, derr)
	assert.Equal(t, "hello", text)
}

func TestSplitChatHistory(t *testing.T) {
	history, last := splitChatHistory(userTurns("Hi", "hello", "again"))

	assert.Equal(t, "again", last)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "model", history[1].Role)
	assert.Equal(t, genai.Text("hello"), history[1].Parts[0])

	history, last = splitChatHistory(nil)
	assert.Empty(t, history)
	assert.Equal(t, "", last)
}

func TestExtractSDKReply(t *testing.T) {
	tests := []struct {
		name   string
		resp   *genai.GenerateContentResponse
		want   string
		reason DecodeReason
	}{
		{"nil response", nil, "", ReasonNoCandidates},
		{"no candidates", &genai.GenerateContentResponse{}, "", ReasonNoCandidates},
		{"no content", &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{}}}, "", ReasonNoContent},
		{"no parts", &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: &genai.Content{}}}}, "", ReasonNoParts},
		{"blob part", &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []genai.Part{genai.Blob{MIMEType: "image/png"}}}}}}, "", ReasonNoText},
		{"text", &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []genai.Part{genai.Text("hello")}}}}}, "hello", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, derr := extractSDKReply(tc.resp)
			if tc.reason == "" {
				require.Nil(t, derr)
				assert.Equal(t, tc.want, got)
				return
			}
			require.NotNil(t, derr)
			assert.Equal(t, tc.reason, derr.Reason)
		})
	}
}

func TestClassifyGeminiSDKError(t *testing.T) {
	var uerr *UpstreamError

	err := classifyGeminiSDKError("gemini-sdk", &googleapi.Error{Code: 500, Body: "boom"})
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, KindStatus, uerr.Kind)
	assert.Equal(t, 500, uerr.StatusCode)

	err = classifyGeminiSDKError("gemini-sdk", &genai.BlockedError{})
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, KindDecode, uerr.Kind)

	err = classifyGeminiSDKError("gemini-sdk", errors.New("dial tcp: connection refused"))
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, KindTransport, uerr.Kind)
}
