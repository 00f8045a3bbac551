package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIProvider_Invoke(t *testing.T) {
	var gotReq openAIChatReq
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "  the answer  "}},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 34},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-test", "gpt-4o-mini")
	res, err := p.Invoke(context.Background(), "solve it", "col1,col2")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	if res.Text != "the answer" {
		t.Fatalf("text should be trimmed, got %q", res.Text)
	}
	if res.Usage.InputTokens != 12 || res.Usage.OutputTokens != 34 {
		t.Fatalf("usage mismatch: %+v", res.Usage)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("missing bearer auth, got %q", gotAuth)
	}
	if len(gotReq.Messages) != 3 {
		t.Fatalf("expected system+prompt+file messages, got %d", len(gotReq.Messages))
	}
	if gotReq.Messages[0].Role != "system" {
		t.Fatalf("first message must be the system frame")
	}
	if gotReq.Messages[2].Content != "the data col1,col2" {
		t.Fatalf("file message mismatch: %q", gotReq.Messages[2].Content)
	}
}

func TestOpenAIProvider_NoFileMessageWhenEmpty(t *testing.T) {
	var gotReq openAIChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-test", "")
	if _, err := p.Invoke(context.Background(), "q", ""); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(gotReq.Messages) != 2 {
		t.Fatalf("expected 2 messages without file text, got %d", len(gotReq.Messages))
	}
}

func TestOpenAIProvider_UpstreamErrorWraps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"quota"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-test", "")
	_, err := p.Invoke(context.Background(), "q", "")
	if err == nil {
		t.Fatalf("expected error")
	}
	var ie *InvocationError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InvocationError, got %T", err)
	}
	if ie.Provider != ModelChatGPT {
		t.Fatalf("wrong provider tag: %s", ie.Provider)
	}
}

func TestOpenAIProvider_MissingKey(t *testing.T) {
	p := NewOpenAIProvider("http://127.0.0.1:1", "", "")
	if _, err := p.Invoke(context.Background(), "q", ""); err == nil {
		t.Fatalf("missing api key must fail before any request")
	}
}

func TestAnthropicProvider_Invoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "ak-test" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing version header")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "part one "},
				{"type": "text", "text": "part two"},
			},
			"usage": map[string]any{"input_tokens": 5, "output_tokens": 7},
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider(srv.URL, "ak-test", "claude-3-haiku-20240307")
	res, err := p.Invoke(context.Background(), "solve", "")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Text != "part one part two" {
		t.Fatalf("text blocks should concatenate, got %q", res.Text)
	}
	if res.Usage.InputTokens != 5 || res.Usage.OutputTokens != 7 {
		t.Fatalf("usage mismatch: %+v", res.Usage)
	}
}

func TestGeminiProvider_Invoke(t *testing.T) {
	var gotBody geminiReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "gk-test" {
			t.Errorf("key must travel as query param")
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": "gemini says"}}}},
			},
			"usageMetadata": map[string]any{"promptTokenCount": 3, "candidatesTokenCount": 9},
		})
	}))
	defer srv.Close()

	p := NewGeminiProvider(srv.URL, "gk-test", "gemini-1.5-flash")
	res, err := p.Invoke(context.Background(), "the prompt", "csv rows")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Text != "gemini says" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Usage.InputTokens != 3 || res.Usage.OutputTokens != 9 {
		t.Fatalf("usage mismatch: %+v", res.Usage)
	}
	if len(gotBody.Contents) != 1 || gotBody.Contents[0].Parts[0].Text != "the prompt and the data csv rows" {
		t.Fatalf("gemini prompt must be flattened with file text: %+v", gotBody)
	}
}

func TestRegistry_GetAndKnown(t *testing.T) {
	reg := NewRegistry()
	reg.Register("ChatGpt", func(ctx context.Context) (Provider, error) {
		return NewOpenAIProvider("http://example.invalid", "k", "m"), nil
	})

	if !reg.Known("chatgpt") || !reg.Known(" ChatGpt ") {
		t.Fatalf("lookup must be case and space insensitive")
	}
	if reg.Known("Claude") {
		t.Fatalf("unregistered model must be unknown")
	}
	if _, err := reg.Get(context.Background(), "ChatGpt"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := reg.Get(context.Background(), "Claude"); err == nil {
		t.Fatalf("get of unknown model must fail")
	}
}
