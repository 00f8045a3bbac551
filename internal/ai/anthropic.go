package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AnthropicProvider backs the "Claude" assignment slot.
type AnthropicProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicReq struct {
	Model     string         `json:"model"`
	MaxTokens int            `json:"max_tokens"`
	Messages  []anthropicMsg `json:"messages"`
}

type anthropicResp struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewAnthropicProvider(baseURL, apiKey, model string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if model == "" {
		model = "claude-3-haiku-20240307"
	}
	return &AnthropicProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *AnthropicProvider) Invoke(ctx context.Context, prompt, fileText string) (*Result, error) {
	if p.Client == nil {
		return nil, &InvocationError{Provider: ModelClaude, Err: errors.New("http client is nil")}
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, &InvocationError{Provider: ModelClaude, Err: errors.New("api key is required")}
	}

	msgs := []anthropicMsg{{Role: "user", Content: prompt}}
	if fileText != "" {
		msgs = append(msgs, anthropicMsg{Role: "user", Content: "the data " + fileText})
	}

	b, err := json.Marshal(anthropicReq{Model: p.Model, MaxTokens: 2048, Messages: msgs})
	if err != nil {
		return nil, &InvocationError{Provider: ModelClaude, Err: err}
	}

	url := fmt.Sprintf("%s/v1/messages", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, &InvocationError{Provider: ModelClaude, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, &InvocationError{Provider: ModelClaude, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, &InvocationError{Provider: ModelClaude, Err: errors.New(msg)}
	}

	var decoded anthropicResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &InvocationError{Provider: ModelClaude, Err: err}
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, &InvocationError{Provider: ModelClaude, Err: errors.New(decoded.Error.Message)}
	}

	// Content arrives as typed blocks; concatenate the text ones.
	var b2 strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			b2.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b2.String())
	if text == "" {
		return nil, &InvocationError{Provider: ModelClaude, Err: errors.New("empty response")}
	}

	return &Result{
		Text: text,
		Usage: Usage{
			InputTokens:  decoded.Usage.InputTokens,
			OutputTokens: decoded.Usage.OutputTokens,
		},
	}, nil
}
