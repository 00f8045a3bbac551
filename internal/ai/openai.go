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

// OpenAIProvider backs the "ChatGpt" assignment slot.
type OpenAIProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

type openAIMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatReq struct {
	Model    string      `json:"model"`
	Messages []openAIMsg `json:"messages"`
}

type openAIChatResp struct {
	Choices []struct {
		Message openAIMsg `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *OpenAIProvider) Invoke(ctx context.Context, prompt, fileText string) (*Result, error) {
	if p.Client == nil {
		return nil, &InvocationError{Provider: ModelChatGPT, Err: errors.New("http client is nil")}
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, &InvocationError{Provider: ModelChatGPT, Err: errors.New("api key is required")}
	}

	msgs := []openAIMsg{
		{Role: "system", Content: "You are an experienced problem solver and assistant"},
		{Role: "user", Content: prompt},
	}
	if fileText != "" {
		msgs = append(msgs, openAIMsg{Role: "user", Content: "the data " + fileText})
	}

	b, err := json.Marshal(openAIChatReq{Model: p.Model, Messages: msgs})
	if err != nil {
		return nil, &InvocationError{Provider: ModelChatGPT, Err: err}
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, &InvocationError{Provider: ModelChatGPT, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, &InvocationError{Provider: ModelChatGPT, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, &InvocationError{Provider: ModelChatGPT, Err: errors.New(msg)}
	}

	var decoded openAIChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &InvocationError{Provider: ModelChatGPT, Err: err}
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, &InvocationError{Provider: ModelChatGPT, Err: errors.New(decoded.Error.Message)}
	}
	if len(decoded.Choices) == 0 {
		return nil, &InvocationError{Provider: ModelChatGPT, Err: errors.New("empty response")}
	}

	return &Result{
		Text: strings.TrimSpace(decoded.Choices[0].Message.Content),
		Usage: Usage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
		},
	}, nil
}
