package ai

import (
	"context"
	"fmt"
)

// Canonical model names accepted in solve assignments.
const (
	ModelChatGPT = "ChatGpt"
	ModelClaude  = "Claude"
	ModelGemini  = "Gemini"
)

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Result struct {
	Text  string
	Usage Usage
}

// Provider is the uniform call contract over heterogeneous model vendors.
// Each implementation owns its own request framing and usage extraction but
// returns the same normalized shape. Providers never touch the billing
// ledger; the caller posts the returned usage.
type Provider interface {
	Invoke(ctx context.Context, prompt, fileText string) (*Result, error)
}

// InvocationError wraps a single provider failure. The orchestrator treats it
// as skip-and-continue, never aborting the remaining chain.
type InvocationError struct {
	Provider string
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s invocation failed: %v", e.Provider, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }
