package domain

import (
	"context"
	"time"
)

// Provider is the language-model collaborator: one chat completion per call.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
	Healthy(ctx context.Context) error
}

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest leaves Model empty to use the provider's default.
type ChatRequest struct {
	Model     string
	Messages  []ChatMessage
	MaxTokens int
}

type ChatResponse struct {
	Content string
	Model   string // as reported by the endpoint, which may route elsewhere
	Usage   Usage
	Latency time.Duration
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
