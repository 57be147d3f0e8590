package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"atlas/internal/domain"
	"atlas/internal/metrics"
)

const (
	defaultAPIBase = "https://openrouter.ai/api/v1"
	defaultModel   = "openrouter/free"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint. The
// defaults target OpenRouter.
type OpenAI struct {
	apiBase string
	model   string
	headers http.Header
	client  *http.Client
	logger  *slog.Logger
}

type OpenAIConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Referer string // sent as HTTP-Referer
	Title   string // sent as X-Title
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	headers := http.Header{}
	if cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	if cfg.Referer != "" {
		headers.Set("HTTP-Referer", cfg.Referer)
	}
	if cfg.Title != "" {
		headers.Set("X-Title", cfg.Title)
	}

	return &OpenAI{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		model:   cfg.Model,
		headers: headers,
		client:  SharedHTTPClient(cfg.Timeout),
		logger:  cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return "openai-compatible" }

// Healthy lists models, which needs a valid key on OpenRouter but costs
// nothing.
func (o *OpenAI) Healthy(ctx context.Context) error {
	req, err := o.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("model endpoint not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return nil
}

// APIError is a non-200 answer from the model endpoint, or an error object
// OpenRouter embeds in a 200 body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat completion %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the failure says something about the endpoint's
// health rather than about the request.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	var wrapped completionResponse
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		msg = wrapped.Error.Message
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// isClientError is true for request-side failures that should not count
// against the endpoint.
func isClientError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Retryable()
}

type completionRequest struct {
	Model     string               `json:"model"`
	Messages  []domain.ChatMessage `json:"messages"`
	MaxTokens int                  `json:"max_tokens,omitempty"`
	Stream    bool                 `json:"stream"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
	Usage domain.Usage `json:"usage"`
	Error *struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (o *OpenAI) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body := completionRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	}
	if body.Model == "" {
		body.Model = o.model
	}
	if body.Messages == nil {
		body.Messages = []domain.ChatMessage{}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	httpReq, err := o.newRequest(ctx, http.MethodPost, "/chat/completions", payload)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	metrics.LLMRequestsTotal.Inc()
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if out.Error != nil {
		// OpenRouter reports upstream failures inside a 200 body.
		return nil, &APIError{StatusCode: http.StatusBadGateway, Message: out.Error.Message}
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	latency := time.Since(start)
	metrics.LLMLatency.Observe(latency.Seconds())
	o.logger.Debug("chat completed", "model", body.Model, "served_by", out.Model, "tokens", out.Usage.TotalTokens, "latency_ms", latency.Milliseconds())

	served := out.Model
	if served == "" {
		served = body.Model
	}
	return &domain.ChatResponse{
		Content: out.Choices[0].Message.Content,
		Model:   served,
		Usage:   out.Usage,
		Latency: latency,
	}, nil
}

func (o *OpenAI) newRequest(ctx context.Context, method, path string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.apiBase+path, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	for k, v := range o.headers {
		req.Header[k] = v
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
