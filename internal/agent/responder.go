package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"atlas/internal/domain"
	"atlas/internal/metrics"
	"atlas/internal/provider"
)

const (
	defaultSystemPrompt   = "You are a helpful assistant."
	formattingAddendum    = "\n\nIMPORTANT FORMATTING RULES:\n1. Be concise.\n2. Use Markdown.\n3. No walls of text."
	defaultWebhookTimeout = 10 * time.Second
	maxWebhookBody        = 1 << 20
)

// webhookTextKeys are tried in order when extracting a webhook reply.
var webhookTextKeys = []string{"response", "reply", "output", "content", "message", "text"}

// Responder produces an agent's reply text. Failures are rendered as
// visible "Error: ..." text, never returned.
type Responder interface {
	Respond(ctx context.Context, channelID string, agent domain.Agent, t Transcript) string
}

// ResponderConfig configures AgentResponder.
type ResponderConfig struct {
	Provider       domain.Provider
	Model          string
	WebhookTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// AgentResponder dispatches on agent type: hosted agents are completed by
// the model provider, webhook agents by an HTTP POST.
type AgentResponder struct {
	provider domain.Provider
	model    string
	client   *http.Client
	logger   *slog.Logger
}

func NewAgentResponder(cfg ResponderConfig) *AgentResponder {
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = defaultWebhookTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = provider.SharedHTTPClient(cfg.WebhookTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AgentResponder{
		provider: cfg.Provider,
		model:    cfg.Model,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
	}
}

func (r *AgentResponder) Respond(ctx context.Context, channelID string, agent domain.Agent, t Transcript) string {
	if agent.Type == domain.AgentWebhook {
		return r.respondWebhook(ctx, channelID, agent, t)
	}
	return r.respondHosted(ctx, agent, t)
}

func (r *AgentResponder) respondHosted(ctx context.Context, agent domain.Agent, t Transcript) string {
	system := agent.SystemPrompt
	if strings.TrimSpace(system) == "" {
		system = defaultSystemPrompt
	}

	resp, err := r.provider.Chat(ctx, domain.ChatRequest{
		Model: r.model,
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: system + formattingAddendum},
			{Role: domain.RoleUser, Content: "Chat History:\n" + t.Render()},
		},
	})
	if err != nil {
		r.logger.Warn("hosted agent generation failed", "agent", agent.Name, "err", err)
		return fmt.Sprintf("Error: Agent generation failed: %v", err)
	}
	return resp.Content
}

type webhookPayload struct {
	Message   string `json:"message"`
	ChannelID string `json:"channel_id"`
	AgentID   string `json:"agent_id"`
}

func (r *AgentResponder) respondWebhook(ctx context.Context, channelID string, agent domain.Agent, t Transcript) string {
	reply, err := r.callWebhook(ctx, channelID, agent, t)
	if err != nil {
		metrics.WebhookErrors.Inc()
		r.logger.Warn("webhook agent failed", "agent", agent.Name, "url", agent.WebhookURL, "err", err)
		return "Error: " + err.Error()
	}
	return reply
}

// webhookError carries the user-facing reason a webhook call failed.
type webhookError struct{ reason string }

func (e *webhookError) Error() string { return e.reason }

func webhookFail(format string, args ...any) error {
	return &webhookError{reason: fmt.Sprintf(format, args...)}
}

func (r *AgentResponder) callWebhook(ctx context.Context, channelID string, agent domain.Agent, t Transcript) (string, error) {
	body, err := json.Marshal(webhookPayload{
		Message:   t.Render(),
		ChannelID: channelID,
		AgentID:   agent.ID,
	})
	if err != nil {
		return "", webhookFail("Webhook payload could not be encoded: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return "", webhookFail("Webhook request could not be built: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range agent.WebhookHeaders {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", webhookFail("Webhook call failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", webhookFail("Webhook returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil {
		return "", webhookFail("Webhook response could not be read: %v", err)
	}
	return extractWebhookText(raw)
}

// extractWebhookText accepts an object, or a list whose first element is an
// object, and returns the first non-empty string under a known text key.
func extractWebhookText(raw []byte) (string, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", webhookFail("Webhook response was not valid JSON: %v", err)
	}

	if list, ok := decoded.([]any); ok {
		if len(list) == 0 {
			return "", webhookFail("Webhook response had no content")
		}
		decoded = list[0]
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return "", webhookFail("Webhook response was not a JSON object")
	}
	for _, key := range webhookTextKeys {
		if s, ok := obj[key].(string); ok && s != "" {
			return s, nil
		}
	}
	return "", webhookFail("Webhook response had no content")
}
