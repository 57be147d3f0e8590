package domain

import "fmt"

// AgentType selects how an agent produces its replies.
type AgentType string

const (
	AgentHosted  AgentType = "HOSTED"
	AgentWebhook AgentType = "WEBHOOK"
)

// Agent is a participant that can be bound to channels. It is read-only for
// the duration of a routing pass.
type Agent struct {
	ID               string            `json:"id" yaml:"id"`
	Name             string            `json:"name" yaml:"name"`
	Type             AgentType         `json:"type" yaml:"type"`
	SystemPrompt     string            `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	TriggerPrompt    string            `json:"trigger_prompt,omitempty" yaml:"trigger_prompt,omitempty"`
	WebhookURL       string            `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`
	WebhookHeaders   map[string]string `json:"webhook_headers,omitempty" yaml:"webhook_headers,omitempty"`
	RequiresApproval bool              `json:"requires_approval" yaml:"requires_approval"`
}

func (a Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidAgent)
	}
	if a.Name == "" {
		return fmt.Errorf("%w: agent %s has no name", ErrInvalidAgent, a.ID)
	}
	switch a.Type {
	case AgentHosted:
	case AgentWebhook:
		if a.WebhookURL == "" {
			return fmt.Errorf("%w: webhook agent %s has no webhook_url", ErrInvalidAgent, a.Name)
		}
	default:
		return fmt.Errorf("%w: agent %s has unknown type %q", ErrInvalidAgent, a.Name, a.Type)
	}
	return nil
}
