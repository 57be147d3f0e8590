package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"atlas/internal/domain"
	"atlas/internal/metrics"
)

const defaultTriggerRule = "Reply if asked"

// Evaluator decides whether an agent should take the next turn.
type Evaluator interface {
	ShouldSpeak(ctx context.Context, agent domain.Agent, t Transcript) (bool, error)
}

// TriggerEvaluator asks the language model a closed YES/NO question built
// from the agent's trigger rule and the transcript.
type TriggerEvaluator struct {
	provider domain.Provider
	model    string
	logger   *slog.Logger
}

func NewTriggerEvaluator(provider domain.Provider, model string, logger *slog.Logger) *TriggerEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerEvaluator{provider: provider, model: model, logger: logger}
}

func (e *TriggerEvaluator) ShouldSpeak(ctx context.Context, agent domain.Agent, t Transcript) (bool, error) {
	resp, err := e.provider.Chat(ctx, domain.ChatRequest{
		Model:    e.model,
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: triggerPrompt(agent, t)}},
	})
	if err != nil {
		metrics.TriggerErrors.Inc()
		return false, fmt.Errorf("trigger check for %s: %w", agent.Name, err)
	}

	yes := isAffirmative(resp.Content)
	if yes {
		metrics.TriggerYes.Inc()
	} else {
		metrics.TriggerNo.Inc()
	}
	e.logger.Debug("trigger evaluated", "agent", agent.Name, "answer", resp.Content, "speak", yes)
	return yes, nil
}

func triggerPrompt(agent domain.Agent, t Transcript) string {
	rule := agent.TriggerPrompt
	if strings.TrimSpace(rule) == "" {
		rule = defaultTriggerRule
	}
	return fmt.Sprintf(
		"You are evaluating if an AI agent named '%s' should reply.\n"+
			"The agent's trigger rule is: %s\n\n"+
			"Recent Chat History:\n%s\n\n"+
			"Based ONLY on the trigger rule and the history, should this agent reply next?\n"+
			"Reply with exactly one word: YES or NO.",
		agent.Name, rule, t.Render(),
	)
}

// isAffirmative is the single place the model's answer is interpreted.
// Any answer containing YES counts, so "YES, NO WAIT" is affirmative.
func isAffirmative(answer string) bool {
	return strings.Contains(strings.ToUpper(strings.TrimSpace(answer)), "YES")
}
