package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/domain"
)

func TestIsAffirmative(t *testing.T) {
	cases := map[string]bool{
		"YES":          true,
		"  yes\n":      true,
		"Yes.":         true,
		"YES, NO WAIT": true,
		"NO":           false,
		"no.":          false,
		"":             false,
		"Maybe":        false,
	}
	for answer, want := range cases {
		assert.Equal(t, want, isAffirmative(answer), "answer %q", answer)
	}
}

func TestTriggerPrompt_DefaultRule(t *testing.T) {
	tr := Transcript{Entries: []Entry{{Label: "Ada", Content: "hello", Author: AuthorHuman}}}
	prompt := triggerPrompt(domain.Agent{Name: "Planner"}, tr)

	assert.Contains(t, prompt, "AI agent named 'Planner' should reply.")
	assert.Contains(t, prompt, "The agent's trigger rule is: Reply if asked\n")
	assert.Contains(t, prompt, "Recent Chat History:\nAda: hello\n")
	assert.Contains(t, prompt, "Reply with exactly one word: YES or NO.")
}

func TestTriggerPrompt_CustomRule(t *testing.T) {
	prompt := triggerPrompt(domain.Agent{Name: "Critic", TriggerPrompt: "Reply after every plan"}, Transcript{})
	assert.Contains(t, prompt, "The agent's trigger rule is: Reply after every plan\n")
}

func TestTriggerEvaluator_ShouldSpeak(t *testing.T) {
	p := newScriptedProvider()
	p.answers["Planner"] = "yes"
	e := NewTriggerEvaluator(p, "trigger-model", quietLogger())

	speak, err := e.ShouldSpeak(context.Background(), domain.Agent{Name: "Planner"}, Transcript{})
	require.NoError(t, err)
	assert.True(t, speak)

	speak, err = e.ShouldSpeak(context.Background(), domain.Agent{Name: "Critic"}, Transcript{})
	require.NoError(t, err)
	assert.False(t, speak)

	require.Len(t, p.requests, 2)
	assert.Equal(t, "trigger-model", p.requests[0].Model)
	require.Len(t, p.requests[0].Messages, 1)
	assert.Equal(t, "user", p.requests[0].Messages[0].Role)
}

func TestTriggerEvaluator_ProviderError(t *testing.T) {
	p := newScriptedProvider()
	p.failures["Planner"] = errors.New("upstream down")
	e := NewTriggerEvaluator(p, "", quietLogger())

	speak, err := e.ShouldSpeak(context.Background(), domain.Agent{Name: "Planner"}, Transcript{})
	assert.Error(t, err)
	assert.False(t, speak)
}
