package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func agentRun(n int) Transcript {
	tr := Transcript{Entries: []Entry{{Author: AuthorHuman}}}
	for i := 0; i < n; i++ {
		tr.Entries = append(tr.Entries, Entry{Author: AuthorAgent})
	}
	return tr
}

func TestTurnBreaker_TripsAtThreshold(t *testing.T) {
	b := NewTurnBreaker(5)

	assert.False(t, b.Tripped(agentRun(4)))
	assert.True(t, b.Tripped(agentRun(5)))
}

func TestTurnBreaker_SystemNoticeCounts(t *testing.T) {
	tr := agentRun(4)
	tr.Entries = append(tr.Entries, Entry{Author: AuthorSystem})

	assert.True(t, NewTurnBreaker(5).Tripped(tr))
}

func TestTurnBreaker_HumanResets(t *testing.T) {
	tr := agentRun(5)
	tr.Entries = append(tr.Entries, Entry{Author: AuthorHuman})

	assert.False(t, NewTurnBreaker(5).Tripped(tr))
}

func TestTurnBreaker_DefaultThreshold(t *testing.T) {
	assert.Equal(t, defaultBreakerThreshold, NewTurnBreaker(0).Threshold)
}
