package agent

const (
	defaultBreakerThreshold = 5

	// BreakerNotice is posted when agents have talked among themselves for
	// too long.
	BreakerNotice = "⚠️ *System: Circuit breaker activated to prevent infinite looping. Waiting for human input.*"

	// ClosingNotice is posted when every agent declines, if enabled.
	ClosingNotice = "✅ **Process completed.** Waiting for new instructions."
)

// TurnBreaker stops agent-to-agent loops once the trailing run of non-human
// turns reaches the threshold.
type TurnBreaker struct {
	Threshold int
}

func NewTurnBreaker(threshold int) TurnBreaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	return TurnBreaker{Threshold: threshold}
}

// Tripped reports whether the transcript must stop for human input.
func (b TurnBreaker) Tripped(t Transcript) bool {
	return t.ConsecutiveAgentTurns() >= b.Threshold
}
