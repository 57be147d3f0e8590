package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"atlas/internal/domain"
	"atlas/internal/metrics"
	"atlas/internal/tracing"
)

// Outcome is the terminal state of a routing pass.
type Outcome string

const (
	OutcomeAlreadyClaimed Outcome = "ALREADY_CLAIMED"
	OutcomeBreakerTripped Outcome = "BREAKER_TRIPPED"
	OutcomeNoAgents       Outcome = "NO_AGENTS"
	OutcomeAgentSpoke     Outcome = "AGENT_SPOKE"
	OutcomeAllExhausted   Outcome = "ALL_EXHAUSTED"
)

// AgentFailure records a candidate whose trigger check failed. The pass
// treats it as declining and moves on.
type AgentFailure struct {
	AgentID string
	Err     error
}

// PassResult describes what a pass did.
type PassResult struct {
	Outcome  Outcome
	Skipped  []string // self-reply suppression
	Declined []string
	Failures []AgentFailure
	// Inserted is the reply or notice written by the pass, if any.
	Inserted *domain.Message
}

// RouterConfig holds the collaborators and tuning of a Router.
type RouterConfig struct {
	Store            domain.MessageStore
	Evaluator        Evaluator
	Responder        Responder
	Gatekeeper       *Gatekeeper
	WindowSize       int
	BreakerThreshold int
	ClosingNotice    bool
	Logger           *slog.Logger
}

// Router runs the turn-taking state machine for one triggering message at a
// time. Concurrent passes only coordinate through the store's claim.
type Router struct {
	store         domain.MessageStore
	history       *HistoryReader
	breaker       TurnBreaker
	evaluator     Evaluator
	responder     Responder
	gatekeeper    *Gatekeeper
	closingNotice bool
	logger        *slog.Logger
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Gatekeeper == nil {
		cfg.Gatekeeper = NewGatekeeper(defaultBlockMarker)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		store:         cfg.Store,
		history:       NewHistoryReader(cfg.Store, cfg.WindowSize),
		breaker:       NewTurnBreaker(cfg.BreakerThreshold),
		evaluator:     cfg.Evaluator,
		responder:     cfg.Responder,
		gatekeeper:    cfg.Gatekeeper,
		closingNotice: cfg.ClosingNotice,
		logger:        cfg.Logger,
	}
}

// Pass processes one triggering message. Store failures abort the pass with
// an error; per-agent failures are folded into the result.
func (r *Router) Pass(ctx context.Context, source domain.Message) (res PassResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "router.pass")
	span.SetAttributes(
		tracing.StringAttr("channel_id", source.ChannelID),
		tracing.StringAttr("message_id", source.ID),
	)
	start := time.Now()
	metrics.PassesTotal.Inc()
	metrics.ActivePasses.Inc()
	defer func() {
		metrics.ActivePasses.Dec()
		metrics.PassLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.PassFailures.Inc()
			tracing.RecordError(span, err)
		} else {
			span.SetAttributes(tracing.StringAttr("outcome", string(res.Outcome)))
			tracing.SetOK(span)
		}
		span.End()
	}()

	if source.ID == "" || source.ChannelID == "" {
		return res, fmt.Errorf("%w: pass needs message id and channel_id", domain.ErrInvalidMessage)
	}
	logger := r.logger.With("channel_id", source.ChannelID, "message_id", source.ID)

	claimed, err := r.store.ClaimMessage(ctx, source.ID)
	if err != nil {
		return res, err
	}
	if !claimed {
		logger.Debug("message already claimed by another pass")
		res.Outcome = OutcomeAlreadyClaimed
		return res, nil
	}

	agents, err := r.store.ChannelAgents(ctx, source.ChannelID)
	if err != nil {
		return res, err
	}
	transcript, err := r.history.Load(ctx, source.ChannelID, agents)
	if err != nil {
		return res, err
	}

	if r.breaker.Tripped(transcript) {
		logger.Warn("turn breaker tripped", "agent_turns", transcript.ConsecutiveAgentTurns())
		metrics.BreakerTrips.Inc()
		notice, err := r.insertNotice(ctx, source.ChannelID, BreakerNotice)
		if err != nil {
			return res, err
		}
		res.Outcome = OutcomeBreakerTripped
		res.Inserted = &notice
		return res, nil
	}

	if len(agents) == 0 {
		logger.Debug("no agents bound to channel")
		res.Outcome = OutcomeNoAgents
		return res, nil
	}

	lastAuthor := transcript.LatestAgentID()
	for _, agent := range agents {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if agent.ID == lastAuthor {
			res.Skipped = append(res.Skipped, agent.ID)
			continue
		}

		speak, err := r.evaluator.ShouldSpeak(ctx, agent, transcript)
		if err != nil {
			logger.Warn("trigger check failed, agent declines", "agent", agent.Name, "err", err)
			res.Failures = append(res.Failures, AgentFailure{AgentID: agent.ID, Err: err})
			continue
		}
		if !speak {
			logger.Debug("agent stays quiet", "agent", agent.Name)
			res.Declined = append(res.Declined, agent.ID)
			continue
		}

		logger.Info("agent takes the turn", "agent", agent.Name, "type", agent.Type)
		reply := r.responder.Respond(ctx, source.ChannelID, agent, transcript)
		verdict := r.gatekeeper.Finalize(agent, reply)

		msg, err := r.store.InsertMessage(ctx, domain.Message{
			ChannelID:   source.ChannelID,
			Content:     verdict.Content,
			AgentID:     agent.ID,
			Status:      verdict.Status,
			IsProcessed: verdict.IsProcessed,
		})
		if err != nil {
			return res, fmt.Errorf("store reply of %s: %w", agent.Name, err)
		}
		if verdict.Status == domain.StatusPending {
			metrics.RepliesPending.Inc()
			logger.Info("reply held for approval", "agent", agent.Name, "reply_id", msg.ID)
		} else {
			metrics.RepliesApproved.Inc()
		}

		res.Outcome = OutcomeAgentSpoke
		res.Inserted = &msg
		return res, nil
	}

	res.Outcome = OutcomeAllExhausted
	if r.closingNotice {
		if latest, ok := transcript.Latest(); ok && latest.Content == ClosingNotice {
			return res, nil
		}
		notice, err := r.insertNotice(ctx, source.ChannelID, ClosingNotice)
		if err != nil {
			return res, err
		}
		res.Inserted = &notice
	}
	logger.Debug("no agent took the turn", "declined", len(res.Declined), "failed", len(res.Failures))
	return res, nil
}

// insertNotice writes an approved, already processed system message.
func (r *Router) insertNotice(ctx context.Context, channelID, content string) (domain.Message, error) {
	msg, err := r.store.InsertMessage(ctx, domain.Message{
		ChannelID:   channelID,
		Content:     content,
		Status:      domain.StatusApproved,
		IsProcessed: true,
	})
	if err != nil {
		return msg, fmt.Errorf("store system notice: %w", err)
	}
	return msg, nil
}
