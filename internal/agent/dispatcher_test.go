package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/bus"
	"atlas/internal/domain"
	"atlas/internal/store"
)

type countingPasser struct {
	mu      sync.Mutex
	seen    []string
	active  atomic.Int32
	peak    atomic.Int32
	hold    time.Duration
	failIDs map[string]bool
}

func (p *countingPasser) Pass(_ context.Context, m domain.Message) (PassResult, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(p.hold)

	p.mu.Lock()
	p.seen = append(p.seen, m.ID)
	p.mu.Unlock()

	if p.failIDs[m.ID] {
		return PassResult{}, errors.New("store unavailable")
	}
	if m.ID == "panic" {
		panic("boom")
	}
	return PassResult{Outcome: OutcomeAllExhausted}, nil
}

func (p *countingPasser) seenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func TestDispatcher_RunsEveryEventWithBoundedConcurrency(t *testing.T) {
	b := bus.New(16, quietLogger())
	p := &countingPasser{hold: 20 * time.Millisecond, failIDs: map[string]bool{"m3": true}}
	d := NewDispatcher(DispatcherConfig{Router: p, Bus: b, Concurrency: 2, Logger: quietLogger()})

	for _, id := range []string{"m1", "m2", "m3", "panic", "m5", "m6"} {
		b.Publish(domain.MessageEvent{Type: "INSERT", Record: domain.Message{ID: id, ChannelID: "c1"}})
	}

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return p.seenCount() == 6 }, 2*time.Second, 10*time.Millisecond)
	b.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after bus close")
	}
	assert.LessOrEqual(t, p.peak.Load(), int32(2))
}

func TestDispatcher_StopsOnContextCancel(t *testing.T) {
	b := bus.New(1, quietLogger())
	defer b.Close()
	d := NewDispatcher(DispatcherConfig{Router: &countingPasser{}, Bus: b, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}

func TestDispatcher_DefaultConcurrency(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	assert.Equal(t, defaultConcurrency, d.concurrency)
}

var agentGamma = domain.Agent{ID: "g", Name: "Gamma", Type: domain.AgentHosted}

// eagerChannel binds two agents that always want to speak to channel c1 of a
// fresh SQLite store.
func eagerChannel(t *testing.T, threshold int) (*store.SQLiteStore, *Router) {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "atlas.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for i, a := range []domain.Agent{agentA, agentGamma} {
		require.NoError(t, s.UpsertAgent(ctx, a))
		require.NoError(t, s.BindAgent(ctx, "c1", a.ID, i))
	}

	p := newScriptedProvider()
	p.answers["Alpha"] = "YES"
	p.answers["Gamma"] = "YES"
	r := NewRouter(RouterConfig{
		Store:            s,
		Evaluator:        NewTriggerEvaluator(p, "", quietLogger()),
		Responder:        NewAgentResponder(ResponderConfig{Provider: p, Logger: quietLogger()}),
		WindowSize:       10,
		BreakerThreshold: threshold,
		Logger:           quietLogger(),
	})
	return s, r
}

func assertAlternatedUntilBreaker(t *testing.T, s *store.SQLiteStore) {
	t.Helper()
	recent, err := s.RecentApproved(context.Background(), "c1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 5)

	assert.Equal(t, BreakerNotice, recent[0].Content)
	assert.Equal(t, "a", recent[1].AgentID)
	assert.Equal(t, "g", recent[2].AgentID)
	assert.Equal(t, "a", recent[3].AgentID)
	assert.Equal(t, "u1", recent[4].SenderID)
	for _, m := range recent {
		assert.True(t, m.IsProcessed, "message %s left unprocessed", m.ID)
	}
}

func TestDispatcher_MirrorRoutesRepliesUntilBreaker(t *testing.T) {
	s, r := eagerChannel(t, 3)
	b := bus.New(16, quietLogger())
	d := NewDispatcher(DispatcherConfig{Router: r, Bus: b, Concurrency: 1, Mirror: s, Logger: quietLogger()})

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()

	// The record only exists upstream; the mirror stores it before its pass.
	b.Publish(domain.MessageEvent{Type: "INSERT", Record: domain.Message{
		ID: "ext-1", ChannelID: "c1", SenderID: "u1", Content: "hello",
		Status: domain.StatusApproved, CreatedAt: time.Now().UTC(),
	}})

	require.Eventually(t, func() bool {
		recent, err := s.RecentApproved(context.Background(), "c1", 1)
		return err == nil && len(recent) == 1 && recent[0].Content == BreakerNotice
	}, 5*time.Second, 20*time.Millisecond)
	b.Close()
	<-done

	stored, err := s.GetMessage(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Content)
	assertAlternatedUntilBreaker(t, s)
}

func TestDispatcher_WithoutMirrorDoesNotLoopBack(t *testing.T) {
	b := bus.New(4, quietLogger())
	defer b.Close()
	reply := domain.Message{ID: "r1", ChannelID: "c1", AgentID: "a", Status: domain.StatusApproved}
	p := &fixedPasser{res: PassResult{Outcome: OutcomeAgentSpoke, Inserted: &reply}}
	d := NewDispatcher(DispatcherConfig{Router: p, Bus: b, Logger: quietLogger()})

	d.runPass(context.Background(), domain.Message{ID: "m1", ChannelID: "c1"})

	assert.Len(t, b.Subscribe(), 0)
}

func TestChain_FollowsRepliesUntilBreaker(t *testing.T) {
	s, r := eagerChannel(t, 3)
	ctx := context.Background()
	src, err := s.InsertMessage(ctx, domain.Message{ChannelID: "c1", SenderID: "u1", Content: "hello", Status: domain.StatusApproved})
	require.NoError(t, err)

	results, err := Chain(ctx, r, src, 10)
	require.NoError(t, err)

	var outcomes []Outcome
	for _, res := range results {
		outcomes = append(outcomes, res.Outcome)
	}
	assert.Equal(t, []Outcome{OutcomeAgentSpoke, OutcomeAgentSpoke, OutcomeAgentSpoke, OutcomeBreakerTripped}, outcomes)
	assertAlternatedUntilBreaker(t, s)
}

func TestChain_StopsAtLimit(t *testing.T) {
	s, r := eagerChannel(t, 3)
	ctx := context.Background()
	src, err := s.InsertMessage(ctx, domain.Message{ChannelID: "c1", SenderID: "u1", Content: "hello", Status: domain.StatusApproved})
	require.NoError(t, err)

	results, err := Chain(ctx, r, src, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeAgentSpoke, results[0].Outcome)
}

func TestChain_StopsOnPendingReply(t *testing.T) {
	reply := domain.Message{ID: "r1", ChannelID: "c1", AgentID: "b", Status: domain.StatusPending, IsProcessed: true}
	p := &fixedPasser{res: PassResult{Outcome: OutcomeAgentSpoke, Inserted: &reply}}

	results, err := Chain(context.Background(), p, domain.Message{ID: "m1", ChannelID: "c1"}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

type fixedPasser struct {
	res PassResult
}

func (p *fixedPasser) Pass(context.Context, domain.Message) (PassResult, error) {
	return p.res, nil
}
