package agent

import (
	"context"
	"log/slog"
	"sync"

	"atlas/internal/domain"
)

const defaultConcurrency = 8

// Passer runs a routing pass for one message.
type Passer interface {
	Pass(ctx context.Context, source domain.Message) (PassResult, error)
}

// MessageMirror stores records delivered over ingress that the routing
// store has not seen yet.
type MessageMirror interface {
	EnsureMessage(ctx context.Context, msg domain.Message) (bool, error)
}

// DispatcherConfig holds the dispatcher's dependencies.
type DispatcherConfig struct {
	Router      Passer
	Bus         domain.EventBus
	Concurrency int
	// Mirror, when set, makes the dispatcher stand in for the database
	// webhook of a store that has none: ingress records are stored before
	// their pass and every approved reply is published back as a new event.
	Mirror MessageMirror
	Logger *slog.Logger
}

// Dispatcher consumes accepted events and runs one pass per event with
// bounded concurrency.
type Dispatcher struct {
	router      Passer
	bus         domain.EventBus
	concurrency int
	mirror      MessageMirror
	logger      *slog.Logger
	wg          sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		router:      cfg.Router,
		bus:         cfg.Bus,
		concurrency: cfg.Concurrency,
		mirror:      cfg.Mirror,
		logger:      cfg.Logger,
	}
}

// Run blocks until ctx is done or the bus is closed, then waits for
// in-flight passes.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "concurrency", d.concurrency, "loopback", d.mirror != nil)
	defer d.wg.Wait()

	sem := make(chan struct{}, d.concurrency)
	events := d.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case ev, ok := <-events:
			if !ok {
				d.logger.Info("event bus closed, dispatcher stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				d.logger.Warn("dispatcher stopping with queued event", "message_id", ev.Record.ID)
				return
			}
			d.wg.Add(1)
			go func(m domain.Message) {
				defer d.wg.Done()
				defer func() { <-sem }()
				d.runPass(ctx, m)
			}(ev.Record)
		}
	}
}

func (d *Dispatcher) runPass(ctx context.Context, m domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("pass panicked", "channel_id", m.ChannelID, "message_id", m.ID, "panic", r)
		}
	}()

	if d.mirror != nil {
		if _, err := d.mirror.EnsureMessage(ctx, m); err != nil {
			d.logger.Error("cannot store ingress record", "channel_id", m.ChannelID, "message_id", m.ID, "err", err)
			return
		}
	}

	res, err := d.router.Pass(ctx, m)
	if err != nil {
		d.logger.Error("pass failed", "channel_id", m.ChannelID, "message_id", m.ID, "err", err)
		return
	}
	d.logger.Info("pass finished",
		"channel_id", m.ChannelID,
		"message_id", m.ID,
		"outcome", res.Outcome,
		"declined", len(res.Declined),
		"failed", len(res.Failures),
	)

	if d.mirror == nil {
		return
	}
	if next, ok := nextSource(res); ok {
		d.bus.Publish(domain.MessageEvent{Type: "INSERT", Record: next})
	}
}

// nextSource returns the message a database webhook would deliver after
// the pass: an approved reply still waiting to be routed.
func nextSource(res PassResult) (domain.Message, bool) {
	m := res.Inserted
	if m == nil || m.Status != domain.StatusApproved || m.IsProcessed {
		return domain.Message{}, false
	}
	return *m, true
}

// Chain runs a pass for source and then for each approved reply the
// previous pass wrote, until a pass writes none or limit passes have run.
// It replaces the dispatcher loop for one-shot runs against a local store.
func Chain(ctx context.Context, p Passer, source domain.Message, limit int) ([]PassResult, error) {
	var results []PassResult
	for len(results) < limit {
		res, err := p.Pass(ctx, source)
		if err != nil {
			return results, err
		}
		results = append(results, res)

		next, ok := nextSource(res)
		if !ok {
			break
		}
		source = next
	}
	return results, nil
}
