package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"atlas/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory MessageStore with the same claim semantics as
// the SQL stores.
type memStore struct {
	mu       sync.Mutex
	messages []domain.Message
	agents   map[string][]domain.Agent
	profiles map[string]string
	clock    time.Time

	claimErr  error
	insertErr error
}

func newMemStore() *memStore {
	return &memStore{
		agents:   make(map[string][]domain.Agent),
		profiles: make(map[string]string),
		clock:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

// add appends a message with a strictly increasing timestamp.
func (s *memStore) add(m domain.Message) domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(m)
}

func (s *memStore) addLocked(m domain.Message) domain.Message {
	s.clock = s.clock.Add(time.Second)
	if m.ID == "" {
		m.ID = fmt.Sprintf("m%d", len(s.messages)+1)
	}
	if m.Status == "" {
		m.Status = domain.StatusApproved
	}
	m.CreatedAt = s.clock
	s.messages = append(s.messages, m)
	return m
}

func (s *memStore) human(channel, sender, content string) domain.Message {
	return s.add(domain.Message{ChannelID: channel, SenderID: sender, Content: content})
}

func (s *memStore) agentSaid(channel, agentID, content string) domain.Message {
	return s.add(domain.Message{ChannelID: channel, AgentID: agentID, Content: content, IsProcessed: true})
}

func (s *memStore) bind(channel string, agents ...domain.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[channel] = append(s.agents[channel], agents...)
}

// since returns the messages stored after the first n.
func (s *memStore) since(n int) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages[n:]...)
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *memStore) find(id string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Message{}, false
}

func (s *memStore) RecentApproved(_ context.Context, channelID string, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[i]
		if m.ChannelID == channelID && m.Status == domain.StatusApproved {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) ClaimMessage(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return false, s.claimErr
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			if s.messages[i].IsProcessed {
				return false, nil
			}
			s.messages[i].IsProcessed = true
			return true, nil
		}
	}
	return false, domain.ErrNotFound
}

func (s *memStore) InsertMessage(_ context.Context, m domain.Message) (domain.Message, error) {
	if err := m.Validate(); err != nil {
		return domain.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return domain.Message{}, s.insertErr
	}
	m.ID = ""
	return s.addLocked(m), nil
}

func (s *memStore) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	if m, ok := s.find(id); ok {
		return &m, nil
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) ChannelAgents(_ context.Context, channelID string) ([]domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Agent(nil), s.agents[channelID]...), nil
}

func (s *memStore) ProfileNames(_ context.Context, ids []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for _, id := range ids {
		if name, ok := s.profiles[id]; ok {
			out[id] = name
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

var agentNamePattern = regexp.MustCompile(`named '([^']+)'`)

// scriptedProvider answers trigger prompts per agent name and returns a
// fixed reply to generation requests.
type scriptedProvider struct {
	mu        sync.Mutex
	answers   map[string]string
	failures  map[string]error
	reply     string
	replyErr  error
	triggered []string
	requests  []domain.ChatRequest
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{
		answers:  make(map[string]string),
		failures: make(map[string]error),
		reply:    "generated reply",
	}
}

func (p *scriptedProvider) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	if len(req.Messages) > 0 && req.Messages[0].Role == "system" {
		if p.replyErr != nil {
			return nil, p.replyErr
		}
		return &domain.ChatResponse{Content: p.reply}, nil
	}

	match := agentNamePattern.FindStringSubmatch(req.Messages[0].Content)
	if match == nil {
		return nil, errors.New("unexpected prompt")
	}
	name := match[1]
	p.triggered = append(p.triggered, name)
	if err := p.failures[name]; err != nil {
		return nil, err
	}
	answer, ok := p.answers[name]
	if !ok {
		answer = "NO"
	}
	return &domain.ChatResponse{Content: answer}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Healthy(context.Context) error { return nil }

func (p *scriptedProvider) triggeredNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.triggered...)
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}
