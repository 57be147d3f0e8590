package agent

import (
	"context"
	"fmt"
	"strings"

	"atlas/internal/domain"
)

const (
	defaultWindowSize = 5

	humanFallbackLabel = "User"
	agentFallbackName  = "Unknown Agent"
	systemLabel        = "System"
)

// AuthorKind classifies who wrote a transcript entry.
type AuthorKind int

const (
	AuthorHuman AuthorKind = iota
	AuthorAgent
	AuthorSystem
)

func (k AuthorKind) String() string {
	switch k {
	case AuthorHuman:
		return "human"
	case AuthorAgent:
		return "agent"
	default:
		return "system"
	}
}

// Entry is one labelled line of a transcript.
type Entry struct {
	Label    string
	Content  string
	Author   AuthorKind
	AuthorID string
}

func (e Entry) String() string {
	return e.Label + ": " + e.Content
}

// Transcript is the recent approved history of a channel, oldest first.
type Transcript struct {
	Entries []Entry
}

// Render formats the transcript as newline-terminated "<label>: <content>"
// lines.
func (t Transcript) Render() string {
	var sb strings.Builder
	for _, e := range t.Entries {
		sb.WriteString(e.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Latest returns the newest entry.
func (t Transcript) Latest() (Entry, bool) {
	if len(t.Entries) == 0 {
		return Entry{}, false
	}
	return t.Entries[len(t.Entries)-1], true
}

// LatestAgentID returns the author of the newest entry when it is an agent.
func (t Transcript) LatestAgentID() string {
	e, ok := t.Latest()
	if !ok || e.Author != AuthorAgent {
		return ""
	}
	return e.AuthorID
}

// ConsecutiveAgentTurns counts the trailing run of non-human entries. Only a
// human turn resets the run; system notices extend it.
func (t Transcript) ConsecutiveAgentTurns() int {
	n := 0
	for i := len(t.Entries) - 1; i >= 0; i-- {
		if t.Entries[i].Author == AuthorHuman {
			break
		}
		n++
	}
	return n
}

// HistoryReader builds transcripts from the store's sliding window.
type HistoryReader struct {
	store  domain.MessageStore
	window int
}

func NewHistoryReader(store domain.MessageStore, window int) *HistoryReader {
	if window <= 0 {
		window = defaultWindowSize
	}
	return &HistoryReader{store: store, window: window}
}

// Load reads the last approved messages of a channel and labels them. Agent
// names come from agents; unknown agents get a fallback label.
func (h *HistoryReader) Load(ctx context.Context, channelID string, agents []domain.Agent) (Transcript, error) {
	msgs, err := h.store.RecentApproved(ctx, channelID, h.window)
	if err != nil {
		return Transcript{}, fmt.Errorf("load history: %w", err)
	}

	var senders []string
	seen := make(map[string]bool)
	for _, m := range msgs {
		if m.SenderID != "" && !seen[m.SenderID] {
			seen[m.SenderID] = true
			senders = append(senders, m.SenderID)
		}
	}
	names := map[string]string{}
	if len(senders) > 0 {
		if names, err = h.store.ProfileNames(ctx, senders); err != nil {
			return Transcript{}, fmt.Errorf("load profile names: %w", err)
		}
	}

	agentNames := make(map[string]string, len(agents))
	for _, a := range agents {
		agentNames[a.ID] = a.Name
	}

	entries := make([]Entry, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		entries = append(entries, labelMessage(msgs[i], names, agentNames))
	}
	return Transcript{Entries: entries}, nil
}

func labelMessage(m domain.Message, profiles, agents map[string]string) Entry {
	switch {
	case m.IsHuman():
		label := profiles[m.SenderID]
		if label == "" {
			label = humanFallbackLabel
		}
		return Entry{Label: label, Content: m.Content, Author: AuthorHuman, AuthorID: m.SenderID}
	case m.IsAgent():
		name := agents[m.AgentID]
		if name == "" {
			name = agentFallbackName
		}
		return Entry{Label: "[" + name + "]", Content: m.Content, Author: AuthorAgent, AuthorID: m.AgentID}
	default:
		return Entry{Label: systemLabel, Content: m.Content, Author: AuthorSystem}
	}
}
