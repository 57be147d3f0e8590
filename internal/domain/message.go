package domain

import (
	"errors"
	"fmt"
	"time"
)

// MessageStatus gates whether a message is visible to routing and model context.
type MessageStatus string

const (
	StatusPending  MessageStatus = "PENDING"
	StatusApproved MessageStatus = "APPROVED"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrInvalidAgent   = errors.New("invalid agent")
	ErrNotFound       = errors.New("not found")
)

// Message is a single row of a channel's shared log. Human messages carry
// SenderID, agent messages carry AgentID, system notices carry neither.
type Message struct {
	ID          string        `json:"id"`
	ChannelID   string        `json:"channel_id"`
	Content     string        `json:"content"`
	SenderID    string        `json:"sender_id,omitempty"`
	AgentID     string        `json:"agent_id,omitempty"`
	Status      MessageStatus `json:"status"`
	IsProcessed bool          `json:"is_processed"`
	CreatedAt   time.Time     `json:"created_at"`
}

// IsHuman reports whether the message was authored by a human sender.
func (m Message) IsHuman() bool { return m.SenderID != "" }

// IsAgent reports whether the message was authored by an agent.
func (m Message) IsAgent() bool { return m.AgentID != "" }

// Validate checks the record invariants at the collaborator boundary.
func (m Message) Validate() error {
	if m.ChannelID == "" {
		return fmt.Errorf("%w: channel_id is required", ErrInvalidMessage)
	}
	if m.SenderID != "" && m.AgentID != "" {
		return fmt.Errorf("%w: sender_id and agent_id are mutually exclusive", ErrInvalidMessage)
	}
	switch m.Status {
	case StatusPending, StatusApproved:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidMessage, m.Status)
	}
	return nil
}

// MessageEvent is the envelope delivered by the store's database webhook.
type MessageEvent struct {
	Type   string  `json:"type"`
	Record Message `json:"record"`
}

// Profile is the public identity of a human sender.
type Profile struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"display_name"`
}
