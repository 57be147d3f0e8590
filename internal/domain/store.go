package domain

import "context"

// MessageStore is the persistence collaborator shared by every routing pass.
// It is the only point of coordination between concurrent passes.
type MessageStore interface {
	// RecentApproved returns up to limit APPROVED messages of a channel,
	// newest first.
	RecentApproved(ctx context.Context, channelID string, limit int) ([]Message, error)

	// ClaimMessage marks a message processed only if it is not yet processed.
	// It returns false when another pass already claimed it.
	ClaimMessage(ctx context.Context, id string) (bool, error)

	// InsertMessage stores a new message, assigning ID and CreatedAt when unset.
	InsertMessage(ctx context.Context, msg Message) (Message, error)

	GetMessage(ctx context.Context, id string) (*Message, error)

	// ChannelAgents returns the agents bound to a channel in binding order.
	ChannelAgents(ctx context.Context, channelID string) ([]Agent, error)

	// ProfileNames resolves display names for the given sender ids. Unknown
	// ids are absent from the result.
	ProfileNames(ctx context.Context, senderIDs []string) (map[string]string, error)

	Close() error
}

// RegistryAdmin covers the write side of the agent registry, used by
// administration tooling only.
type RegistryAdmin interface {
	UpsertAgent(ctx context.Context, agent Agent) error
	BindAgent(ctx context.Context, channelID, agentID string, position int) error
	UpsertProfile(ctx context.Context, profile Profile) error
}
