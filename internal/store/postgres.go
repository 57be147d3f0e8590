package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"atlas/internal/domain"
)

// PostgresStore implements Store on a Postgres database, typically the
// Supabase project whose database webhook feeds the ingress endpoint.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// ensureSchema creates the tables the orchestrator needs. Existing Supabase
// tables with the same names are left as they are.
func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS agents (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			type              TEXT NOT NULL CHECK (type IN ('HOSTED', 'WEBHOOK')),
			system_prompt     TEXT NOT NULL DEFAULT '',
			trigger_prompt    TEXT NOT NULL DEFAULT '',
			webhook_url       TEXT NOT NULL DEFAULT '',
			webhook_headers   JSONB NOT NULL DEFAULT '{}'::jsonb,
			requires_approval BOOLEAN NOT NULL DEFAULT false,
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS channel_agents (
			channel_id TEXT NOT NULL,
			agent_id   TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			position   INT NOT NULL DEFAULT 0,
			PRIMARY KEY (channel_id, agent_id)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id           TEXT PRIMARY KEY,
			channel_id   TEXT NOT NULL,
			content      TEXT NOT NULL DEFAULT '',
			sender_id    TEXT,
			agent_id     TEXT,
			status       TEXT NOT NULL DEFAULT 'APPROVED' CHECK (status IN ('PENDING', 'APPROVED')),
			is_processed BOOLEAN NOT NULL DEFAULT false,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			CHECK (sender_id IS NULL OR agent_id IS NULL)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_window ON messages(channel_id, status, created_at DESC)`,
	}

	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("schema error: %w\nstmt: %.80s", err, s)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) RecentApproved(ctx context.Context, channelID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, channel_id, content, sender_id, agent_id, status, is_processed, created_at
		 FROM messages
		 WHERE channel_id = $1 AND status = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		channelID, string(domain.StatusApproved), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanPgMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) ClaimMessage(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET is_processed = true WHERE id = $1 AND is_processed = false`, id,
	)
	if err != nil {
		return false, fmt.Errorf("claim message %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("claim message %s: %w", id, err)
	}
	if !exists {
		return false, fmt.Errorf("claim message %s: %w", id, domain.ErrNotFound)
	}
	return false, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if err := msg.Validate(); err != nil {
		return domain.Message{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, channel_id, content, sender_id, agent_id, status, is_processed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.ChannelID, msg.Content, nullString(msg.SenderID), nullString(msg.AgentID),
		string(msg.Status), msg.IsProcessed, msg.CreatedAt,
	)
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, channel_id, content, sender_id, agent_id, status, is_processed, created_at
		 FROM messages WHERE id = $1`, id,
	)
	m, err := scanPgMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ChannelAgents(ctx context.Context, channelID string) ([]domain.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.id, a.name, a.type, a.system_prompt, a.trigger_prompt,
		        a.webhook_url, a.webhook_headers, a.requires_approval
		 FROM channel_agents ca
		 JOIN agents a ON a.id = ca.agent_id
		 WHERE ca.channel_id = $1
		 ORDER BY ca.position, a.name`, channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("select channel agents: %w", err)
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		var (
			a       domain.Agent
			typ     string
			headers []byte
		)
		if err := rows.Scan(&a.ID, &a.Name, &typ, &a.SystemPrompt, &a.TriggerPrompt,
			&a.WebhookURL, &headers, &a.RequiresApproval); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Type = domain.AgentType(typ)
		if a.WebhookHeaders, err = decodeHeaders(headers); err != nil {
			s.logger.Warn("skipping agent with unreadable headers", "agent", a.ID, "err", err)
			continue
		}
		if err := a.Validate(); err != nil {
			s.logger.Warn("skipping invalid agent", "agent", a.ID, "err", err)
			continue
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) ProfileNames(ctx context.Context, senderIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(senderIDs))
	if len(senderIDs) == 0 {
		return names, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name FROM profiles WHERE id = ANY($1)`, senderIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		if name != "" {
			names[id] = name
		}
	}
	return names, rows.Err()
}

func (s *PostgresStore) UpsertAgent(ctx context.Context, a domain.Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	headers, err := encodeHeaders(a.WebhookHeaders)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agents (id, name, type, system_prompt, trigger_prompt, webhook_url, webhook_headers, requires_approval, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, now())
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   type = EXCLUDED.type,
		   system_prompt = EXCLUDED.system_prompt,
		   trigger_prompt = EXCLUDED.trigger_prompt,
		   webhook_url = EXCLUDED.webhook_url,
		   webhook_headers = EXCLUDED.webhook_headers,
		   requires_approval = EXCLUDED.requires_approval,
		   updated_at = now()`,
		a.ID, a.Name, string(a.Type), a.SystemPrompt, a.TriggerPrompt,
		a.WebhookURL, string(headers), a.RequiresApproval,
	)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) BindAgent(ctx context.Context, channelID, agentID string, position int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO channel_agents (channel_id, agent_id, position) VALUES ($1, $2, $3)
		 ON CONFLICT (channel_id, agent_id) DO UPDATE SET position = EXCLUDED.position`,
		channelID, agentID, position,
	)
	if err != nil {
		return fmt.Errorf("bind agent %s to %s: %w", agentID, channelID, err)
	}
	return nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, p domain.Profile) error {
	if p.ID == "" {
		return fmt.Errorf("profile id is required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (id, display_name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name`,
		p.ID, p.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.ID, err)
	}
	return nil
}

func scanPgMessage(r pgx.Row) (domain.Message, error) {
	var (
		m      domain.Message
		sender *string
		agent  *string
		status string
	)
	if err := r.Scan(&m.ID, &m.ChannelID, &m.Content, &sender, &agent, &status, &m.IsProcessed, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("scan message: %w", err)
	}
	if sender != nil {
		m.SenderID = *sender
	}
	if agent != nil {
		m.AgentID = *agent
	}
	m.Status = domain.MessageStatus(status)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

var _ Store = (*PostgresStore)(nil)
