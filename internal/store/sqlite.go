package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"atlas/internal/domain"
)

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	// modernc.org/sqlite only reads _pragma parameters, applied on every
	// new connection.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection keeps the conditional claim serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) RecentApproved(ctx context.Context, channelID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, content, sender_id, agent_id, status, is_processed, created_at
		 FROM messages
		 WHERE channel_id = ? AND status = ?
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`,
		channelID, string(domain.StatusApproved), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) ClaimMessage(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_processed = 1 WHERE id = ? AND is_processed = 0`, id,
	)
	if err != nil {
		return false, fmt.Errorf("claim message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim message %s: %w", id, err)
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("claim message %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("claim message %s: %w", id, err)
	}
	return false, nil
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if err := msg.Validate(); err != nil {
		return domain.Message{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, content, sender_id, agent_id, status, is_processed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChannelID, msg.Content, nullString(msg.SenderID), nullString(msg.AgentID),
		string(msg.Status), boolInt(msg.IsProcessed), msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// EnsureMessage stores a record delivered from outside the store, keeping
// its id and timestamp. It reports false when the id is already present.
func (s *SQLiteStore) EnsureMessage(ctx context.Context, msg domain.Message) (bool, error) {
	if msg.ID == "" {
		return false, fmt.Errorf("%w: id is required", domain.ErrInvalidMessage)
	}
	if err := msg.Validate(); err != nil {
		return false, err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, content, sender_id, agent_id, status, is_processed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		msg.ID, msg.ChannelID, msg.Content, nullString(msg.SenderID), nullString(msg.AgentID),
		string(msg.Status), boolInt(msg.IsProcessed), msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("ensure message %s: %w", msg.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ensure message %s: %w", msg.ID, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, content, sender_id, agent_id, status, is_processed, created_at
		 FROM messages WHERE id = ?`, id,
	)
	m, err := scanSQLiteMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) ChannelAgents(ctx context.Context, channelID string) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.name, a.type, a.system_prompt, a.trigger_prompt,
		        a.webhook_url, a.webhook_headers, a.requires_approval
		 FROM channel_agents ca
		 JOIN agents a ON a.id = ca.agent_id
		 WHERE ca.channel_id = ?
		 ORDER BY ca.position, a.name`, channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("select channel agents: %w", err)
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		var (
			a        domain.Agent
			typ      string
			headers  string
			approval int
		)
		if err := rows.Scan(&a.ID, &a.Name, &typ, &a.SystemPrompt, &a.TriggerPrompt,
			&a.WebhookURL, &headers, &approval); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Type = domain.AgentType(typ)
		a.RequiresApproval = approval != 0
		if a.WebhookHeaders, err = decodeHeaders([]byte(headers)); err != nil {
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

func (s *SQLiteStore) ProfileNames(ctx context.Context, senderIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(senderIDs))
	if len(senderIDs) == 0 {
		return names, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(senderIDs)), ",")
	args := make([]any, len(senderIDs))
	for i, id := range senderIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name FROM profiles WHERE id IN (`+placeholders+`)`, args...,
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

func (s *SQLiteStore) UpsertAgent(ctx context.Context, a domain.Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	headers, err := encodeHeaders(a.WebhookHeaders)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, type, system_prompt, trigger_prompt, webhook_url, webhook_headers, requires_approval, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   type = excluded.type,
		   system_prompt = excluded.system_prompt,
		   trigger_prompt = excluded.trigger_prompt,
		   webhook_url = excluded.webhook_url,
		   webhook_headers = excluded.webhook_headers,
		   requires_approval = excluded.requires_approval,
		   updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.Name, string(a.Type), a.SystemPrompt, a.TriggerPrompt,
		a.WebhookURL, string(headers), boolInt(a.RequiresApproval),
	)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLiteStore) BindAgent(ctx context.Context, channelID, agentID string, position int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_agents (channel_id, agent_id, position) VALUES (?, ?, ?)
		 ON CONFLICT(channel_id, agent_id) DO UPDATE SET position = excluded.position`,
		channelID, agentID, position,
	)
	if err != nil {
		return fmt.Errorf("bind agent %s to %s: %w", agentID, channelID, err)
	}
	return nil
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, p domain.Profile) error {
	if p.ID == "" {
		return fmt.Errorf("profile id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, display_name) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name`,
		p.ID, p.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(r rowScanner) (domain.Message, error) {
	var (
		m         domain.Message
		sender    sql.NullString
		agent     sql.NullString
		status    string
		processed int
		created   int64
	)
	if err := r.Scan(&m.ID, &m.ChannelID, &m.Content, &sender, &agent, &status, &processed, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("scan message: %w", err)
	}
	m.SenderID = sender.String
	m.AgentID = agent.String
	m.Status = domain.MessageStatus(status)
	m.IsProcessed = processed != 0
	m.CreatedAt = time.Unix(0, created).UTC()
	return m, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeHeaders(h map[string]string) ([]byte, error) {
	if h == nil {
		h = map[string]string{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode webhook headers: %w", err)
	}
	return b, nil
}

func decodeHeaders(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}
	return h, nil
}

var _ Store = (*SQLiteStore)(nil)
