package transcript

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/synapse/internal/apperr"
	"github.com/antoniostano/synapse/internal/storage"
)

// PostgresStore persists the transcript in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, backend *storage.Backend) (*PostgresStore, error) {
	err := storage.ExecAll(ctx, backend, []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			title TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_principal ON conversations (principal_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			principal_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at, seq);`,
	})
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: backend.Postgres}, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID, principalID string, role Role, content string) (Message, error) {
	if err := validateAppend(conversationID, role); err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		PrincipalID:    principalID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (id, conversation_id, principal_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`,
		msg.ID, msg.ConversationID, msg.PrincipalID, string(msg.Role), msg.Content, msg.CreatedAt,
	).Scan(&msg.Seq)
	if err != nil {
		return Message{}, apperr.Storage("transcript.append", "could not save message", err)
	}
	return msg, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, conversation_id, principal_id, role, content, created_at
		 FROM messages WHERE conversation_id=$1 ORDER BY created_at DESC, seq DESC LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, apperr.Storage("transcript.recent", "could not load history", err)
	}
	items, err := scanMessages(rows, limit)
	if err != nil {
		return nil, apperr.Storage("transcript.recent", "could not load history", err)
	}
	// Reverse into chronological order for prompt coherence.
	reverse(items)
	return items, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, conversation_id, principal_id, role, content, created_at
		 FROM messages WHERE conversation_id=$1 ORDER BY created_at DESC, seq DESC`,
		conversationID,
	)
	if err != nil {
		return nil, apperr.Storage("transcript.list", "could not load messages", err)
	}
	items, err := scanMessages(rows, 0)
	if err != nil {
		return nil, apperr.Storage("transcript.list", "could not load messages", err)
	}
	return items, nil
}

func scanMessages(rows pgx.Rows, capacity int) ([]Message, error) {
	defer rows.Close()
	items := make([]Message, 0, capacity)
	for rows.Next() {
		var (
			m    Message
			role string
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.ConversationID, &m.PrincipalID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CreateConversation(ctx context.Context, principalID, title string) (Conversation, error) {
	title, err := validTitle("transcript.create_conversation", title)
	if err != nil {
		return Conversation{}, err
	}
	now := time.Now().UTC()
	c := Conversation{ID: uuid.NewString(), PrincipalID: principalID, Title: title, CreatedAt: now, UpdatedAt: now}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversations (id, principal_id, title, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.PrincipalID, c.Title, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, apperr.Storage("transcript.create_conversation", "could not create chat", err)
	}
	return c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, principalID string) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, principal_id, title, created_at, updated_at
		 FROM conversations WHERE principal_id=$1 ORDER BY created_at ASC`,
		principalID,
	)
	if err != nil {
		return nil, apperr.Storage("transcript.list_conversations", "could not load chats", err)
	}
	defer rows.Close()
	out := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.PrincipalID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, apperr.Storage("transcript.list_conversations", "could not load chats", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("transcript.list_conversations", "could not load chats", err)
	}
	return out, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, principal_id, title, created_at, updated_at FROM conversations WHERE id=$1`,
		conversationID,
	).Scan(&c.ID, &c.PrincipalID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, apperr.NotFound("transcript.get_conversation", "chat not found")
	}
	if err != nil {
		return Conversation{}, apperr.Storage("transcript.get_conversation", "could not load chat", err)
	}
	return c, nil
}

func (s *PostgresStore) RenameConversation(ctx context.Context, conversationID, title string) (Conversation, error) {
	title, err := validTitle("transcript.rename_conversation", title)
	if err != nil {
		return Conversation{}, err
	}
	var c Conversation
	err = s.pool.QueryRow(ctx,
		`UPDATE conversations SET title=$2, updated_at=$3 WHERE id=$1
		 RETURNING id, principal_id, title, created_at, updated_at`,
		conversationID, title, time.Now().UTC(),
	).Scan(&c.ID, &c.PrincipalID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, apperr.NotFound("transcript.rename_conversation", "chat not found")
	}
	if err != nil {
		return Conversation{}, apperr.Storage("transcript.rename_conversation", "could not rename chat", err)
	}
	return c, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Storage("transcript.delete_conversation", "could not delete chat", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM conversations WHERE id=$1`, conversationID)
	if err != nil {
		return apperr.Storage("transcript.delete_conversation", "could not delete chat", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("transcript.delete_conversation", "chat not found")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id=$1`, conversationID); err != nil {
		return apperr.Storage("transcript.delete_conversation", "could not delete messages", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Storage("transcript.delete_conversation", "could not delete chat", err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the storage backend.
func (s *PostgresStore) Close() error { return nil }
