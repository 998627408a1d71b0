package transcript

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/synapse/internal/apperr"
	"github.com/antoniostano/synapse/internal/storage"
)

// SQLiteStore persists the transcript in an embedded SQLite database.
// Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, backend *storage.Backend) (*SQLiteStore, error) {
	err := storage.ExecAll(ctx, backend, []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			title TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_principal ON conversations (principal_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			principal_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at, seq)`,
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: backend.SQLite}, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID, principalID string, role Role, content string) (Message, error) {
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, principal_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.PrincipalID, string(msg.Role), msg.Content, msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return Message{}, apperr.Storage("transcript.append", "could not save message", err)
	}
	if msg.Seq, err = res.LastInsertId(); err != nil {
		return Message{}, apperr.Storage("transcript.append", "could not save message", err)
	}
	return msg, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, conversation_id, principal_id, role, content, created_at
		 FROM messages WHERE conversation_id=? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, apperr.Storage("transcript.recent", "could not load history", err)
	}
	items, err := scanSQLiteMessages(rows)
	if err != nil {
		return nil, apperr.Storage("transcript.recent", "could not load history", err)
	}
	reverse(items)
	return items, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, conversation_id, principal_id, role, content, created_at
		 FROM messages WHERE conversation_id=? ORDER BY created_at DESC, seq DESC`,
		conversationID,
	)
	if err != nil {
		return nil, apperr.Storage("transcript.list", "could not load messages", err)
	}
	items, err := scanSQLiteMessages(rows)
	if err != nil {
		return nil, apperr.Storage("transcript.list", "could not load messages", err)
	}
	return items, nil
}

func scanSQLiteMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	items := make([]Message, 0)
	for rows.Next() {
		var (
			m       Message
			role    string
			created int64
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.ConversationID, &m.PrincipalID, &role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		m.CreatedAt = time.Unix(0, created).UTC()
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, principalID, title string) (Conversation, error) {
	title, err := validTitle("transcript.create_conversation", title)
	if err != nil {
		return Conversation{}, err
	}
	now := time.Now().UTC()
	c := Conversation{ID: uuid.NewString(), PrincipalID: principalID, Title: title, CreatedAt: now, UpdatedAt: now}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, principal_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.PrincipalID, c.Title, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return Conversation{}, apperr.Storage("transcript.create_conversation", "could not create chat", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, principalID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, principal_id, title, created_at, updated_at
		 FROM conversations WHERE principal_id=? ORDER BY created_at ASC`,
		principalID,
	)
	if err != nil {
		return nil, apperr.Storage("transcript.list_conversations", "could not load chats", err)
	}
	defer rows.Close()
	out := make([]Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, apperr.Storage("transcript.list_conversations", "could not load chats", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("transcript.list_conversations", "could not load chats", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		c                Conversation
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.PrincipalID, &c.Title, &created, &updated); err != nil {
		return Conversation{}, err
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()
	return c, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT id, principal_id, title, created_at, updated_at FROM conversations WHERE id=?`,
		conversationID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, apperr.NotFound("transcript.get_conversation", "chat not found")
	}
	if err != nil {
		return Conversation{}, apperr.Storage("transcript.get_conversation", "could not load chat", err)
	}
	return c, nil
}

func (s *SQLiteStore) RenameConversation(ctx context.Context, conversationID, title string) (Conversation, error) {
	title, err := validTitle("transcript.rename_conversation", title)
	if err != nil {
		return Conversation{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title=?, updated_at=? WHERE id=?`,
		title, time.Now().UTC().UnixNano(), conversationID,
	)
	if err != nil {
		return Conversation{}, apperr.Storage("transcript.rename_conversation", "could not rename chat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Conversation{}, apperr.NotFound("transcript.rename_conversation", "chat not found")
	}
	return s.GetConversation(ctx, conversationID)
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Storage("transcript.delete_conversation", "could not delete chat", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id=?`, conversationID)
	if err != nil {
		return apperr.Storage("transcript.delete_conversation", "could not delete chat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("transcript.delete_conversation", "chat not found")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id=?`, conversationID); err != nil {
		return apperr.Storage("transcript.delete_conversation", "could not delete messages", err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Storage("transcript.delete_conversation", "could not delete chat", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return nil }
