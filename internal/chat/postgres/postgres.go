package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tokligence/tokligence-chat/internal/chat"
)

var _ chat.Store = (*Store)(nil)

// Store implements chat.Store on a PostgreSQL connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL, verifies the connection and applies the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	title TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
`

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) CreateConversation(ctx context.Context, userID int64, title string) (*chat.Conversation, error) {
	c := &chat.Conversation{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (user_id, title)
		VALUES ($1, $2)
		RETURNING id, user_id, title, created_at
	`, userID, title).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, userID, id int64) (*chat.Conversation, error) {
	c := &chat.Conversation{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, created_at
		FROM conversations WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, chat.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, userID int64) ([]chat.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, title, created_at
		FROM conversations WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []chat.Conversation{}
	for rows.Next() {
		var c chat.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTitle(ctx context.Context, userID, id int64, title string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET title = $1 WHERE id = $2 AND user_id = $3`, title, id, userID)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return chat.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, userID, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1 AND user_id = $2`, id, userID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, conversationID int64, role chat.Role, content string) (*chat.Message, error) {
	m := &chat.Message{}
	var r string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, role, content)
		VALUES ($1, $2, $3)
		RETURNING id, conversation_id, role, content, created_at
	`, conversationID, string(role), content).Scan(&m.ID, &m.ConversationID, &r, &m.Content, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	m.Role = chat.Role(r)
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID int64) ([]chat.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY id ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []chat.Message{}
	for rows.Next() {
		var m chat.Message
		var r string
		if err := rows.Scan(&m.ID, &m.ConversationID, &r, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = chat.Role(r)
		out = append(out, m)
	}
	return out, rows.Err()
}
