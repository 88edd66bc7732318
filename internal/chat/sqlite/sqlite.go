package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tokligence/tokligence-chat/internal/chat"
)

var _ chat.Store = (*Store)(nil)

// Store implements chat.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite conversation store at the supplied path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateConversation(ctx context.Context, userID int64, title string) (*chat.Conversation, error) {
	created := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO conversations(user_id, title, created_at) VALUES(?, ?, ?)`, userID, title, created)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &chat.Conversation{ID: id, UserID: userID, Title: title, CreatedAt: created}, nil
}

func (s *Store) GetConversation(ctx context.Context, userID, id int64) (*chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, title, created_at FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	var c chat.Conversation
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chat.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListConversations(ctx context.Context, userID int64) ([]chat.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, title, created_at FROM conversations WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
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
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?`, title, id, userID)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// DeleteConversation removes messages explicitly as well, so the cascade
// holds even on connections opened without foreign key enforcement.
func (s *Store) DeleteConversation(ctx context.Context, userID, id int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, conversationID int64, role chat.Role, content string) (*chat.Message, error) {
	created := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO messages(conversation_id, role, content, created_at) VALUES(?, ?, ?, ?)`, conversationID, string(role), content, created)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &chat.Message{ID: id, ConversationID: conversationID, Role: role, Content: content, CreatedAt: created}, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID int64) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []chat.Message{}
	for rows.Next() {
		var m chat.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = chat.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}
