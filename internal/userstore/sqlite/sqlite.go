package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tokligence/tokligence-chat/internal/userstore"
)

var _ userstore.Store = (*Store)(nil)

// Store implements userstore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite user store at the supplied path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
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
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
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

// CreateUser inserts a new account.
func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (*userstore.User, error) {
	email = userstore.NormalizeEmail(email)
	username = strings.TrimSpace(username)
	created := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO users(username, email, password_hash, created_at) VALUES(?, ?, ?, ?)`, username, email, passwordHash, created)
	if err != nil {
		return nil, mapConstraint(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &userstore.User{ID: id, Username: username, Email: email, PasswordHash: passwordHash, CreatedAt: created}, nil
}

// FindByEmail returns the user matching the email.
func (s *Store) FindByEmail(ctx context.Context, email string) (*userstore.User, error) {
	return s.findOne(ctx, `WHERE email = ?`, userstore.NormalizeEmail(email))
}

// FindByUsername returns the user matching the username.
func (s *Store) FindByUsername(ctx context.Context, username string) (*userstore.User, error) {
	return s.findOne(ctx, `WHERE username = ?`, strings.TrimSpace(username))
}

// FindByID returns the user with the given id.
func (s *Store) FindByID(ctx context.Context, id int64) (*userstore.User, error) {
	return s.findOne(ctx, `WHERE id = ?`, id)
}

func (s *Store) findOne(ctx context.Context, where string, arg any) (*userstore.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, email, password_hash, created_at FROM users `+where+` LIMIT 1`, arg)
	var u userstore.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, userstore.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func mapConstraint(err error) error {
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return fmt.Errorf("insert user: %w", err)
	}
	switch {
	case strings.Contains(msg, "users.email"):
		return userstore.ErrDuplicateEmail
	case strings.Contains(msg, "users.username"):
		return userstore.ErrDuplicateUsername
	}
	return fmt.Errorf("insert user: %w", err)
}
