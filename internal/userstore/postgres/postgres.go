package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/tokligence/tokligence-chat/internal/userstore"
)

var _ userstore.Store = (*Store)(nil)

const uniqueViolation = pq.ErrorCode("23505")

// Store implements userstore.Store backed by Postgres.
type Store struct {
	db *sql.DB
}

// Config holds connection pool settings.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns the pool settings used by chatd.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// New opens a Postgres-backed user store using the provided DSN.
func New(dsn string, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
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
CREATE TABLE IF NOT EXISTS chat_users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL,
	email TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT chat_users_username_key UNIQUE (username),
	CONSTRAINT chat_users_email_key UNIQUE (email)
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
	u := &userstore.User{}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_users (username, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, username, email, password_hash, created_at
	`, strings.TrimSpace(username), userstore.NormalizeEmail(email), passwordHash).Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, mapConstraint(err)
	}
	return u, nil
}

// FindByEmail returns the user matching the email.
func (s *Store) FindByEmail(ctx context.Context, email string) (*userstore.User, error) {
	return s.findOne(ctx, `email = $1`, userstore.NormalizeEmail(email))
}

// FindByUsername returns the user matching the username.
func (s *Store) FindByUsername(ctx context.Context, username string) (*userstore.User, error) {
	return s.findOne(ctx, `username = $1`, strings.TrimSpace(username))
}

// FindByID returns the user with the given id.
func (s *Store) FindByID(ctx context.Context, id int64) (*userstore.User, error) {
	return s.findOne(ctx, `id = $1`, id)
}

func (s *Store) findOne(ctx context.Context, cond string, arg any) (*userstore.User, error) {
	var u userstore.User
	err := s.db.QueryRowContext(ctx, `SELECT id, username, email, password_hash, created_at FROM chat_users WHERE `+cond+` LIMIT 1`, arg).Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, userstore.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func mapConstraint(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		switch pqErr.Constraint {
		case "chat_users_email_key":
			return userstore.ErrDuplicateEmail
		case "chat_users_username_key":
			return userstore.ErrDuplicateUsername
		}
	}
	return fmt.Errorf("insert user: %w", err)
}
