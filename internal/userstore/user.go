package userstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no account matches the lookup.
	ErrNotFound = errors.New("userstore: user not found")
	// ErrDuplicateEmail is returned when registering an email twice.
	ErrDuplicateEmail = errors.New("userstore: email already registered")
	// ErrDuplicateUsername is returned when registering a username twice.
	ErrDuplicateUsername = errors.New("userstore: username already taken")
)

// User is a registered chat account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists accounts across SQLite/Postgres backends.
type Store interface {
	// CreateUser inserts a new account. Email is normalized to lower case.
	CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByID(ctx context.Context, id int64) (*User, error)
	Ping(ctx context.Context) error
	Close() error
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
