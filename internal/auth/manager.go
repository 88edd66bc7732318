package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = 7 * 24 * time.Hour

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrTokenExpired = errors.New("session token expired")
	ErrTokenRevoked = errors.New("session token revoked")
)

// Manager issues and validates signed session tokens. Tokens carry the user
// id and an expiry; logging out revokes a token until it would have expired.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewManager creates a Manager with the provided secret.
func NewManager(secret string, ttl time.Duration) *Manager {
	if secret == "" {
		panic("auth manager requires non-empty secret")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		secret:  []byte(secret),
		ttl:     ttl,
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}
}

// TTL returns the lifetime of issued tokens.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// IssueToken issues a signed session token for the user.
func (m *Manager) IssueToken(userID int64) (string, time.Time) {
	return m.issue(userID, m.ttl)
}

func (m *Manager) issue(userID int64, ttl time.Duration) (string, time.Time) {
	expires := m.now().Add(ttl)
	payload := fmt.Sprintf("%d|%d", userID, expires.Unix())
	sig := m.sign([]byte(payload))
	token := fmt.Sprintf("%s.%s", base64.RawURLEncoding.EncodeToString([]byte(payload)), base64.RawURLEncoding.EncodeToString(sig))
	return token, expires
}

// ValidateToken validates the token and returns the embedded user id.
func (m *Manager) ValidateToken(token string) (int64, error) {
	userID, expiry, err := m.parse(token)
	if err != nil {
		return 0, err
	}
	if m.now().Unix() > expiry {
		return 0, ErrTokenExpired
	}
	m.mu.Lock()
	_, revoked := m.revoked[token]
	m.mu.Unlock()
	if revoked {
		return 0, ErrTokenRevoked
	}
	return userID, nil
}

// Revoke invalidates a token before its natural expiry. Unparseable tokens
// are ignored.
func (m *Manager) Revoke(token string) {
	_, expiry, err := m.parse(token)
	if err != nil {
		return
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, exp := range m.revoked {
		if now.After(exp) {
			delete(m.revoked, t)
		}
	}
	m.revoked[token] = time.Unix(expiry, 0)
}

func (m *Manager) parse(token string) (int64, int64, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return 0, 0, ErrInvalidToken
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return 0, 0, ErrInvalidToken
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return 0, 0, ErrInvalidToken
	}
	if !hmac.Equal(sigBytes, m.sign(payloadBytes)) {
		return 0, 0, ErrInvalidToken
	}
	idPart, expPart, ok := strings.Cut(string(payloadBytes), "|")
	if !ok {
		return 0, 0, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || userID <= 0 {
		return 0, 0, ErrInvalidToken
	}
	expiry, err := strconv.ParseInt(expPart, 10, 64)
	if err != nil {
		return 0, 0, ErrInvalidToken
	}
	return userID, expiry, nil
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}
