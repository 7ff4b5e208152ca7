package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gcdistribution/portal/internal/config"
)

// ErrInvalidCredentials is returned by Authenticate for an unknown user, a
// user without a password hash, or a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// UserFinder looks users up by login name.
type UserFinder interface {
	FindUser(login string) (config.User, bool)
}

// Authenticate checks login and password against users.
func Authenticate(users UserFinder, login, password string) (config.User, error) {
	user, ok := users.FindUser(login)
	if !ok || user.Password == "" {
		return config.User{}, ErrInvalidCredentials
	}
	match, err := VerifyPassword(password, user.Password)
	if err != nil {
		return config.User{}, fmt.Errorf("stored hash for %s: %w", login, err)
	}
	if !match {
		return config.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// Session is what a bearer token resolves to.
type Session struct {
	Email       string    `json:"email"`
	Username    string    `json:"username"`
	Role        string    `json:"role"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// NewSession builds the session for an authenticated user.
func NewSession(u config.User) Session {
	return Session{
		Email:       u.Email,
		Username:    u.Username,
		Role:        u.Role,
		Permissions: u.Permissions,
	}
}

// Sessions issues and validates bearer tokens. Tokens live in memory only and
// do not survive a restart.
type Sessions struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.RWMutex
	tokens map[string]Session
}

// NewSessions creates a store issuing tokens valid for ttl.
func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{
		ttl:    ttl,
		now:    time.Now,
		tokens: make(map[string]Session),
	}
}

// Issue creates a token for s.
func (st *Sessions) Issue(s Session) (string, Session, error) {
	// 32 bytes of random data (256 bits)
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", Session{}, fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(b)
	s.ExpiresAt = st.now().Add(st.ttl)

	st.mu.Lock()
	st.tokens[token] = s
	st.mu.Unlock()

	return token, s, nil
}

// Lookup returns the session of an unexpired token.
func (st *Sessions) Lookup(token string) (Session, bool) {
	if token == "" {
		return Session{}, false
	}

	st.mu.RLock()
	s, ok := st.tokens[token]
	st.mu.RUnlock()

	if !ok || !st.now().Before(s.ExpiresAt) {
		return Session{}, false
	}
	return s, true
}

// Revoke removes a token.
func (st *Sessions) Revoke(token string) {
	st.mu.Lock()
	delete(st.tokens, token)
	st.mu.Unlock()
}

// Len returns the number of stored tokens, expired ones included.
func (st *Sessions) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.tokens)
}

// Cleanup removes expired tokens.
func (st *Sessions) Cleanup() {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.now()
	for token, s := range st.tokens {
		if !now.Before(s.ExpiresAt) {
			delete(st.tokens, token)
		}
	}
}

// Run calls Cleanup every interval until ctx is done.
func (st *Sessions) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.Cleanup()
		}
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}
