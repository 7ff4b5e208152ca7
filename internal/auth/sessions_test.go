package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcdistribution/portal/internal/config"
)

type userList []config.User

func (l userList) FindUser(login string) (config.User, bool) {
	for _, u := range l {
		if u.Email == login || u.Username == login {
			return u, true
		}
	}
	return config.User{}, false
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	users := userList{
		{Username: "ops", Email: "ops@example.com", Password: hash, Role: "super_admin"},
		{Username: "nohash", Email: "nohash@example.com"},
		{Username: "broken", Email: "broken@example.com", Password: "plaintext"},
	}

	u, err := Authenticate(users, "ops@example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "super_admin", u.Role)

	_, err = Authenticate(users, "ops", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = Authenticate(users, "ghost@example.com", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = Authenticate(users, "nohash", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = Authenticate(users, "broken", "plaintext")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestSessions_IssueAndLookup(t *testing.T) {
	t.Parallel()

	st := NewSessions(time.Hour)
	token, issued, err := st.Issue(NewSession(config.User{Email: "ops@example.com", Role: "admin", Permissions: []string{"stock_upload"}}))
	require.NoError(t, err)

	assert.Len(t, token, 64)
	assert.False(t, issued.ExpiresAt.IsZero())

	s, ok := st.Lookup(token)
	require.True(t, ok)
	assert.Equal(t, "ops@example.com", s.Email)
	assert.Equal(t, []string{"stock_upload"}, s.Permissions)

	_, ok = st.Lookup("")
	assert.False(t, ok)
	_, ok = st.Lookup("unknown")
	assert.False(t, ok)
}

func TestSessions_UniqueTokens(t *testing.T) {
	t.Parallel()

	st := NewSessions(time.Hour)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, _, err := st.Issue(Session{})
		require.NoError(t, err)
		assert.False(t, seen[token])
		seen[token] = true
	}
	assert.Equal(t, 100, st.Len())
}

func TestSessions_Expiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	st := NewSessions(time.Minute)
	st.now = func() time.Time { return now }

	token, _, err := st.Issue(Session{Email: "a@example.com"})
	require.NoError(t, err)

	now = now.Add(59 * time.Second)
	_, ok := st.Lookup(token)
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok = st.Lookup(token)
	assert.False(t, ok)

	assert.Equal(t, 1, st.Len())
	st.Cleanup()
	assert.Zero(t, st.Len())
}

func TestSessions_Revoke(t *testing.T) {
	t.Parallel()

	st := NewSessions(time.Hour)
	token, _, err := st.Issue(Session{})
	require.NoError(t, err)

	st.Revoke(token)
	_, ok := st.Lookup(token)
	assert.False(t, ok)
}

func TestSessions_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	st := NewSessions(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		st.Run(ctx, time.Millisecond)
	}()

	cancel()
	wg.Wait()
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc123", "abc123", true},
		{"Bearer   abc123 ", "abc123", true},
		{"Bearer ", "", false},
		{"bearer abc123", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, ok := BearerToken(tt.header)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
