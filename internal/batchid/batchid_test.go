package batchid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timePart strips the random suffix, leaving the clock-derived part.
func timePart(id string) string {
	return id[:len(id)-suffixLen]
}

func TestGenerateShape(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id, err := Generate()
		require.NoError(t, err)
		assert.Len(t, id, Size)
		assert.True(t, Valid(id), "invalid id %q", id)
	}
}

func TestGenerateDistinct(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id, err := Generate()
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %q at call %d", id, i)
		seen[id] = struct{}{}
	}
}

func TestGeneratePrefixOrdered(t *testing.T) {
	prev, err := Generate()
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		time.Sleep(time.Microsecond)
		next, err := Generate()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, timePart(next), timePart(prev))
		prev = next
	}
}

func TestGenerateFrozenClockStillIncreases(t *testing.T) {
	frozen := time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)
	g := New(func() time.Time { return frozen })

	a, err := g.Generate()
	require.NoError(t, err)
	b, err := g.Generate()
	require.NoError(t, err)

	assert.Greater(t, timePart(b), timePart(a))
}

func TestGenerateOutOfRangeClock(t *testing.T) {
	g := New(func() time.Time { return Epoch.Add(time.Second) })

	_, err := g.Generate()
	assert.ErrorIs(t, err, ErrClockOutOfRange)
}

func TestSuffix(t *testing.T) {
	tests := []struct {
		name string
		in   int64
		want string
	}{
		{"zero padded", 0, "0000"},
		{"short padded", 61, "000z"},
		{"exactly four", 62 * 62 * 62, "1000"},
		{"truncated to last four", 62*62*62*62 + 5, "0005"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, suffix(tt.in))
		})
	}
}

func TestEncode(t *testing.T) {
	assert.Equal(t, "0", encode(0))
	assert.Equal(t, "z", encode(61))
	assert.Equal(t, "10", encode(62))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("0123456789AbCz"))
	assert.False(t, Valid("0123456789AbC"))
	assert.False(t, Valid("0123456789AbC-"))
}
