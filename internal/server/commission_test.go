package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommission(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  int
	}{
		{"5%", 500},
		{"5", 500},
		{" 5 % ", 500},
		{"2.5", 250},
		{"0.125", 13},
		{"1.005", 100},
		{"0", 0},
		{"", 0},
		{"  ", 0},
		{"100", 10000},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCommission(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommission_Invalid(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"five", "5%%", "-1", "101", "NaN", "Inf", "1e400"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseCommission(input)
			assert.ErrorIs(t, err, ErrInvalidCommission)
		})
	}
}
