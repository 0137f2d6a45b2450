package matchmaking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomCodeAlphabet(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := randomCode()
		require.NoError(t, err)
		require.Len(t, code, codeLength)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(codeAlphabet, r), "unexpected rune %q", r)
		}
		// The ambiguous characters must never appear.
		assert.NotContains(t, code, "I")
		assert.NotContains(t, code, "O")
		assert.NotContains(t, code, "0")
		assert.NotContains(t, code, "1")
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"liku-a2b3", "LIKU-A2B3"},
		{"  LIKU-A2B3 ", "LIKU-A2B3"},
		{"a2b3", "LIKU-A2B3"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCode("LIKU", tt.in))
	}
}

func TestValidCodeFormat(t *testing.T) {
	assert.True(t, ValidCodeFormat("LIKU", "LIKU-A2B3"))
	assert.False(t, ValidCodeFormat("LIKU", "LIKU-A2B"))    // too short
	assert.False(t, ValidCodeFormat("LIKU", "LIKU-A2B34"))  // too long
	assert.False(t, ValidCodeFormat("LIKU", "GAME-A2B3"))   // wrong prefix
	assert.False(t, ValidCodeFormat("LIKU", "LIKU-A0B3"))   // excluded char
	assert.False(t, ValidCodeFormat("LIKU", "LIKUA2B3"))    // no hyphen
	assert.False(t, ValidCodeFormat("LIKU", ""))
}
