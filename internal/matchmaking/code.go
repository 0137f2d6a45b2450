package matchmaking

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// codeAlphabet excludes characters that are easy to confuse when a code
// is read aloud or transcribed: I, O, 0 and 1.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// codeLength is the number of random characters after the prefix.
const codeLength = 4

// maxCodeAttempts bounds the uniqueness retry loop in code generation.
// Hitting it means the code space is effectively exhausted.
const maxCodeAttempts = 32

// ErrCodeSpaceExhausted is returned when no unused code could be
// generated within the retry bound. Callers should treat it as a
// retryable service error, not a crash.
var ErrCodeSpaceExhausted = errors.New("match code space exhausted")

// randomCode samples a fresh code suffix from the restricted alphabet.
func randomCode() (string, error) {
	var sb strings.Builder
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", fmt.Errorf("sampling match code: %w", err)
		}
		sb.WriteByte(codeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// NormalizeCode canonicalizes user input: trims whitespace, uppercases,
// and prepends the prefix when the user typed only the random part.
func NormalizeCode(prefix, code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return code
	}
	if !strings.Contains(code, "-") {
		code = prefix + "-" + code
	}
	return code
}

// ValidCodeFormat reports whether code has the canonical shape
// "{prefix}-{suffix}" with a suffix of the right length drawn from the
// restricted alphabet.
func ValidCodeFormat(prefix, code string) bool {
	rest, ok := strings.CutPrefix(code, prefix+"-")
	if !ok || len(rest) != codeLength {
		return false
	}
	for i := 0; i < len(rest); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(rest[i])) {
			return false
		}
	}
	return true
}
