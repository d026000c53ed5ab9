package token

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	// BodyLength is the number of random characters after the prefix.
	BodyLength = 32

	// LookupLength is the number of body characters used as the index key.
	LookupLength = 8

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// largest multiple of len(alphabet) that fits in a byte
	rejectAbove = 256 - 256%len(alphabet)
)

// Format describes the plaintext shape of tokens.
type Format struct {
	prefix string
}

// NewFormat creates a format with the given prefix.
func NewFormat(prefix string) Format {
	return Format{prefix: prefix}
}

// Prefix returns the token prefix.
func (f Format) Prefix() string {
	return f.prefix
}

// Generate returns a new plaintext token using crypto/rand. Characters are
// drawn uniformly from [A-Za-z0-9] by rejection sampling.
func (f Format) Generate() (string, error) {
	var b strings.Builder
	b.Grow(len(f.prefix) + BodyLength)
	b.WriteString(f.prefix)

	buf := make([]byte, BodyLength*2)
	n := 0
	for n < BodyLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, c := range buf {
			if int(c) >= rejectAbove {
				continue
			}
			b.WriteByte(alphabet[int(c)%len(alphabet)])
			n++
			if n == BodyLength {
				break
			}
		}
	}
	return b.String(), nil
}

// Valid reports whether s is prefix followed by exactly BodyLength
// alphanumeric characters.
func (f Format) Valid(s string) bool {
	body, ok := strings.CutPrefix(s, f.prefix)
	if !ok || len(body) != BodyLength {
		return false
	}
	for i := 0; i < len(body); i++ {
		if !isAlnum(body[i]) {
			return false
		}
	}
	return true
}

// Lookup returns the index key of a well-formed plaintext.
func (f Format) Lookup(s string) string {
	return s[len(f.prefix) : len(f.prefix)+LookupLength]
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
