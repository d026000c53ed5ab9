package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/bcrypt"
)

// Hash algorithm names.
const (
	HashAlgSHA256 = "sha256"
	HashAlgBlake3 = "blake3"
	HashAlgBcrypt = "bcrypt"
)

// Hasher turns a plaintext token into its stored form and compares the two.
type Hasher interface {
	// Name returns the algorithm name.
	Name() string

	// Hash returns the stored form of plaintext.
	Hash(plaintext string) (string, error)

	// Compare reports whether plaintext matches hash. It runs in time
	// independent of where the inputs differ.
	Compare(hash, plaintext string) bool
}

// NewHasher creates a hasher for the named algorithm. The pepper is mixed
// into sha256 and blake3 hashes; bcrypt salts per hash and ignores it.
// A bcryptCost of zero selects bcrypt.DefaultCost.
func NewHasher(algorithm string, pepper []byte, bcryptCost int) (Hasher, error) {
	switch algorithm {
	case HashAlgSHA256, "":
		return &sha256Hasher{pepper: pepper}, nil
	case HashAlgBlake3:
		key := sha256.Sum256(pepper)
		return &blake3Hasher{key: key[:]}, nil
	case HashAlgBcrypt:
		if bcryptCost == 0 {
			bcryptCost = bcrypt.DefaultCost
		}
		if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
			return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", bcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
		}
		return &bcryptHasher{cost: bcryptCost}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

// sha256Hasher uses HMAC-SHA256 when a pepper is set and plain SHA-256 otherwise.
type sha256Hasher struct {
	pepper []byte
}

func (h *sha256Hasher) Name() string { return HashAlgSHA256 }

func (h *sha256Hasher) Hash(plaintext string) (string, error) {
	return h.sum(plaintext), nil
}

func (h *sha256Hasher) Compare(hash, plaintext string) bool {
	return subtle.ConstantTimeCompare([]byte(hash), []byte(h.sum(plaintext))) == 1
}

func (h *sha256Hasher) sum(plaintext string) string {
	if len(h.pepper) == 0 {
		sum := sha256.Sum256([]byte(plaintext))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// blake3Hasher uses keyed BLAKE3 with a 32-byte key derived from the pepper.
type blake3Hasher struct {
	key []byte
}

func (h *blake3Hasher) Name() string { return HashAlgBlake3 }

func (h *blake3Hasher) Hash(plaintext string) (string, error) {
	return h.sum(plaintext)
}

func (h *blake3Hasher) Compare(hash, plaintext string) bool {
	sum, err := h.sum(plaintext)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hash), []byte(sum)) == 1
}

func (h *blake3Hasher) sum(plaintext string) (string, error) {
	hasher, err := blake3.NewKeyed(h.key)
	if err != nil {
		return "", fmt.Errorf("failed to initialize blake3: %w", err)
	}
	_, _ = hasher.Write([]byte(plaintext))
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

type bcryptHasher struct {
	cost int
}

func (h *bcryptHasher) Name() string { return HashAlgBcrypt }

func (h *bcryptHasher) Hash(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (h *bcryptHasher) Compare(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

var (
	_ Hasher = (*sha256Hasher)(nil)
	_ Hasher = (*blake3Hasher)(nil)
	_ Hasher = (*bcryptHasher)(nil)
)
