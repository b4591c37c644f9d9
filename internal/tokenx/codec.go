// Package tokenx mints and checks share tokens.
//
// A token is a fixed-length base62 string. Its first PublicIDLength characters
// are the public id used as an indexed lookup key; the remainder is the secret,
// of which only a SHA-256 digest is stored.
package tokenx

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const (
	// Alphabet is the 62-symbol token alphabet.
	Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// PublicIDLength is the number of leading characters used as lookup key.
	PublicIDLength = 8

	// MinLength and MaxLength bound minted token lengths. A SHA-256 digest
	// spans at most 43 base62 digits.
	MinLength = PublicIDLength + 1
	MaxLength = 43

	// DefaultLength is used when no length is configured.
	DefaultLength = 12

	maxMintAttempts = 10
)

var (
	// ErrNoSecret is returned by Split when a token has no secret part.
	ErrNoSecret = errors.New("token has no secret part")

	// ErrMintExhausted means MintUnique kept colliding with stored tokens.
	ErrMintExhausted = errors.New("could not mint a unique token")
)

// Seed is the identity a token is derived from.
type Seed struct {
	FileID string
	Size   int64
}

// Codec mints tokens of a fixed length.
type Codec struct {
	length int
	random io.Reader
	now    func() time.Time
}

// NewCodec returns a Codec producing tokens of the given length.
func NewCodec(length int) (*Codec, error) {
	if length < MinLength || length > MaxLength {
		return nil, fmt.Errorf("token length %d outside [%d, %d]", length, MinLength, MaxLength)
	}
	return &Codec{length: length, random: rand.Reader, now: time.Now}, nil
}

// Length returns the length of minted tokens.
func (c *Codec) Length() int { return c.length }

// Mint derives a token from SHA-256(fileID | size | time | 16 random bytes).
func (c *Codec) Mint(seed Seed) (string, error) {
	nonce := make([]byte, 16)
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(seed.FileID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(seed.Size, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(c.now().UnixNano(), 10)))
	h.Write([]byte{'|'})
	h.Write(nonce)

	return fit(toBase62(h.Sum(nil)), c.length), nil
}

// MintUnique mints tokens until exists reports that neither the token nor
// its public id is already taken.
func (c *Codec) MintUnique(ctx context.Context, seed Seed, exists func(ctx context.Context, token string) (bool, error)) (string, error) {
	for range maxMintAttempts {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		token, err := c.Mint(seed)
		if err != nil {
			return "", err
		}
		taken, err := exists(ctx, token)
		if err != nil {
			return "", err
		}
		if !taken {
			return token, nil
		}
	}
	return "", ErrMintExhausted
}

func toBase62(b []byte) string {
	n := new(big.Int).SetBytes(b)
	if n.Sign() == 0 {
		return "0"
	}
	base := big.NewInt(int64(len(Alphabet)))
	mod := new(big.Int)
	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, base, mod)
		out = append(out, Alphabet[mod.Int64()])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func fit(s string, length int) string {
	if len(s) >= length {
		return s[:length]
	}
	return strings.Repeat("0", length-len(s)) + s
}

// Split returns the public id and secret of raw. Tokens not longer than
// PublicIDLength have no secret and return ErrNoSecret along with the
// public id, if raw is exactly that long.
func Split(raw string) (publicID, secret string, err error) {
	if len(raw) < PublicIDLength {
		return "", "", ErrNoSecret
	}
	if len(raw) == PublicIDLength {
		return raw, "", ErrNoSecret
	}
	return raw[:PublicIDLength], raw[PublicIDLength:], nil
}

// HashSecret returns the hex SHA-256 digest of secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// SecretMatches hashes candidate and compares it with storedDigest in
// constant time.
func SecretMatches(candidate, storedDigest string) bool {
	return ConstantTimeEqual(HashSecret(candidate), storedDigest)
}

// ConstantTimeEqual compares a and b by XOR-accumulating every byte position
// up to the longer length, so the running time depends only on the lengths
// and never on where the first difference sits.
func ConstantTimeEqual(a, b string) bool {
	diff := len(a) ^ len(b)
	n := max(len(a), len(b))
	for i := 0; i < n; i++ {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		diff |= int(x ^ y)
	}
	return diff == 0
}

// IsWellFormed reports whether s only uses the token alphabet.
func IsWellFormed(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(Alphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
