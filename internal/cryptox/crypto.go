// Package cryptox implements the at-rest encryption used by filedrop:
// a chunked AES-256-GCM stream keyed by an argon2id password hash, a small
// envelope for wrapping secrets under other secrets, and bcrypt password
// hashes for file owners.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/filedrop/internal/common"
	"golang.org/x/crypto/argon2"
)

const (
	keyLen  = 32
	saltLen = 16
	tagSize = 16
)

// ErrMalformedCiphertext is returned when a header cannot be parsed or
// carries values outside the accepted bounds.
var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// KDFParams are the argon2id cost parameters. They are written into every
// header so that Open does not depend on the current defaults.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams is argon2id(t=1, m=64MiB, p=4).
var DefaultKDFParams = KDFParams{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}

func (p KDFParams) validate() error {
	if p.Time < 1 || p.Time > 16 {
		return fmt.Errorf("%w: kdf time %d out of range", ErrMalformedCiphertext, p.Time)
	}
	if p.Threads < 1 || p.Threads > 64 {
		return fmt.Errorf("%w: kdf threads %d out of range", ErrMalformedCiphertext, p.Threads)
	}
	if p.MemoryKiB < 8*uint32(p.Threads) || p.MemoryKiB > 1024*1024 {
		return fmt.Errorf("%w: kdf memory %d KiB out of range", ErrMalformedCiphertext, p.MemoryKiB)
	}
	return nil
}

// DeriveKey stretches password with argon2id into a 32-byte AES key.
func DeriveKey(password, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(password, salt, p.Time, p.MemoryKiB, p.Threads, keyLen)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Engine seals and opens streams. The zero value is not usable; use NewEngine.
type Engine struct {
	params    KDFParams
	chunkSize int
}

// Option configures an Engine.
type Option func(*Engine)

// WithKDFParams overrides the argon2id cost used for new ciphertexts.
func WithKDFParams(p KDFParams) Option {
	return func(e *Engine) { e.params = p }
}

// WithChunkSize sets the plaintext size of each sealed chunk.
func WithChunkSize(n int) Option {
	return func(e *Engine) { e.chunkSize = n }
}

// DefaultChunkSize is the plaintext size of one sealed chunk.
const DefaultChunkSize = 64 * 1024

const maxChunkSize = 16 * 1024 * 1024

// NewEngine returns an Engine with default parameters adjusted by opts.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{params: DefaultKDFParams, chunkSize: DefaultChunkSize}
	for _, o := range opts {
		o(e)
	}
	if err := e.params.validate(); err != nil {
		return nil, err
	}
	if e.chunkSize < 1 || e.chunkSize > maxChunkSize {
		return nil, fmt.Errorf("chunk size %d out of range", e.chunkSize)
	}
	return e, nil
}

// SealedSize returns the ciphertext length Seal produces for plain bytes.
func (e *Engine) SealedSize(plain int64) int64 {
	chunks := (plain + int64(e.chunkSize) - 1) / int64(e.chunkSize)
	if chunks == 0 {
		chunks = 1
	}
	return int64(headerLen) + plain + chunks*tagSize
}

func authFailed(reason string) error {
	return fmt.Errorf("%w: %s", common.ErrAuthenticationFailed, reason)
}
