package cryptox

import (
	"encoding/binary"
	"fmt"

	"github.com/dmitrijs2005/filedrop/internal/common"
)

// wrapped secret: version | kdf time u32 | kdf memory u32 | kdf threads u8 |
// salt [16] | nonce [12] | sealed secret
const (
	wrapVersion   = 1
	wrapNonceLen  = 12
	wrapHeaderLen = 1 + 4 + 4 + 1 + saltLen + wrapNonceLen
)

// WrapSecret seals secret under a key derived from kek.
func (e *Engine) WrapSecret(secret, kek []byte) ([]byte, error) {
	salt := common.GenerateRandByteArray(saltLen)
	nonce := common.GenerateRandByteArray(wrapNonceLen)

	key := DeriveKey(kek, salt, e.params)
	defer common.WipeByteArray(key)

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, wrapHeaderLen+len(secret)+tagSize)
	out = append(out, wrapVersion)
	out = binary.BigEndian.AppendUint32(out, e.params.Time)
	out = binary.BigEndian.AppendUint32(out, e.params.MemoryKiB)
	out = append(out, e.params.Threads)
	out = append(out, salt...)
	out = append(out, nonce...)
	ad := append([]byte(nil), out...)
	return aead.Seal(out, nonce, secret, ad), nil
}

// UnwrapSecret reverses WrapSecret. A wrong kek yields
// common.ErrAuthenticationFailed.
func (e *Engine) UnwrapSecret(blob, kek []byte) ([]byte, error) {
	if len(blob) < wrapHeaderLen+tagSize || blob[0] != wrapVersion {
		return nil, fmt.Errorf("%w: bad wrapped secret", ErrMalformedCiphertext)
	}
	p := KDFParams{
		Time:      binary.BigEndian.Uint32(blob[1:5]),
		MemoryKiB: binary.BigEndian.Uint32(blob[5:9]),
		Threads:   blob[9],
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	salt := blob[10 : 10+saltLen]
	nonce := blob[10+saltLen : wrapHeaderLen]

	key := DeriveKey(kek, salt, p)
	defer common.WipeByteArray(key)

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	secret, err := aead.Open(nil, nonce, blob[wrapHeaderLen:], blob[:wrapHeaderLen])
	if err != nil {
		return nil, authFailed("unwrap failed")
	}
	return secret, nil
}
