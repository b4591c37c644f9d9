package models

import "time"

// TokenMode is the persisted discriminator of a share token.
type TokenMode string

const (
	TokenModeLegacy      TokenMode = "legacy"
	TokenModeEncryptedV2 TokenMode = "encrypted-v2-share"
	TokenModeUnknown     TokenMode = "unknown"
)

// TokenKey is how a share token is looked up and checked. It is one of
// LegacyToken or SplitToken.
type TokenKey interface {
	Mode() TokenMode
	isTokenKey()
}

// LegacyToken is looked up by the full raw token; no secret check applies.
type LegacyToken struct {
	Raw string
}

func (LegacyToken) Mode() TokenMode { return TokenModeLegacy }
func (LegacyToken) isTokenKey()     {}

// SplitToken is looked up by PublicID; the remainder of the presented token
// must hash to SecretHash.
type SplitToken struct {
	PublicID   string
	SecretHash string
}

func (SplitToken) Mode() TokenMode { return TokenModeEncryptedV2 }
func (SplitToken) isTokenKey()     {}

// ShareToken grants time and count limited access to one file.
type ShareToken struct {
	ID     int64
	FileID int64
	Key    TokenKey
	// ExpirationDate is a calendar date; nil means no date limit.
	ExpirationDate *time.Time
	// RemainingDownloads is nil for unlimited tokens.
	RemainingDownloads *int
	// WrappedKey and WrapNonce are opaque client blobs for v2 shares.
	WrappedKey []byte
	WrapNonce  []byte
	// WrappedPassword is the v1 file password sealed under the raw token.
	WrappedPassword []byte
	CreatedAt       time.Time
}

// Mode returns the token's mode.
func (t *ShareToken) Mode() TokenMode {
	if t.Key == nil {
		return TokenModeUnknown
	}
	return t.Key.Mode()
}

// Expired reports whether today is past the expiration date.
func (t *ShareToken) Expired(today time.Time) bool {
	return t.ExpirationDate != nil && today.After(*t.ExpirationDate)
}

// Exhausted reports whether a bounded token has no downloads left.
func (t *ShareToken) Exhausted() bool {
	return t.RemainingDownloads != nil && *t.RemainingDownloads <= 0
}

// Live is the liveness predicate: not expired and not exhausted.
func (t *ShareToken) Live(today time.Time) bool {
	return !t.Expired(today) && !t.Exhausted()
}
