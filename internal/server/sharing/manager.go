// Package sharing owns the share-token lifecycle: minting, resolving a
// presented token, checking liveness and secrets, and consuming a download
// so that a limited token is never redeemed more often than allowed.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/common"
	"github.com/dmitrijs2005/filedrop/internal/cryptox"
	"github.com/dmitrijs2005/filedrop/internal/logging"
	"github.com/dmitrijs2005/filedrop/internal/observability"
	"github.com/dmitrijs2005/filedrop/internal/server/blobstore"
	"github.com/dmitrijs2005/filedrop/internal/server/cache"
	"github.com/dmitrijs2005/filedrop/internal/server/models"
	"github.com/dmitrijs2005/filedrop/internal/server/storage"
	"github.com/dmitrijs2005/filedrop/internal/timex"
	"github.com/dmitrijs2005/filedrop/internal/tokenx"
)

// Notifier receives file events. Implementations must not block.
type Notifier interface {
	Notify(eventType models.EventType, file *models.File, req models.Requester)
}

type Manager struct {
	store             storage.Store
	blobs             blobstore.Store
	cache             cache.Cache
	notifier          Notifier
	codec             *tokenx.Codec
	engine            *cryptox.Engine
	log               logging.Logger
	metrics           *observability.Metrics
	allowPublicIDOnly bool
	now               func() time.Time
}

type Option func(*Manager)

// WithPublicIDOnly controls whether a bare public id may redeem a v2 share.
func WithPublicIDOnly(allow bool) Option {
	return func(m *Manager) { m.allowPublicIDOnly = allow }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func NewManager(store storage.Store, blobs blobstore.Store, c cache.Cache, n Notifier,
	codec *tokenx.Codec, engine *cryptox.Engine, log logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:             store,
		blobs:             blobs,
		cache:             c,
		notifier:          n,
		codec:             codec,
		engine:            engine,
		log:               log.With("module", "sharing"),
		allowPublicIDOnly: true,
		now:               time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) today() time.Time {
	return timex.DateOnly(m.now())
}

// CreateRequest describes a new share link.
type CreateRequest struct {
	FileExternalID string
	// Mode is TokenModeLegacy or TokenModeEncryptedV2. Empty picks the mode
	// matching the file's encryption version.
	Mode           models.TokenMode
	ExpirationDate *time.Time
	MaxDownloads   *int
	// Password unlocks a server-encrypted file for legacy shares.
	Password string
	// Token and SecretHash may be supplied by a v2 client; the server mints
	// a token otherwise.
	Token      string
	SecretHash string
	WrappedKey []byte
	WrapNonce  []byte
}

// Created is a freshly minted share. Raw is shown to the caller once and
// never stored for v2 shares.
type Created struct {
	Raw   string
	Token *models.ShareToken
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", common.ErrInvalidShareRequest, fmt.Sprintf(format, args...))
}

// Create validates req and persists a new live token.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	today := m.today()
	if req.MaxDownloads != nil && *req.MaxDownloads <= 0 {
		return nil, invalid("max downloads must be positive")
	}
	var exp *time.Time
	if req.ExpirationDate != nil {
		d := timex.DateOnly(*req.ExpirationDate)
		if d.Before(today) {
			return nil, invalid("expiration date %s is in the past", d.Format(time.DateOnly))
		}
		exp = &d
	}

	file, err := m.store.FindFileByExternalID(ctx, req.FileExternalID)
	if err != nil {
		return nil, err
	}

	mode := req.Mode
	if mode == "" {
		mode = models.TokenModeLegacy
		if file.EncryptionVersion == models.EncryptionClientWrapped {
			mode = models.TokenModeEncryptedV2
		}
	}

	token := &models.ShareToken{
		FileID:             file.ID,
		ExpirationDate:     exp,
		RemainingDownloads: req.MaxDownloads,
	}

	var raw string
	switch mode {
	case models.TokenModeEncryptedV2:
		raw, err = m.prepareSplit(ctx, file, req, token)
	case models.TokenModeLegacy:
		raw, err = m.prepareLegacy(ctx, file, req, token)
	default:
		err = invalid("unknown token mode %q", mode)
	}
	if err != nil {
		return nil, err
	}

	if err := m.store.SaveToken(ctx, token); err != nil {
		return nil, fmt.Errorf("%w: save token: %w", common.ErrStorageFailure, err)
	}
	m.metrics.ShareCreated(string(mode))
	m.log.Info(ctx, "share created", "file", file.ExternalID, "token_id", token.ID, "mode", mode)
	return &Created{Raw: raw, Token: token}, nil
}

func (m *Manager) mint(ctx context.Context, file *models.File) (string, error) {
	raw, err := m.codec.MintUnique(ctx, tokenx.Seed{FileID: file.ExternalID, Size: file.SizeBytes}, m.store.TokenExists)
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrStorageFailure, err)
	}
	return raw, nil
}

func (m *Manager) prepareSplit(ctx context.Context, file *models.File, req CreateRequest, token *models.ShareToken) (string, error) {
	if file.EncryptionVersion != models.EncryptionClientWrapped {
		return "", invalid("v2 shares need a client-encrypted file")
	}
	if len(req.WrappedKey) == 0 || len(req.WrapNonce) == 0 {
		return "", invalid("v2 shares need a wrapped key and nonce")
	}

	raw := req.Token
	if raw == "" {
		if req.SecretHash != "" {
			return "", invalid("secret hash given without a token")
		}
		var err error
		if raw, err = m.mint(ctx, file); err != nil {
			return "", err
		}
	} else {
		if !tokenx.IsWellFormed(raw) || len(raw) > tokenx.MaxLength {
			return "", invalid("token is not well formed")
		}
		if _, _, err := tokenx.Split(raw); err != nil {
			return "", invalid("token has no secret part")
		}
		exists, err := m.store.TokenExists(ctx, raw)
		if err != nil {
			return "", fmt.Errorf("%w: %w", common.ErrStorageFailure, err)
		}
		if exists {
			return "", invalid("token already in use")
		}
	}

	publicID, secret, _ := tokenx.Split(raw)
	hash := tokenx.HashSecret(secret)
	if req.SecretHash != "" && !tokenx.ConstantTimeEqual(req.SecretHash, hash) {
		return "", invalid("secret hash does not match token")
	}

	token.Key = models.SplitToken{PublicID: publicID, SecretHash: hash}
	token.WrappedKey = req.WrappedKey
	token.WrapNonce = req.WrapNonce
	return raw, nil
}

func (m *Manager) prepareLegacy(ctx context.Context, file *models.File, req CreateRequest, token *models.ShareToken) (string, error) {
	if file.EncryptionVersion == models.EncryptionClientWrapped {
		return "", invalid("client-encrypted files need a v2 share")
	}
	if req.Token != "" || req.SecretHash != "" {
		return "", invalid("legacy shares are always minted by the server")
	}

	raw, err := m.mint(ctx, file)
	if err != nil {
		return "", err
	}
	token.Key = models.LegacyToken{Raw: raw}

	if file.EncryptionVersion.ServerDecrypts() {
		if req.Password == "" {
			return "", invalid("password required to share an encrypted file")
		}
		if err := cryptox.CheckPassword(file.PasswordHash, req.Password); err != nil {
			return "", err
		}
		wrapped, err := m.engine.WrapSecret([]byte(req.Password), []byte(raw))
		if err != nil {
			return "", fmt.Errorf("wrap password: %w", err)
		}
		token.WrappedPassword = wrapped
	}
	return raw, nil
}

// Resolve finds the stored token a presented string refers to. Longer tokens
// are looked up by public id first and then as a legacy raw token.
func (m *Manager) Resolve(ctx context.Context, presented string) (*models.ShareToken, error) {
	if !tokenx.IsWellFormed(presented) || len(presented) > tokenx.MaxLength {
		return nil, common.ErrorNotFound
	}
	if len(presented) >= tokenx.PublicIDLength {
		t, err := m.store.FindTokenByPublicID(ctx, presented[:tokenx.PublicIDLength])
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, common.ErrorNotFound) {
			return nil, err
		}
	}
	return m.store.FindTokenByRawToken(ctx, presented)
}

// Validate checks liveness and, for split tokens, the presented secret.
func (m *Manager) Validate(t *models.ShareToken, presented string) error {
	today := m.today()
	if t.Expired(today) {
		return common.ErrExpired
	}
	if t.Exhausted() {
		return common.ErrExhausted
	}

	switch key := t.Key.(type) {
	case models.LegacyToken:
		if !tokenx.ConstantTimeEqual(presented, key.Raw) {
			return common.ErrForbidden
		}
		return nil
	case models.SplitToken:
		publicID, secret, err := tokenx.Split(presented)
		if errors.Is(err, tokenx.ErrNoSecret) {
			if m.allowPublicIDOnly && publicID != "" && publicID == key.PublicID {
				return nil
			}
			return common.ErrForbidden
		}
		if err != nil || publicID != key.PublicID || !tokenx.SecretMatches(secret, key.SecretHash) {
			return common.ErrForbidden
		}
		return nil
	default:
		return common.ErrForbidden
	}
}

// Download is a claimed redemption. The caller must close Body.
type Download struct {
	File *models.File
	Body io.ReadCloser
	Mode models.TokenMode
	// WrappedKey and WrapNonce let a v2 client unwrap the content key.
	WrappedKey []byte
	WrapNonce  []byte
	// Remaining is nil for unlimited tokens.
	Remaining *int
}

type readCloser struct {
	io.Reader
	io.Closer
}

// Redeem resolves, validates and consumes presented. The blob is opened
// (and a server-encrypted one authenticated) before the download is claimed,
// so a failure there never uses up a download. The claim itself is a single
// atomic step: among concurrent redemptions of a token's last download
// exactly one succeeds and the others get common.ErrExhausted.
func (m *Manager) Redeem(ctx context.Context, presented string, req models.Requester) (*Download, error) {
	d, err := m.redeem(ctx, presented, req)
	switch {
	case err == nil:
		m.metrics.Redeemed("ok")
	case common.IsDeadToken(err):
		m.metrics.Redeemed("dead")
		m.log.Info(ctx, "share redemption refused", "reason", err.Error(), "ip", req.IP)
	default:
		m.metrics.Redeemed("error")
		m.log.Error(ctx, "share redemption failed", "error", err, "ip", req.IP)
	}
	return d, err
}

func (m *Manager) redeem(ctx context.Context, presented string, req models.Requester) (*Download, error) {
	t, err := m.Resolve(ctx, presented)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(t, presented); err != nil {
		return nil, err
	}
	file, err := m.store.FindFileByID(ctx, t.FileID)
	if err != nil {
		return nil, err
	}

	body, err := m.openBody(ctx, file, t, presented)
	if err != nil {
		return nil, err
	}

	event := &models.HistoryEvent{FileID: file.ID, Type: models.EventDownload, At: m.now(), IP: req.IP, UserAgent: req.UserAgent}
	remaining, err := m.store.ClaimDownload(ctx, t.ID, m.today(), event)
	if err != nil {
		_ = body.Close()
		if errors.Is(err, common.ErrExhausted) || errors.Is(err, common.ErrorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: claim download: %w", common.ErrStorageFailure, err)
	}
	file.Downloads++

	if err := m.cache.Invalidate(ctx, cache.KeyAdminFileList, cache.KeyAnalytics); err != nil {
		m.log.Warn(ctx, "cache invalidation failed", "error", err)
	}
	m.notifier.Notify(models.EventDownload, file, req)
	m.log.Info(ctx, "share redeemed", "file", file.ExternalID, "token_id", t.ID, "mode", t.Mode())

	return &Download{
		File:       file,
		Body:       body,
		Mode:       t.Mode(),
		WrappedKey: t.WrappedKey,
		WrapNonce:  t.WrapNonce,
		Remaining:  remaining,
	}, nil
}

func (m *Manager) openBody(ctx context.Context, file *models.File, t *models.ShareToken, presented string) (io.ReadCloser, error) {
	rc, err := m.blobs.Read(ctx, file.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("%w: read blob %s: %w", common.ErrStorageFailure, file.ExternalID, err)
	}
	if !file.EncryptionVersion.ServerDecrypts() {
		return rc, nil
	}

	if len(t.WrappedPassword) == 0 {
		_ = rc.Close()
		return nil, common.ErrAuthenticationFailed
	}
	password, err := m.engine.UnwrapSecret(t.WrappedPassword, []byte(presented))
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	defer common.WipeByteArray(password)

	plain, err := m.engine.Open(rc, password)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	return readCloser{Reader: plain, Closer: rc}, nil
}

// Revoke deletes a token.
func (m *Manager) Revoke(ctx context.Context, tokenID int64) error {
	if err := m.store.DeleteToken(ctx, tokenID); err != nil {
		return err
	}
	m.log.Info(ctx, "share revoked", "token_id", tokenID)
	return nil
}

// ListForFile returns the tokens of a file, live or not.
func (m *Manager) ListForFile(ctx context.Context, externalID string) ([]*models.ShareToken, error) {
	file, err := m.store.FindFileByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return m.store.ListTokensByFile(ctx, file.ID)
}
