package sharetokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/common"
	"github.com/dmitrijs2005/filedrop/internal/dbx"
	"github.com/dmitrijs2005/filedrop/internal/server/models"
)

const selectColumns = `id, file_id, token_mode, raw_token, public_id, secret_hash, expiration_date,
	remaining_downloads, wrapped_key, wrap_nonce, wrapped_password, created_at`

// deadClause matches tokens that can never be redeemed again.
const deadClause = `(expiration_date IS NOT NULL AND expiration_date < $1) OR remaining_downloads = 0`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(s scanner) (*models.ShareToken, error) {
	var (
		t                       models.ShareToken
		mode                    string
		raw, public, secretHash sql.NullString
		exp                     sql.NullTime
		remaining               sql.NullInt64
	)
	if err := s.Scan(&t.ID, &t.FileID, &mode, &raw, &public, &secretHash, &exp,
		&remaining, &t.WrappedKey, &t.WrapNonce, &t.WrappedPassword, &t.CreatedAt); err != nil {
		return nil, err
	}

	switch models.TokenMode(mode) {
	case models.TokenModeLegacy:
		t.Key = models.LegacyToken{Raw: raw.String}
	case models.TokenModeEncryptedV2:
		t.Key = models.SplitToken{PublicID: public.String, SecretHash: secretHash.String}
	default:
		return nil, fmt.Errorf("share token %d: unknown mode %q", t.ID, mode)
	}
	if exp.Valid {
		d := exp.Time
		t.ExpirationDate = &d
	}
	if remaining.Valid {
		n := int(remaining.Int64)
		t.RemainingDownloads = &n
	}
	return &t, nil
}

// keyColumns flattens the tagged key into its table columns.
func keyColumns(k models.TokenKey) (mode string, raw, public, secretHash sql.NullString, err error) {
	switch key := k.(type) {
	case models.LegacyToken:
		return string(models.TokenModeLegacy), sql.NullString{String: key.Raw, Valid: true}, public, secretHash, nil
	case models.SplitToken:
		return string(models.TokenModeEncryptedV2), raw,
			sql.NullString{String: key.PublicID, Valid: true},
			sql.NullString{String: key.SecretHash, Valid: true}, nil
	default:
		return "", raw, public, secretHash, fmt.Errorf("unsupported token key %T", k)
	}
}

// Create inserts token and fills in its ID and CreatedAt.
func (r *PostgresRepository) Create(ctx context.Context, token *models.ShareToken) error {
	mode, raw, public, secretHash, err := keyColumns(token.Key)
	if err != nil {
		return err
	}

	var exp sql.NullTime
	if token.ExpirationDate != nil {
		exp = sql.NullTime{Time: *token.ExpirationDate, Valid: true}
	}
	var remaining sql.NullInt64
	if token.RemainingDownloads != nil {
		remaining = sql.NullInt64{Int64: int64(*token.RemainingDownloads), Valid: true}
	}

	query := `
		INSERT INTO share_tokens (file_id, token_mode, raw_token, public_id, secret_hash, expiration_date,
			remaining_downloads, wrapped_key, wrap_nonce, wrapped_password)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`
	err = r.db.QueryRowContext(ctx, query, token.FileID, mode, raw, public, secretHash, exp,
		remaining, token.WrappedKey, token.WrapNonce, token.WrappedPassword,
	).Scan(&token.ID, &token.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) getOne(ctx context.Context, where string, arg any) (*models.ShareToken, error) {
	query := `SELECT ` + selectColumns + ` FROM share_tokens WHERE ` + where
	t, err := scanToken(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return t, nil
}

// GetByPublicID finds a split-mode token.
func (r *PostgresRepository) GetByPublicID(ctx context.Context, publicID string) (*models.ShareToken, error) {
	return r.getOne(ctx, `token_mode='encrypted-v2-share' AND public_id=$1`, publicID)
}

// GetByRawToken finds a legacy token by its full value.
func (r *PostgresRepository) GetByRawToken(ctx context.Context, raw string) (*models.ShareToken, error) {
	return r.getOne(ctx, `token_mode='legacy' AND raw_token=$1`, raw)
}

// Exists reports whether raw collides with a stored token. Any two tokens
// sharing their first 8 characters collide, whatever their mode, because a
// public id lookup would otherwise shadow a legacy token.
func (r *PostgresRepository) Exists(ctx context.Context, raw string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM share_tokens
		WHERE raw_token=$1 OR LEFT(raw_token, 8)=LEFT($1, 8) OR public_id=LEFT($1, 8))`
	if err := r.db.QueryRowContext(ctx, query, raw).Scan(&exists); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.ShareToken, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select share tokens: %w", err)
	}
	defer rows.Close()

	var result []*models.ShareToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) ListByFile(ctx context.Context, fileID int64) ([]*models.ShareToken, error) {
	query := `SELECT ` + selectColumns + ` FROM share_tokens WHERE file_id=$1 ORDER BY id`
	return r.list(ctx, query, fileID)
}

// Claim atomically takes one download from a live token and returns the
// remaining count (nil for unlimited). A token that is dead or gone yields
// common.ErrExhausted, so concurrent claims on the last download have exactly
// one winner.
func (r *PostgresRepository) Claim(ctx context.Context, id int64, today time.Time) (*int, error) {
	query := `
		UPDATE share_tokens SET remaining_downloads = remaining_downloads - 1
		WHERE id=$1
			AND (expiration_date IS NULL OR expiration_date >= $2)
			AND (remaining_downloads IS NULL OR remaining_downloads > 0)
		RETURNING remaining_downloads`
	var remaining sql.NullInt64
	err := r.db.QueryRowContext(ctx, query, id, today).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrExhausted
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if !remaining.Valid {
		return nil, nil
	}
	n := int(remaining.Int64)
	return &n, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM share_tokens WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return dbx.ExpectOneRow(res)
}

func (r *PostgresRepository) DeleteByFile(ctx context.Context, fileID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM share_tokens WHERE file_id=$1`, fileID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

// ListDead returns tokens expired before today or with no downloads left.
func (r *PostgresRepository) ListDead(ctx context.Context, today time.Time) ([]*models.ShareToken, error) {
	query := `SELECT ` + selectColumns + ` FROM share_tokens WHERE ` + deadClause + ` ORDER BY id`
	return r.list(ctx, query, today)
}

func (r *PostgresRepository) DeleteDead(ctx context.Context, today time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM share_tokens WHERE `+deadClause, today)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
