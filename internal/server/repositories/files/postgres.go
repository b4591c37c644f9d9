package files

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

const selectColumns = `id, external_id, display_name, size_bytes, original_size_bytes, uploaded_at,
	keep_indefinitely, hidden, password_hash, encrypted, encryption_version, downloads`

// PostgresRepository implements file storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(s scanner) (*models.File, error) {
	var f models.File
	var pw sql.NullString
	var ver int
	if err := s.Scan(&f.ID, &f.ExternalID, &f.DisplayName, &f.SizeBytes, &f.OriginalSizeBytes, &f.UploadedAt,
		&f.KeepIndefinitely, &f.Hidden, &pw, &f.Encrypted, &ver, &f.Downloads); err != nil {
		return nil, err
	}
	f.PasswordHash = pw.String
	f.EncryptionVersion = models.EncryptionVersion(ver)
	return &f, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Create inserts file and sets its ID.
func (r *PostgresRepository) Create(ctx context.Context, file *models.File) error {
	query := `
		INSERT INTO files (external_id, display_name, size_bytes, original_size_bytes, uploaded_at,
			keep_indefinitely, hidden, password_hash, encrypted, encryption_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`
	err := r.db.QueryRowContext(ctx, query,
		file.ExternalID, file.DisplayName, file.SizeBytes, file.OriginalSizeBytes, file.UploadedAt,
		file.KeepIndefinitely, file.Hidden, nullable(file.PasswordHash), file.Encrypted, int(file.EncryptionVersion),
	).Scan(&file.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Update writes the mutable columns of file. Exactly one row must match.
func (r *PostgresRepository) Update(ctx context.Context, file *models.File) error {
	query := `
		UPDATE files SET display_name=$2, uploaded_at=$3, keep_indefinitely=$4, hidden=$5, password_hash=$6
		WHERE id=$1`
	res, err := r.db.ExecContext(ctx, query,
		file.ID, file.DisplayName, file.UploadedAt, file.KeepIndefinitely, file.Hidden, nullable(file.PasswordHash))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return dbx.ExpectOneRow(res)
}

func (r *PostgresRepository) getOne(ctx context.Context, where string, arg any) (*models.File, error) {
	query := `SELECT ` + selectColumns + ` FROM files WHERE ` + where
	f, err := scanFile(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return f, nil
}

// GetByID returns the file with the given primary key.
func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*models.File, error) {
	return r.getOne(ctx, `id=$1`, id)
}

// GetByExternalID returns the file with the given public identifier.
func (r *PostgresRepository) GetByExternalID(ctx context.Context, externalID string) (*models.File, error) {
	return r.getOne(ctx, `external_id=$1`, externalID)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.File, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select files: %w", err)
	}
	defer rows.Close()

	var result []*models.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// List returns files newest first. Hidden files are included only on request.
func (r *PostgresRepository) List(ctx context.Context, includeHidden bool) ([]*models.File, error) {
	query := `SELECT ` + selectColumns + ` FROM files WHERE ($1 OR NOT hidden) ORDER BY uploaded_at DESC, id DESC`
	return r.list(ctx, query, includeHidden)
}

// ListExpired returns files uploaded before threshold that are not kept
// indefinitely.
func (r *PostgresRepository) ListExpired(ctx context.Context, threshold time.Time) ([]*models.File, error) {
	query := `SELECT ` + selectColumns + ` FROM files WHERE uploaded_at < $1 AND NOT keep_indefinitely ORDER BY id`
	return r.list(ctx, query, threshold)
}

// IncrementDownloads bumps the download counter.
func (r *PostgresRepository) IncrementDownloads(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE files SET downloads = downloads + 1 WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return dbx.ExpectOneRow(res)
}

// Delete removes the file row. Dependent rows must be gone already.
func (r *PostgresRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return dbx.ExpectOneRow(res)
}

// Analytics aggregates counters over all files.
func (r *PostgresRepository) Analytics(ctx context.Context) (*models.Analytics, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(downloads), 0), COALESCE(SUM(size_bytes), 0), COALESCE(AVG(size_bytes), 0),
			COUNT(*) FILTER (WHERE hidden), COUNT(*) FILTER (WHERE keep_indefinitely)
		FROM files`
	var a models.Analytics
	if err := r.db.QueryRowContext(ctx, query).Scan(
		&a.TotalFiles, &a.TotalDownloads, &a.TotalSpaceUsed, &a.AverageFileSize, &a.HiddenFiles, &a.KeptIndefinitely,
	); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &a, nil
}
