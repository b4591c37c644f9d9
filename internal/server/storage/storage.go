// Package storage is the persistence contract consumed by the sharing, files
// and scheduler packages. SQLStore backs it with PostgreSQL repositories;
// MemoryStore keeps everything in process for development and tests.
package storage

import (
	"context"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/server/models"
)

// Files is the file-row half of the contract.
type Files interface {
	FindFileByID(ctx context.Context, id int64) (*models.File, error)
	FindFileByExternalID(ctx context.Context, externalID string) (*models.File, error)
	// SaveFile inserts a file with a zero ID and updates it otherwise.
	SaveFile(ctx context.Context, file *models.File) error
	// DeleteFileCascade removes the file with its tokens and history.
	DeleteFileCascade(ctx context.Context, fileID int64) error
	ListFiles(ctx context.Context, includeHidden bool) ([]*models.File, error)
	ListExpiredFiles(ctx context.Context, threshold time.Time) ([]*models.File, error)
	ListOrphanCandidates(ctx context.Context) ([]*models.File, error)
	Analytics(ctx context.Context) (*models.Analytics, error)
}

// Tokens is the share-token half of the contract.
type Tokens interface {
	FindTokenByPublicID(ctx context.Context, publicID string) (*models.ShareToken, error)
	FindTokenByRawToken(ctx context.Context, raw string) (*models.ShareToken, error)
	// TokenExists reports a clash with a stored raw token or public id.
	TokenExists(ctx context.Context, raw string) (bool, error)
	SaveToken(ctx context.Context, token *models.ShareToken) error
	DeleteToken(ctx context.Context, tokenID int64) error
	ListTokensByFile(ctx context.Context, fileID int64) ([]*models.ShareToken, error)
	ListDeadTokens(ctx context.Context, today time.Time) ([]*models.ShareToken, error)
	DeleteDeadTokens(ctx context.Context, today time.Time) (int64, error)
	// ClaimDownload atomically takes one download from a live token, deletes
	// it when that was the last one, bumps the file's download counter and
	// appends event. It returns the remaining count, nil when unlimited.
	// A token that is no longer live yields common.ErrExhausted.
	ClaimDownload(ctx context.Context, tokenID int64, today time.Time, event *models.HistoryEvent) (*int, error)
}

// History is the audit-log half of the contract.
type History interface {
	AppendHistory(ctx context.Context, event *models.HistoryEvent) error
	// RecordDownload bumps the download counter and appends event.
	RecordDownload(ctx context.Context, event *models.HistoryEvent) error
	ListHistory(ctx context.Context, fileID int64) ([]*models.HistoryEvent, error)
}

type Store interface {
	Files
	Tokens
	History
	Ping(ctx context.Context) error
	Close() error
}
