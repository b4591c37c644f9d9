package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/dbx"
	"github.com/dmitrijs2005/filedrop/internal/server/models"
	"github.com/dmitrijs2005/filedrop/internal/server/repositories/repomanager"
)

// SQLStore implements Store on top of the repository manager. Multi-row
// changes run in a single transaction.
type SQLStore struct {
	db *sql.DB
	rm repomanager.RepositoryManager
}

func NewSQLStore(db *sql.DB, rm repomanager.RepositoryManager) *SQLStore {
	return &SQLStore{db: db, rm: rm}
}

// OpenSQLStore opens a pgx connection pool and migrates the schema.
func OpenSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQLStore(db, rm), nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) FindFileByID(ctx context.Context, id int64) (*models.File, error) {
	return s.rm.Files(s.db).GetByID(ctx, id)
}

func (s *SQLStore) FindFileByExternalID(ctx context.Context, externalID string) (*models.File, error) {
	return s.rm.Files(s.db).GetByExternalID(ctx, externalID)
}

func (s *SQLStore) SaveFile(ctx context.Context, file *models.File) error {
	if file.ID == 0 {
		return s.rm.Files(s.db).Create(ctx, file)
	}
	return s.rm.Files(s.db).Update(ctx, file)
}

func (s *SQLStore) DeleteFileCascade(ctx context.Context, fileID int64) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.rm.ShareTokens(tx).DeleteByFile(ctx, fileID); err != nil {
			return err
		}
		if _, err := s.rm.History(tx).DeleteByFile(ctx, fileID); err != nil {
			return err
		}
		return s.rm.Files(tx).Delete(ctx, fileID)
	})
}

func (s *SQLStore) ListFiles(ctx context.Context, includeHidden bool) ([]*models.File, error) {
	return s.rm.Files(s.db).List(ctx, includeHidden)
}

func (s *SQLStore) ListExpiredFiles(ctx context.Context, threshold time.Time) ([]*models.File, error) {
	return s.rm.Files(s.db).ListExpired(ctx, threshold)
}

func (s *SQLStore) ListOrphanCandidates(ctx context.Context) ([]*models.File, error) {
	return s.rm.Files(s.db).List(ctx, true)
}

func (s *SQLStore) Analytics(ctx context.Context) (*models.Analytics, error) {
	return s.rm.Files(s.db).Analytics(ctx)
}

func (s *SQLStore) FindTokenByPublicID(ctx context.Context, publicID string) (*models.ShareToken, error) {
	return s.rm.ShareTokens(s.db).GetByPublicID(ctx, publicID)
}

func (s *SQLStore) FindTokenByRawToken(ctx context.Context, raw string) (*models.ShareToken, error) {
	return s.rm.ShareTokens(s.db).GetByRawToken(ctx, raw)
}

func (s *SQLStore) TokenExists(ctx context.Context, raw string) (bool, error) {
	return s.rm.ShareTokens(s.db).Exists(ctx, raw)
}

func (s *SQLStore) SaveToken(ctx context.Context, token *models.ShareToken) error {
	return s.rm.ShareTokens(s.db).Create(ctx, token)
}

func (s *SQLStore) DeleteToken(ctx context.Context, tokenID int64) error {
	return s.rm.ShareTokens(s.db).Delete(ctx, tokenID)
}

func (s *SQLStore) ListTokensByFile(ctx context.Context, fileID int64) ([]*models.ShareToken, error) {
	return s.rm.ShareTokens(s.db).ListByFile(ctx, fileID)
}

func (s *SQLStore) ListDeadTokens(ctx context.Context, today time.Time) ([]*models.ShareToken, error) {
	return s.rm.ShareTokens(s.db).ListDead(ctx, today)
}

func (s *SQLStore) DeleteDeadTokens(ctx context.Context, today time.Time) (int64, error) {
	return s.rm.ShareTokens(s.db).DeleteDead(ctx, today)
}

func (s *SQLStore) ClaimDownload(ctx context.Context, tokenID int64, today time.Time, event *models.HistoryEvent) (*int, error) {
	var remaining *int
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		tokens := s.rm.ShareTokens(tx)
		left, err := tokens.Claim(ctx, tokenID, today)
		if err != nil {
			return err
		}
		if left != nil && *left <= 0 {
			if err := tokens.Delete(ctx, tokenID); err != nil {
				return err
			}
		}
		if err := s.rm.Files(tx).IncrementDownloads(ctx, event.FileID); err != nil {
			return err
		}
		if err := s.rm.History(tx).Append(ctx, event); err != nil {
			return err
		}
		remaining = left
		return nil
	})
	return remaining, err
}

func (s *SQLStore) AppendHistory(ctx context.Context, event *models.HistoryEvent) error {
	return s.rm.History(s.db).Append(ctx, event)
}

func (s *SQLStore) RecordDownload(ctx context.Context, event *models.HistoryEvent) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.rm.Files(tx).IncrementDownloads(ctx, event.FileID); err != nil {
			return err
		}
		return s.rm.History(tx).Append(ctx, event)
	})
}

func (s *SQLStore) ListHistory(ctx context.Context, fileID int64) ([]*models.HistoryEvent, error) {
	return s.rm.History(s.db).ListByFile(ctx, fileID)
}
