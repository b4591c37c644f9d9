package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/filedrop/internal/common"
	"github.com/dmitrijs2005/filedrop/internal/server/models"
	"github.com/dmitrijs2005/filedrop/internal/server/repositories/repomanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLStoreWithMock(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db, repomanager.NewPostgresRepositoryManager()), mock
}

func expectHistoryAppend(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`INSERT\s+INTO\s+file_history`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
}

func TestSQLStore_ClaimDownload_LastUseDeletesRow(t *testing.T) {
	s, mock := newSQLStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE share_tokens SET remaining_downloads`).
		WithArgs(int64(5), today).
		WillReturnRows(sqlmock.NewRows([]string{"remaining_downloads"}).AddRow(int64(0)))
	mock.ExpectExec(`DELETE FROM share_tokens WHERE id=\$1`).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE files SET downloads`).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	expectHistoryAppend(mock)
	mock.ExpectCommit()

	left, err := s.ClaimDownload(context.Background(), 5, today, &models.HistoryEvent{FileID: 3, Type: models.EventDownload, At: today})
	require.NoError(t, err)
	require.NotNil(t, left)
	assert.Equal(t, 0, *left)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ClaimDownload_UnlimitedKeepsRow(t *testing.T) {
	s, mock := newSQLStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE share_tokens`).
		WillReturnRows(sqlmock.NewRows([]string{"remaining_downloads"}).AddRow(nil))
	mock.ExpectExec(`UPDATE files SET downloads`).WillReturnResult(sqlmock.NewResult(0, 1))
	expectHistoryAppend(mock)
	mock.ExpectCommit()

	left, err := s.ClaimDownload(context.Background(), 5, today, &models.HistoryEvent{FileID: 3, Type: models.EventDownload, At: today})
	require.NoError(t, err)
	assert.Nil(t, left)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ClaimDownload_LoserRollsBack(t *testing.T) {
	s, mock := newSQLStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE share_tokens`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.ClaimDownload(context.Background(), 5, today, &models.HistoryEvent{FileID: 3})
	require.ErrorIs(t, err, common.ErrExhausted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_DeleteFileCascade_Order(t *testing.T) {
	s, mock := newSQLStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM share_tokens WHERE file_id=\$1`).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM file_history WHERE file_id=\$1`).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(`DELETE FROM files WHERE id=\$1`).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteFileCascade(context.Background(), 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_DeleteFileCascade_FailureRollsBack(t *testing.T) {
	s, mock := newSQLStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM share_tokens`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM file_history`).WillReturnError(errors.New("db down"))
	mock.ExpectRollback()

	err := s.DeleteFileCascade(context.Background(), 3)
	require.ErrorContains(t, err, "db down")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SaveFile_InsertOrUpdate(t *testing.T) {
	s, mock := newSQLStoreWithMock(t)

	mock.ExpectQuery(`INSERT\s+INTO\s+files`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectExec(`UPDATE files SET display_name`).WillReturnResult(sqlmock.NewResult(0, 1))

	f := &models.File{ExternalID: "e", UploadedAt: today}
	require.NoError(t, s.SaveFile(context.Background(), f))
	require.Equal(t, int64(9), f.ID)
	require.NoError(t, s.SaveFile(context.Background(), f))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ListOrphanCandidatesIncludesHidden(t *testing.T) {
	s, mock := newSQLStoreWithMock(t)

	mock.ExpectQuery(`FROM files WHERE`).WithArgs(true).WillReturnRows(sqlmock.NewRows(nil))

	list, err := s.ListOrphanCandidates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
	require.NoError(t, mock.ExpectationsWereMet())
}
