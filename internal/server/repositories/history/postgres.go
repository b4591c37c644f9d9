package history

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/filedrop/internal/dbx"
	"github.com/dmitrijs2005/filedrop/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append records event and sets its ID.
func (r *PostgresRepository) Append(ctx context.Context, event *models.HistoryEvent) error {
	query := `
		INSERT INTO file_history (file_id, event_type, occurred_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	err := r.db.QueryRowContext(ctx, query, event.FileID, string(event.Type), event.At,
		sql.NullString{String: event.IP, Valid: event.IP != ""},
		sql.NullString{String: event.UserAgent, Valid: event.UserAgent != ""},
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ListByFile returns a file's events oldest first.
func (r *PostgresRepository) ListByFile(ctx context.Context, fileID int64) ([]*models.HistoryEvent, error) {
	query := `
		SELECT id, file_id, event_type, occurred_at, ip_address, user_agent
		FROM file_history WHERE file_id=$1 ORDER BY occurred_at, id`
	rows, err := r.db.QueryContext(ctx, query, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to select history: %w", err)
	}
	defer rows.Close()

	var result []*models.HistoryEvent
	for rows.Next() {
		var (
			e         models.HistoryEvent
			eventType string
			ip, ua    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.FileID, &eventType, &e.At, &ip, &ua); err != nil {
			return nil, err
		}
		e.Type = models.EventType(eventType)
		e.IP = ip.String
		e.UserAgent = ua.String
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) DeleteByFile(ctx context.Context, fileID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM file_history WHERE file_id=$1`, fileID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
