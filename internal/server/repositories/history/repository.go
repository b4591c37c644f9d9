package history

import (
	"context"

	"github.com/dmitrijs2005/filedrop/internal/server/models"
)

type Repository interface {
	Append(ctx context.Context, event *models.HistoryEvent) error
	ListByFile(ctx context.Context, fileID int64) ([]*models.HistoryEvent, error)
	DeleteByFile(ctx context.Context, fileID int64) (int64, error)
}
