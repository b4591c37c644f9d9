package files

import (
	"context"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, file *models.File) error
	Update(ctx context.Context, file *models.File) error
	GetByID(ctx context.Context, id int64) (*models.File, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.File, error)
	List(ctx context.Context, includeHidden bool) ([]*models.File, error)
	ListExpired(ctx context.Context, threshold time.Time) ([]*models.File, error)
	IncrementDownloads(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
	Analytics(ctx context.Context) (*models.Analytics, error)
}
