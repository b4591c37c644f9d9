package sharetokens

import (
	"context"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, token *models.ShareToken) error
	GetByPublicID(ctx context.Context, publicID string) (*models.ShareToken, error)
	GetByRawToken(ctx context.Context, raw string) (*models.ShareToken, error)
	Exists(ctx context.Context, raw string) (bool, error)
	ListByFile(ctx context.Context, fileID int64) ([]*models.ShareToken, error)
	Claim(ctx context.Context, id int64, today time.Time) (*int, error)
	Delete(ctx context.Context, id int64) error
	DeleteByFile(ctx context.Context, fileID int64) (int64, error)
	ListDead(ctx context.Context, today time.Time) ([]*models.ShareToken, error)
	DeleteDead(ctx context.Context, today time.Time) (int64, error)
}
