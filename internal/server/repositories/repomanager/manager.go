package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/filedrop/internal/dbx"
	"github.com/dmitrijs2005/filedrop/internal/server/repositories/files"
	"github.com/dmitrijs2005/filedrop/internal/server/repositories/history"
	"github.com/dmitrijs2005/filedrop/internal/server/repositories/sharetokens"
)

// RepositoryManager vends repositories bound to a DBTX, so the same code
// runs against a pool or inside a transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Files(db dbx.DBTX) files.Repository
	ShareTokens(db dbx.DBTX) sharetokens.Repository
	History(db dbx.DBTX) history.Repository
}
