package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// DBTX is the subset of *sqlx.DB / *sqlx.Tx every repository needs.
// Repositories are constructed against a DBTX rather than a concrete
// *database.Client so the Knowledge Upserter can run every write
// inside one transaction (spec.md §4.5 "one transactional pass") by
// handing repositories a *sqlx.Tx instead of the pool.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
}
