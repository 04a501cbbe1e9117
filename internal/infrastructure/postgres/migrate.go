package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// Migrate creates the ledger table and the read tables it is joined against.
// Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	return NewTxManager(pool).WithinTransaction(ctx, func(ctx context.Context) error {
		if _, err := conn(ctx, pool).Exec(ctx, schema); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		return nil
	})
}
