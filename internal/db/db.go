// Package db provides PostgreSQL-backed repositories for the shopfloor
// pipeline. All repositories accept a DBTX interface that is satisfied by
// *pgxpool.Pool, pgx.Tx and InstrumentedDB, so the same code runs inside or
// outside a transaction and with or without query timing.
package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
