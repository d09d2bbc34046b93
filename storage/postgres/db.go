// Package postgres stores the bid journal, auctions, listings and
// reservations in PostgreSQL. The journal goes through pgx directly; the
// row-shaped repositories use bun over the pgdriver connector.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/cloudx-io/openmarket/storage/postgres/migrations"
)

type Options struct {
	DSN             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	// Migrate applies the embedded schema on open.
	Migrate bool
}

// DB bundles the pgx pool and the bun handle opened against the same DSN.
type DB struct {
	pool *pgxpool.Pool
	bun  *bun.DB
}

func Open(ctx context.Context, opts Options) (*DB, error) {
	if opts.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = int32(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		poolConfig.MinConns = int32(opts.MinConns)
	}
	if opts.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = opts.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if opts.Migrate {
		if err := migrations.Apply(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(opts.DSN)))
	return &DB{pool: pool, bun: bun.NewDB(sqldb, pgdialect.New())}, nil
}

func (db *DB) Pool() *pgxpool.Pool { return db.pool }

func (db *DB) Bun() *bun.DB { return db.bun }

func (db *DB) Close() error {
	err := db.bun.Close()
	db.pool.Close()
	return err
}

type txKey struct{}

// runInTx runs fn inside a bun transaction carried on ctx. Nested calls join
// the outer transaction.
func runInTx(ctx context.Context, db *bun.DB, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(bun.Tx); ok {
		return fn(ctx)
	}
	return db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// conn returns the transaction on ctx, or the database itself.
func conn(ctx context.Context, db *bun.DB) bun.IDB {
	if tx, ok := ctx.Value(txKey{}).(bun.Tx); ok {
		return tx
	}
	return db
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == "23505"
}

func isCheckViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == "23514"
}
