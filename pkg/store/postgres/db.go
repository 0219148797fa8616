// Package postgres is the relational store of record and the row-locking
// claim backend.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/chain-indexer/pkg/store"
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

type Store struct {
	db  *sql.DB
	log logrus.FieldLogger
}

// Open connects to postgres, retrying until the server answers or the
// configured connect timeout passes.
func Open(ctx context.Context, log logrus.FieldLogger, cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	log = log.WithField("component", "postgres")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = cfg.ConnectTimeout

	attempt := 0

	err = backoff.Retry(func() error {
		attempt++

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := db.PingContext(pingCtx); err != nil {
			log.WithError(err).WithField("attempt", attempt).Warn("Postgres not reachable yet, retrying...")

			return err
		}

		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return New(log, db), nil
}

// New wraps an existing connection pool.
func New(log logrus.FieldLogger, db *sql.DB) *Store {
	return &Store{db: db, log: log}
}

// DB exposes the underlying pool so claimers can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
