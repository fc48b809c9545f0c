// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/gatebus/internal/model"
	"github.com/alfredjeanlab/gatebus/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultCap is the per-resource log capacity used when New is given logCap <= 0.
const DefaultCap = 1000

// PostgresStore implements store.Store backed by a PostgreSQL database.
// Sequence counters live in the sequences table; the bounded log lives in
// envelopes, keyed by (resource_id, sequence).
type PostgresStore struct {
	db  *sql.DB
	cap int
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string, logCap int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return newWithDB(db, logCap), nil
}

func newWithDB(db *sql.DB, logCap int) *PostgresStore {
	if logCap <= 0 {
		logCap = DefaultCap
	}
	return &PostgresStore{db: db, cap: logCap}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *PostgresStore) NextSequence(ctx context.Context, resourceID string) (int64, error) {
	n, err := queryNextSequence(ctx, s.db, resourceID)
	if err != nil {
		return 0, unavailable("next sequence for "+resourceID, err)
	}
	return n, nil
}

func (s *PostgresStore) GetSequence(ctx context.Context, resourceID string) (int64, error) {
	n, err := queryGetSequence(ctx, s.db, resourceID)
	if err != nil {
		return 0, unavailable("get sequence for "+resourceID, err)
	}
	return n, nil
}

func (s *PostgresStore) GetSequences(ctx context.Context, resourceIDs []string) (map[string]int64, error) {
	out, err := queryGetSequences(ctx, s.db, resourceIDs)
	if err != nil {
		return nil, unavailable("get sequences", err)
	}
	return out, nil
}

// Append inserts env and trims entries that fell more than cap behind it,
// in one transaction. The trim is by sequence distance, so a log may briefly
// hold more than cap rows when appends arrive out of order.
func (s *PostgresStore) Append(ctx context.Context, env model.Envelope) error {
	err := s.runInTransaction(ctx, func(tx executor) error {
		if err := queryAppendEnvelope(ctx, tx, env); err != nil {
			return err
		}
		return queryTrimLog(ctx, tx, env.ResourceID, env.Sequence, s.cap)
	})
	if err != nil {
		return unavailable("append to "+env.ResourceID, err)
	}
	return nil
}

func (s *PostgresStore) Range(ctx context.Context, resourceID string, afterSequence int64, limit int) ([]model.Envelope, error) {
	if limit <= 0 {
		return nil, nil
	}
	envs, err := queryRange(ctx, s.db, resourceID, afterSequence, limit)
	if err != nil {
		return nil, unavailable("range "+resourceID, err)
	}
	return envs, nil
}

func (s *PostgresStore) ListResources(ctx context.Context) ([]string, error) {
	ids, err := queryListResources(ctx, s.db)
	if err != nil {
		return nil, unavailable("list resources", err)
	}
	return ids, nil
}

// runInTransaction begins a database transaction, calls fn with it, and
// commits on success or rolls back on error.
func (s *PostgresStore) runInTransaction(ctx context.Context, fn func(tx executor) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, store.ErrUnavailable, err)
}
