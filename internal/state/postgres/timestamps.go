// Package postgres stores sync watermarks in PostgreSQL so that several
// remotesync processes can share them.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/njoerd114/remotesync/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Mode selects how scopes map onto watermark rows.
type Mode int

const (
	// Global keeps one watermark per collection and ignores scopes.
	Global Mode = iota
	// PerScope keeps one watermark per (collection, scope).
	PerScope
)

// Timestamps is a PostgreSQL-backed watermark store.
type Timestamps struct {
	pool *pgxpool.Pool
	mode Mode
}

// Open runs the migrations against databaseURL and connects a pool.
func Open(ctx context.Context, databaseURL string, mode Mode) (*Timestamps, error) {
	if err := migrateUp(databaseURL); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return &Timestamps{pool: pool, mode: mode}, nil
}

func migrateUp(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("opening postgres for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "remotesync", driver)
	if err != nil {
		return fmt.Errorf("instantiating migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close releases the pool.
func (t *Timestamps) Close() {
	t.pool.Close()
}

func (t *Timestamps) scopeKey(scope model.Scope) string {
	if t.mode == Global {
		return ""
	}
	return scope.Key()
}

// LastSyncedAt returns the watermark, or the zero time when none is stored.
func (t *Timestamps) LastSyncedAt(ctx context.Context, collection string, scope model.Scope) (time.Time, error) {
	var ts time.Time
	err := t.pool.QueryRow(ctx,
		`SELECT last_synced_at FROM sync_timestamps WHERE collection = $1 AND scope = $2`,
		collection, t.scopeKey(scope),
	).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading watermark of %s: %w", collection, err)
	}
	return ts.UTC(), nil
}

// Advance moves the watermark forward to ts. It never moves it backwards.
// Each call commits on its own; it does not join a record transaction.
func (t *Timestamps) Advance(ctx context.Context, collection string, scope model.Scope, ts time.Time) error {
	if ts.IsZero() {
		return fmt.Errorf("advancing watermark of %s: zero time", collection)
	}
	_, err := t.pool.Exec(ctx, `
		INSERT INTO sync_timestamps (collection, scope, last_synced_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, scope) DO UPDATE SET
		    last_synced_at = GREATEST(sync_timestamps.last_synced_at, EXCLUDED.last_synced_at)`,
		collection, t.scopeKey(scope), ts,
	)
	if err != nil {
		return fmt.Errorf("advancing watermark of %s: %w", collection, err)
	}
	return nil
}

// Reset removes the watermark.
func (t *Timestamps) Reset(ctx context.Context, collection string, scope model.Scope) error {
	_, err := t.pool.Exec(ctx,
		`DELETE FROM sync_timestamps WHERE collection = $1 AND scope = $2`,
		collection, t.scopeKey(scope),
	)
	if err != nil {
		return fmt.Errorf("resetting watermark of %s: %w", collection, err)
	}
	return nil
}
