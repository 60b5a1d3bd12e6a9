package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/njoerd114/remotesync/internal/model"
)

// GlobalTimestamps is the watermark view that keeps one watermark per
// collection. The scope argument of every method is ignored, so all scopes
// share the same watermark.
type GlobalTimestamps struct{ s *Store }

// ScopedTimestamps keeps an independent watermark per (collection, scope).
type ScopedTimestamps struct{ s *Store }

// GlobalTimestamps returns the global watermark view backed by s.
func (s *Store) GlobalTimestamps() *GlobalTimestamps { return &GlobalTimestamps{s: s} }

// ScopedTimestamps returns the per-scope watermark view backed by s.
func (s *Store) ScopedTimestamps() *ScopedTimestamps { return &ScopedTimestamps{s: s} }

// JoinsTx reports whether watermark writes join the transactions of store.
func (g *GlobalTimestamps) JoinsTx(store any) bool { return g.s.owns(store) }

// JoinsTx reports whether watermark writes join the transactions of store.
func (p *ScopedTimestamps) JoinsTx(store any) bool { return p.s.owns(store) }

func (s *Store) owns(store any) bool {
	other, ok := store.(*Store)
	return ok && other == s
}

// LastSyncedAt returns the collection's watermark. The zero time means the
// collection has never been synced.
func (g *GlobalTimestamps) LastSyncedAt(ctx context.Context, collection string, _ model.Scope) (time.Time, error) {
	return g.s.lastSyncedAt(ctx, collection, "")
}

// Advance moves the collection's watermark to t unless it is already later.
func (g *GlobalTimestamps) Advance(ctx context.Context, collection string, _ model.Scope, t time.Time) error {
	return g.s.advance(ctx, collection, "", t)
}

// Reset clears the collection's watermark.
func (g *GlobalTimestamps) Reset(ctx context.Context, collection string, _ model.Scope) error {
	return g.s.resetWatermark(ctx, collection, "")
}

// LastSyncedAt returns the watermark of collection within scope.
func (p *ScopedTimestamps) LastSyncedAt(ctx context.Context, collection string, scope model.Scope) (time.Time, error) {
	return p.s.lastSyncedAt(ctx, collection, scope.Key())
}

// Advance moves the watermark of collection within scope to t unless it is
// already later. Other scopes are untouched.
func (p *ScopedTimestamps) Advance(ctx context.Context, collection string, scope model.Scope, t time.Time) error {
	return p.s.advance(ctx, collection, scope.Key(), t)
}

// Reset clears the watermark of collection within scope.
func (p *ScopedTimestamps) Reset(ctx context.Context, collection string, scope model.Scope) error {
	return p.s.resetWatermark(ctx, collection, scope.Key())
}

func (s *Store) lastSyncedAt(ctx context.Context, collection, scopeKey string) (time.Time, error) {
	const q = `SELECT last_synced_at FROM sync_timestamps WHERE collection = ? AND scope = ?`
	var n int64
	err := s.conn(ctx).QueryRowContext(ctx, q, collection, scopeKey).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading watermark of %s: %w", collection, err)
	}
	return fromUnixNanos(n), nil
}

// advance upserts the watermark. MAX keeps it monotonic even when two writers
// race or the clock steps backwards.
func (s *Store) advance(ctx context.Context, collection, scopeKey string, t time.Time) error {
	if t.IsZero() {
		return fmt.Errorf("advancing watermark of %s: zero time", collection)
	}
	const q = `
		INSERT INTO sync_timestamps (collection, scope, last_synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT(collection, scope) DO UPDATE SET
		    last_synced_at = MAX(last_synced_at, excluded.last_synced_at)`
	if _, err := s.conn(ctx).ExecContext(ctx, q, collection, scopeKey, t.UnixNano()); err != nil {
		return fmt.Errorf("advancing watermark of %s: %w", collection, err)
	}
	return nil
}

func (s *Store) resetWatermark(ctx context.Context, collection, scopeKey string) error {
	const q = `DELETE FROM sync_timestamps WHERE collection = ? AND scope = ?`
	if _, err := s.conn(ctx).ExecContext(ctx, q, collection, scopeKey); err != nil {
		return fmt.Errorf("resetting watermark of %s: %w", collection, err)
	}
	return nil
}

// Watermark is one persisted watermark row, as shown by the status command.
type Watermark struct {
	Collection   string
	Scope        model.Scope
	LastSyncedAt time.Time
}

// ListWatermarks returns every stored watermark ordered by collection and
// scope. Rows whose scope key cannot be parsed are reported as errors.
func (s *Store) ListWatermarks(ctx context.Context) ([]Watermark, error) {
	const q = `SELECT collection, scope, last_synced_at FROM sync_timestamps ORDER BY collection, scope`
	rows, err := s.conn(ctx).QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing watermarks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Watermark
	for rows.Next() {
		var (
			w        Watermark
			scopeKey string
			n        int64
		)
		if err := rows.Scan(&w.Collection, &scopeKey, &n); err != nil {
			return nil, fmt.Errorf("scanning watermark: %w", err)
		}
		if w.Scope, err = model.ParseScope(scopeKey); err != nil {
			return nil, fmt.Errorf("watermark of %s: %w", w.Collection, err)
		}
		w.LastSyncedAt = fromUnixNanos(n)
		out = append(out, w)
	}
	return out, rows.Err()
}
