package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	sq "github.com/Masterminds/squirrel"

	"github.com/njoerd114/remotesync/internal/model"
)

const recordColumns = `remote_id, scope, fields, synced_data, synced_all_at, content_hash`

// Find returns the record with the given remote ID in collection and scope,
// or (nil, nil) if no such record exists.
func (s *Store) Find(ctx context.Context, collection string, scope model.Scope, id model.ID) (*model.LocalRecord, error) {
	const q = `SELECT ` + recordColumns + `
		FROM records WHERE collection = ? AND scope = ? AND remote_id = ?`
	row := s.conn(ctx).QueryRowContext(ctx, q, collection, scope.Key(), string(id))
	rec, err := scanRecord(row, scope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("finding %s/%s: %w", collection, id, err)
	}
	return rec, nil
}

// Create inserts a new record. It fails if a record with the same remote ID
// already exists in the collection and scope.
func (s *Store) Create(ctx context.Context, collection string, rec *model.LocalRecord) error {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return fmt.Errorf("creating %s/%s: %w", collection, rec.ID, err)
	}
	const q = `
		INSERT INTO records
		    (collection, scope, remote_id, fields, synced_data, synced_all_at, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.conn(ctx).ExecContext(ctx, q,
		collection,
		rec.Scope.Key(),
		string(rec.ID),
		fields,
		rec.Data,
		unixNanos(rec.LastFullSyncAt),
		rec.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("creating %s/%s: %w", collection, rec.ID, err)
	}
	return nil
}

// Update overwrites the mutable columns of an existing record. The remote ID
// is the lookup key and is never rewritten.
func (s *Store) Update(ctx context.Context, collection string, rec *model.LocalRecord) error {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return fmt.Errorf("updating %s/%s: %w", collection, rec.ID, err)
	}
	const q = `
		UPDATE records SET
		    fields        = ?,
		    synced_data   = ?,
		    synced_all_at = ?,
		    content_hash  = ?
		WHERE collection = ? AND scope = ? AND remote_id = ?`
	res, err := s.conn(ctx).ExecContext(ctx, q,
		fields,
		rec.Data,
		unixNanos(rec.LastFullSyncAt),
		rec.ContentHash,
		collection,
		rec.Scope.Key(),
		string(rec.ID),
	)
	if err != nil {
		return fmt.Errorf("updating %s/%s: %w", collection, rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("updating %s/%s: record not found", collection, rec.ID)
	}
	return nil
}

// Delete removes the records with the given remote IDs from collection and
// scope and returns how many rows were removed. IDs without a local record
// are ignored.
func (s *Store) Delete(ctx context.Context, collection string, scope model.Scope, ids []model.ID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int
	err := s.InTx(ctx, func(ctx context.Context) error {
		for chunk := range slices.Chunk(idStrings(ids), deleteBatchSize) {
			n, err := s.deleteChunk(ctx, collection, scope, chunk)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// deleteBatchSize keeps each IN list below SQLite's host parameter limit.
const deleteBatchSize = 500

func (s *Store) deleteChunk(ctx context.Context, collection string, scope model.Scope, ids []string) (int, error) {
	q, args, err := s.sq.Delete("records").
		Where(sq.Eq{
			"collection": collection,
			"scope":      scope.Key(),
			"remote_id":  ids,
		}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building delete for %s: %w", collection, err)
	}
	res, err := s.conn(ctx).ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting %d record(s) from %s: %w", len(ids), collection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted rows in %s: %w", collection, err)
	}
	return int(n), nil
}

// AllIdentifiers returns the remote IDs of every record in collection and
// scope, in ascending order.
func (s *Store) AllIdentifiers(ctx context.Context, collection string, scope model.Scope) ([]model.ID, error) {
	q, args, err := s.sq.Select("remote_id").
		From("records").
		Where(sq.Eq{"collection": collection, "scope": scope.Key()}).
		OrderBy("remote_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building identifier query for %s: %w", collection, err)
	}
	rows, err := s.conn(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying identifiers of %s: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []model.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning identifier: %w", err)
		}
		ids = append(ids, model.ID(id))
	}
	return ids, rows.Err()
}

// List returns every record in collection and scope ordered by remote ID.
func (s *Store) List(ctx context.Context, collection string, scope model.Scope) ([]*model.LocalRecord, error) {
	const q = `SELECT ` + recordColumns + `
		FROM records WHERE collection = ? AND scope = ? ORDER BY remote_id`
	rows, err := s.conn(ctx).QueryContext(ctx, q, collection, scope.Key())
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*model.LocalRecord
	for rows.Next() {
		rec, err := scanRecord(rows, scope)
		if err != nil {
			return nil, fmt.Errorf("scanning %s record: %w", collection, err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Count returns the number of records in collection across all scopes.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", collection, err)
	}
	return n, nil
}

func scanRecord(s scanner, scope model.Scope) (*model.LocalRecord, error) {
	var (
		rec      model.LocalRecord
		id       string
		scopeKey string
		fields   string
		syncedAt int64
	)
	if err := s.Scan(&id, &scopeKey, &fields, &rec.Data, &syncedAt, &rec.ContentHash); err != nil {
		return nil, err
	}
	if scopeKey != scope.Key() {
		return nil, fmt.Errorf("record %s has scope %q, want %q", id, scopeKey, scope.Key())
	}
	rec.ID = model.ID(id)
	rec.Scope = scope
	rec.LastFullSyncAt = fromUnixNanos(syncedAt)
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("decoding fields of %s: %w", id, err)
	}
	return &rec, nil
}

func encodeFields(fields map[string]any) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encoding fields: %w", err)
	}
	return string(b), nil
}

func idStrings(ids []model.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
