// Package sync implements the remote-to-local reconciliation engine. It
// fetches records of a collection from an authoritative remote source, maps
// them onto local records by their remote identifier, and creates, updates
// and deletes local records so the local collection mirrors the remote one.
//
// The package contains these main components:
//
//   - [Reconciler] plans and applies the create/update/delete set for one batch.
//   - [FullStrategy] and [IncrementalStrategy] decide what to fetch and how
//     deletions are detected; incremental runs keep a watermark per
//     collection or per (collection, scope) in a [TimestampStore].
//   - [Engine] is the entry point: it selects a strategy per collection and
//     threads scope and call options through.
//   - [Scheduler] is the host loop that polls jobs and serializes runs per
//     (collection, scope).
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/remotesync/internal/model"
)

// RemoteFetcher returns the page-complete record set of a collection plus the
// response metadata. Failures are reported as *remote.TransportError and are
// passed to the caller unchanged. Implemented by [remote.Pager].
type RemoteFetcher interface {
	Fetch(ctx context.Context, collection string, req model.FetchRequest) ([]model.RemoteRecord, model.ResponseMetadata, error)
}

// LocalStore is the local record repository. Every method is confined to one
// collection and, where given, one scope. Implemented by [state.Store].
type LocalStore interface {
	// Find returns (nil, nil) when no record exists.
	Find(ctx context.Context, collection string, scope model.Scope, id model.ID) (*model.LocalRecord, error)
	Create(ctx context.Context, collection string, rec *model.LocalRecord) error
	Update(ctx context.Context, collection string, rec *model.LocalRecord) error
	Delete(ctx context.Context, collection string, scope model.Scope, ids []model.ID) (int, error)
	AllIdentifiers(ctx context.Context, collection string, scope model.Scope) ([]model.ID, error)
}

// TimestampStore persists sync watermarks. A zero time means absent.
// Implemented by [state.GlobalTimestamps], [state.ScopedTimestamps] and
// [postgres.Timestamps].
type TimestampStore interface {
	LastSyncedAt(ctx context.Context, collection string, scope model.Scope) (time.Time, error)
	Advance(ctx context.Context, collection string, scope model.Scope, t time.Time) error
	Reset(ctx context.Context, collection string, scope model.Scope) error
}

// TxJoiner is implemented by a TimestampStore whose writes join the
// transaction of store when given a context from store's InTx. Watermarks of
// any other TimestampStore are advanced after the record transaction
// committed.
type TxJoiner interface {
	JoinsTx(store any) bool
}

// Transactor runs fn in one transaction carried by the context handed to fn.
// A LocalStore that also implements Transactor gets each reconciliation
// committed atomically, together with its watermark advance when the
// TimestampStore is a [TxJoiner] of that store.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
