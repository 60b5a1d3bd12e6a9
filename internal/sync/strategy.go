package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/remotesync/internal/model"
)

// Strategy names.
const (
	StrategyFull        = "full"
	StrategyIncremental = "incremental"
)

// FloorFunc returns the earliest modification time an incremental sync of
// scope should ask for. It is evaluated on every run with the engine clock's
// current time; a zero result means no floor.
type FloorFunc func(scope model.Scope, now time.Time) time.Time

// Run carries the resolved settings of one sync call into a strategy.
type Run struct {
	Scope model.Scope

	// Remote, when non-nil, replaces the fetch.
	Remote []model.RemoteRecord

	Remove  bool
	Fields  []string
	Include []string
}

func (r Run) injected() bool { return r.Remote != nil }

// Result describes a finished sync pass.
type Result struct {
	Collection string
	Scope      model.Scope
	Strategy   string

	// Records is the reconciled local collection of this pass.
	Records []*model.LocalRecord
	Stats   Stats

	// Fetched counts the remote records the pass worked on.
	Fetched int

	// UpdatedSince is the lower bound sent to the remote (incremental only).
	UpdatedSince time.Time

	// Watermark is the value the watermark was advanced to, or zero.
	Watermark time.Time
}

// Strategy decides what to fetch for a collection and how deletions are
// found. The set of implementations is closed: [*FullStrategy] and
// [*IncrementalStrategy].
type Strategy interface {
	Name() string
	Perform(ctx context.Context, run Run) (Result, error)
	Reset(ctx context.Context, scope model.Scope) error
}

// base is the plumbing shared by both strategies.
type base struct {
	collection string
	fetcher    RemoteFetcher
	store      LocalStore
	tx         Transactor
	reconciler *Reconciler
	hooks      *notifier
	clock      func() time.Time
	log        *slog.Logger
}

func newBase(c Collection, hooks *notifier, clock func() time.Time, logger *slog.Logger) base {
	if hooks == nil {
		hooks = &notifier{log: logger}
	}
	if clock == nil {
		clock = time.Now
	}
	tx, _ := c.Store.(Transactor)
	return base{
		collection: c.Name,
		fetcher:    c.Fetcher,
		store:      c.Store,
		tx:         tx,
		reconciler: NewReconciler(c.Store, c.Mapping, c.IDKey, c.DataKey != "", logger),
		hooks:      hooks,
		clock:      clock,
		log:        logger,
	}
}

// remoteRecords returns the injected records, or fetches with req.
func (b *base) remoteRecords(ctx context.Context, run Run, req model.FetchRequest) ([]model.RemoteRecord, model.ResponseMetadata, error) {
	if run.injected() {
		return run.Remote, model.ResponseMetadata{}, nil
	}

	b.hooks.beforeFetch(ctx, b.collection, req)
	records, meta, err := b.fetcher.Fetch(ctx, b.collection, req)
	if err != nil {
		return nil, model.ResponseMetadata{}, err
	}
	b.hooks.afterFetch(ctx, b.collection, len(records))
	return records, meta, nil
}

func (b *base) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.tx == nil {
		return fn(ctx)
	}
	return b.tx.InTx(ctx, fn)
}

func (b *base) request(run Run) model.FetchRequest {
	return model.FetchRequest{Scope: run.Scope, Fields: run.Fields, Include: run.Include}
}

// ---------------------------------------------------------------------------
// Full
// ---------------------------------------------------------------------------

// FullStrategy fetches the entire remote collection on every run. With
// deletion enabled every local record of the scope missing from the fetched
// set is deleted.
type FullStrategy struct {
	base
}

// Name implements [Strategy].
func (s *FullStrategy) Name() string { return StrategyFull }

// Perform implements [Strategy].
func (s *FullStrategy) Perform(ctx context.Context, run Run) (Result, error) {
	res := Result{Collection: s.collection, Scope: run.Scope, Strategy: s.Name()}

	records, _, err := s.remoteRecords(ctx, run, s.request(run))
	if err != nil {
		return res, err
	}
	res.Fetched = len(records)

	batch := Batch{Collection: s.collection, Scope: run.Scope, Records: records}
	if !run.injected() {
		batch.MarkFullSync = s.clock()
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		if run.Remove {
			orphans, err := s.orphans(ctx, run.Scope, records)
			if err != nil {
				return err
			}
			batch.DeleteIDs = orphans
		}
		out, err := s.reconciler.Apply(ctx, batch)
		if err != nil {
			return err
		}
		res.Records, res.Stats = out.Records, out.Stats
		return nil
	})
	if err != nil {
		return Result{Collection: s.collection, Scope: run.Scope, Strategy: s.Name()}, err
	}
	return res, nil
}

// orphans returns the local identifiers of scope absent from records.
func (s *FullStrategy) orphans(ctx context.Context, scope model.Scope, records []model.RemoteRecord) ([]model.ID, error) {
	local, err := s.store.AllIdentifiers(ctx, s.collection, scope)
	if err != nil {
		return nil, fmt.Errorf("listing local %s identifiers: %w", s.collection, err)
	}
	fetched := make(map[model.ID]struct{}, len(records))
	for _, r := range records {
		fetched[r.ID] = struct{}{}
	}
	var out []model.ID
	for _, id := range local {
		if _, ok := fetched[id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// Reset implements [Strategy]. A full strategy keeps no watermark.
func (s *FullStrategy) Reset(context.Context, model.Scope) error {
	return fmt.Errorf("%s: %w", s.collection, ErrResetUnsupported)
}

// ---------------------------------------------------------------------------
// Incremental
// ---------------------------------------------------------------------------

// IncrementalStrategy fetches only records changed since the watermark and
// deletes only what the response lists in deleted_ids. The watermark
// advances after the reconciliation succeeded: inside the record transaction
// when the timestamp store joins it (see [TxJoiner]), after the commit
// otherwise. A failed advance after a commit leaves the watermark where it
// was, so the next run refetches the same window.
//
// The new watermark is the local clock read right after the fetch. If the
// local clock runs ahead of the remote's, changes made in between can be
// missed by the next run.
type IncrementalStrategy struct {
	base
	timestamps TimestampStore
	floor      FloorFunc
}

// Name implements [Strategy].
func (s *IncrementalStrategy) Name() string { return StrategyIncremental }

// UpdatedSince returns max(watermark, floor(scope)), zero when both are
// absent.
func (s *IncrementalStrategy) UpdatedSince(ctx context.Context, scope model.Scope) (time.Time, error) {
	last, err := s.timestamps.LastSyncedAt(ctx, s.collection, scope)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading %s watermark: %w", s.collection, err)
	}
	if s.floor != nil {
		if f := s.floor(scope, s.clock()); f.After(last) {
			return f, nil
		}
	}
	return last, nil
}

// Perform implements [Strategy].
func (s *IncrementalStrategy) Perform(ctx context.Context, run Run) (Result, error) {
	res := Result{Collection: s.collection, Scope: run.Scope, Strategy: s.Name()}

	// Injected records come without metadata, so deletion cannot be honoured.
	if run.injected() && run.Remove {
		return res, &MissingDeletionMetadataError{Collection: s.collection}
	}

	req := s.request(run)
	if !run.injected() {
		since, err := s.UpdatedSince(ctx, run.Scope)
		if err != nil {
			return res, err
		}
		req.UpdatedSince = since
		res.UpdatedSince = since
	}

	records, meta, err := s.remoteRecords(ctx, run, req)
	if err != nil {
		return res, err
	}
	if run.Remove && !meta.HasDeletedIDs() {
		return res, &MissingDeletionMetadataError{Collection: s.collection}
	}
	res.Fetched = len(records)

	batch := Batch{Collection: s.collection, Scope: run.Scope, Records: records}
	if run.Remove {
		batch.DeleteIDs = meta.DeletedIDs
	}
	var now time.Time
	if !run.injected() {
		now = s.clock()
		batch.MarkFullSync = now
	}

	// A watermark store outside the record transaction advances only after
	// the commit, so a failed commit never moves it.
	joined := s.joinsTx()
	advance := func(ctx context.Context) error {
		if now.IsZero() {
			return nil
		}
		if err := s.timestamps.Advance(ctx, s.collection, run.Scope, now); err != nil {
			return fmt.Errorf("advancing %s watermark: %w", s.collection, err)
		}
		return nil
	}

	failed := Result{Collection: s.collection, Scope: run.Scope, Strategy: s.Name(), UpdatedSince: res.UpdatedSince}
	err = s.inTx(ctx, func(ctx context.Context) error {
		out, err := s.reconciler.Apply(ctx, batch)
		if err != nil {
			return err
		}
		res.Records, res.Stats = out.Records, out.Stats
		if joined {
			return advance(ctx)
		}
		return nil
	})
	if err != nil {
		return failed, err
	}
	if !joined {
		if err := advance(ctx); err != nil {
			return failed, err
		}
	}

	if !now.IsZero() {
		res.Watermark = now
		s.hooks.watermarkAdvanced(ctx, s.collection, run.Scope, now)
	}
	return res, nil
}

// joinsTx reports whether watermark writes are part of the record
// transaction.
func (s *IncrementalStrategy) joinsTx() bool {
	if s.tx == nil {
		return false
	}
	j, ok := s.timestamps.(TxJoiner)
	return ok && j.JoinsTx(s.store)
}

// Reset implements [Strategy]. It clears the watermark of scope and leaves
// local records alone.
func (s *IncrementalStrategy) Reset(ctx context.Context, scope model.Scope) error {
	if err := s.timestamps.Reset(ctx, s.collection, scope); err != nil {
		return fmt.Errorf("resetting %s watermark: %w", s.collection, err)
	}
	return nil
}

// SelectStrategy returns the strategy for c: incremental when c keeps a
// watermark, full otherwise. c must be valid.
func SelectStrategy(c Collection) Strategy {
	return selectStrategy(c, nil, nil, slogDiscard())
}

func selectStrategy(c Collection, hooks *notifier, clock func() time.Time, logger *slog.Logger) Strategy {
	b := newBase(c, hooks, clock, logger)
	if c.Incremental() {
		return &IncrementalStrategy{base: b, timestamps: c.Timestamps, floor: c.InitialSyncSince}
	}
	return &FullStrategy{base: b}
}
