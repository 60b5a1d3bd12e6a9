package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/remotesync/internal/model"
)

// DefaultIDKey is the local field that mirrors the remote identifier.
const DefaultIDKey = "synced_id"

// TransformFunc derives a local field value from a remote record. The scope
// of the pass is passed along; callers that do not need it ignore it.
type TransformFunc func(rec model.RemoteRecord, scope model.Scope) (any, error)

// Mapping describes how remote fields become local fields.
type Mapping struct {
	// Fields maps local field name to remote field name.
	Fields map[string]string

	// Transforms computes local fields from the whole remote record. They
	// run after Fields and win on name clashes.
	Transforms map[string]TransformFunc
}

// empty reports whether the mapping copies remote fields verbatim.
func (m Mapping) empty() bool {
	return len(m.Fields) == 0 && len(m.Transforms) == 0
}

// Stats counts the mutations of one reconciliation pass.
type Stats struct {
	Created   int
	Updated   int
	Unchanged int
	Deleted   int
}

// Mutations returns the number of local writes.
func (s Stats) Mutations() int {
	return s.Created + s.Updated + s.Deleted
}

// Batch is the input of one reconciliation pass.
type Batch struct {
	Collection string
	Scope      model.Scope
	Records    []model.RemoteRecord

	// DeleteIDs are removed after the upserts. Records in the batch win over
	// a deletion of the same ID.
	DeleteIDs []model.ID

	// MarkFullSync, when non-zero, is stamped as LastFullSyncAt on every
	// created or updated record. Unchanged records are not written and keep
	// their previous stamp.
	MarkFullSync time.Time
}

// Outcome is the result of [Reconciler.Apply].
type Outcome struct {
	// Records are the reconciled local records of the batch in the order of
	// their first remote occurrence.
	Records []*model.LocalRecord
	Stats   Stats
}

// Reconciler maps remote records onto the local store. It holds no state
// between calls.
type Reconciler struct {
	store     LocalStore
	tx        Transactor
	mapping   Mapping
	idKey     string
	storeData bool
	log       *slog.Logger
}

// NewReconciler creates a Reconciler. If store implements [Transactor],
// every Apply runs in one transaction (or joins the caller's).
func NewReconciler(store LocalStore, mapping Mapping, idKey string, storeData bool, logger *slog.Logger) *Reconciler {
	if idKey == "" {
		idKey = DefaultIDKey
	}
	tx, _ := store.(Transactor)
	return &Reconciler{
		store:     store,
		tx:        tx,
		mapping:   mapping,
		idKey:     idKey,
		storeData: storeData,
		log:       logger,
	}
}

type opKind int

const (
	opCreate opKind = iota
	opUpdate
	opUnchanged
)

type plannedOp struct {
	kind opKind
	rec  *model.LocalRecord
}

// Apply reconciles b against the local store. Every mapping is computed
// before the first write, so a mapping failure leaves the store untouched.
// Writes run in one transaction when the store supports it.
func (r *Reconciler) Apply(ctx context.Context, b Batch) (Outcome, error) {
	var out Outcome
	err := r.inTx(ctx, func(ctx context.Context) error {
		plan, err := r.plan(ctx, b)
		if err != nil {
			return err
		}

		keep := make(map[model.ID]struct{}, len(plan))
		for _, op := range plan {
			keep[op.rec.ID] = struct{}{}
			switch op.kind {
			case opCreate:
				if err := r.store.Create(ctx, b.Collection, op.rec); err != nil {
					return &ReconciliationError{Collection: b.Collection, ID: op.rec.ID, Err: err}
				}
				out.Stats.Created++
			case opUpdate:
				if err := r.store.Update(ctx, b.Collection, op.rec); err != nil {
					return &ReconciliationError{Collection: b.Collection, ID: op.rec.ID, Err: err}
				}
				out.Stats.Updated++
			case opUnchanged:
				out.Stats.Unchanged++
			}
			out.Records = append(out.Records, op.rec)
		}

		var del []model.ID
		for _, id := range b.DeleteIDs {
			if _, ok := keep[id]; !ok {
				del = append(del, id)
			}
		}
		n, err := r.DeleteByIdentifiers(ctx, b.Collection, b.Scope, del)
		if err != nil {
			return err
		}
		out.Stats.Deleted = n
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	r.log.Debug("reconciled batch",
		"collection", b.Collection,
		"scope", b.Scope.String(),
		"created", out.Stats.Created,
		"updated", out.Stats.Updated,
		"unchanged", out.Stats.Unchanged,
		"deleted", out.Stats.Deleted,
	)
	return out, nil
}

// DeleteByIdentifiers removes the given records from the scope. Unknown IDs
// are ignored. This is the only deletion primitive; the strategies decide
// which IDs to pass.
func (r *Reconciler) DeleteByIdentifiers(ctx context.Context, collection string, scope model.Scope, ids []model.ID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := r.store.Delete(ctx, collection, scope, ids)
	if err != nil {
		return 0, fmt.Errorf("deleting %d %s record(s): %w", len(ids), collection, err)
	}
	return n, nil
}

// plan dedupes the batch (last occurrence wins, first-occurrence order is
// kept), maps every record and decides create, update or no-op by comparing
// content hashes.
func (r *Reconciler) plan(ctx context.Context, b Batch) ([]plannedOp, error) {
	order := make([]model.ID, 0, len(b.Records))
	byID := make(map[model.ID]model.RemoteRecord, len(b.Records))
	for _, rec := range b.Records {
		if _, seen := byID[rec.ID]; !seen {
			order = append(order, rec.ID)
		}
		byID[rec.ID] = rec
	}

	plan := make([]plannedOp, 0, len(order))
	for _, id := range order {
		remote := byID[id]

		fields, err := r.mapFields(b.Collection, b.Scope, remote)
		if err != nil {
			return nil, err
		}
		hash, err := model.ContentHash(fields)
		if err != nil {
			return nil, &ReconciliationError{Collection: b.Collection, ID: id, Err: err}
		}
		var data []byte
		if r.storeData {
			if data, err = json.Marshal(remote.Fields); err != nil {
				return nil, &ReconciliationError{Collection: b.Collection, ID: id, Err: fmt.Errorf("encoding payload: %w", err)}
			}
		}

		local, err := r.store.Find(ctx, b.Collection, b.Scope, id)
		if err != nil {
			return nil, fmt.Errorf("looking up %s record %s: %w", b.Collection, id, err)
		}

		switch {
		case local == nil:
			plan = append(plan, plannedOp{kind: opCreate, rec: &model.LocalRecord{
				ID:             id,
				Scope:          b.Scope,
				Fields:         fields,
				LastFullSyncAt: b.MarkFullSync,
				Data:           data,
				ContentHash:    hash,
			}})
		case local.ContentHash == hash && (!r.storeData || string(local.Data) == string(data)):
			plan = append(plan, plannedOp{kind: opUnchanged, rec: local})
		default:
			updated := *local
			updated.Fields = fields
			updated.ContentHash = hash
			if r.storeData {
				updated.Data = data
			}
			if !b.MarkFullSync.IsZero() {
				updated.LastFullSyncAt = b.MarkFullSync
			}
			plan = append(plan, plannedOp{kind: opUpdate, rec: &updated})
		}
	}
	return plan, nil
}

// mapFields applies the mapping. Without a mapping the remote fields are
// copied. The identifier is always stored under the ID key.
func (r *Reconciler) mapFields(collection string, scope model.Scope, rec model.RemoteRecord) (map[string]any, error) {
	out := make(map[string]any, len(rec.Fields)+1)
	if r.mapping.empty() {
		for k, v := range rec.Fields {
			out[k] = v
		}
	}
	for local, remote := range r.mapping.Fields {
		out[local] = rec.Fields[remote]
	}
	for local, fn := range r.mapping.Transforms {
		v, err := fn(rec, scope)
		if err != nil {
			return nil, &ReconciliationError{Collection: collection, ID: rec.ID, Field: local, Err: err}
		}
		out[local] = v
	}
	out[r.idKey] = string(rec.ID)
	return out, nil
}

func (r *Reconciler) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.tx == nil {
		return fn(ctx)
	}
	return r.tx.InTx(ctx, fn)
}
