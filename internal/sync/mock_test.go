package sync

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/njoerd114/remotesync/internal/model"
)

// --- Mock Fetcher ------------------------------------------------------------

type mockFetcher struct {
	mu       sync.Mutex
	records  []model.RemoteRecord
	meta     model.ResponseMetadata
	err      error
	requests []model.FetchRequest
}

func newMockFetcher(records ...model.RemoteRecord) *mockFetcher {
	return &mockFetcher{records: records}
}

func (m *mockFetcher) Fetch(_ context.Context, _ string, req model.FetchRequest) ([]model.RemoteRecord, model.ResponseMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, model.ResponseMetadata{}, m.err
	}
	return slices.Clone(m.records), m.meta, nil
}

func (m *mockFetcher) set(meta model.ResponseMetadata, records ...model.RemoteRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = records
	m.meta = meta
}

func (m *mockFetcher) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockFetcher) lastRequest() model.FetchRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

// --- Mock Local Store --------------------------------------------------------

// mockStore is an in-memory LocalStore. InTx snapshots the records and
// restores them when fn fails.
type mockStore struct {
	mu      sync.Mutex
	records map[string]*model.LocalRecord // collection|scope|id -> record
	writes  int

	failCreate error
	failUpdate error
}

func newMockStore() *mockStore {
	return &mockStore{records: make(map[string]*model.LocalRecord)}
}

func storeKey(collection string, scope model.Scope, id model.ID) string {
	return collection + "|" + scope.Key() + "|" + string(id)
}

func (m *mockStore) seed(collection string, recs ...*model.LocalRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		hash, _ := model.ContentHash(r.Fields)
		if r.ContentHash == "" {
			r.ContentHash = hash
		}
		m.records[storeKey(collection, r.Scope, r.ID)] = r
	}
}

func (m *mockStore) Find(_ context.Context, collection string, scope model.Scope, id model.ID) (*model.LocalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[storeKey(collection, scope, id)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) Create(_ context.Context, collection string, rec *model.LocalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return m.failCreate
	}
	k := storeKey(collection, rec.Scope, rec.ID)
	if _, ok := m.records[k]; ok {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	cp := *rec
	m.records[k] = &cp
	m.writes++
	return nil
}

func (m *mockStore) Update(_ context.Context, collection string, rec *model.LocalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdate != nil {
		return m.failUpdate
	}
	k := storeKey(collection, rec.Scope, rec.ID)
	if _, ok := m.records[k]; !ok {
		return fmt.Errorf("record %s not found", rec.ID)
	}
	cp := *rec
	m.records[k] = &cp
	m.writes++
	return nil
}

func (m *mockStore) Delete(_ context.Context, collection string, scope model.Scope, ids []model.ID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		k := storeKey(collection, scope, id)
		if _, ok := m.records[k]; ok {
			delete(m.records, k)
			n++
			m.writes++
		}
	}
	return n, nil
}

func (m *mockStore) AllIdentifiers(_ context.Context, collection string, scope model.Scope) ([]model.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []model.ID
	for k, r := range m.records {
		if k == storeKey(collection, scope, r.ID) {
			ids = append(ids, r.ID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *mockStore) get(collection string, scope model.Scope, id model.ID) *model.LocalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[storeKey(collection, scope, id)]
}

func (m *mockStore) ids(collection string, scope model.Scope) []model.ID {
	ids, _ := m.AllIdentifiers(context.Background(), collection, scope)
	return ids
}

func (m *mockStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// txStore adds snapshot transactions to mockStore. Nested calls join the
// outer transaction.
type txStore struct {
	*mockStore
	commits   int
	rollbacks int
	commitErr error
}

type mockTxKey struct{}

func (t *txStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(mockTxKey{}) != nil {
		return fn(ctx)
	}
	ctx = context.WithValue(ctx, mockTxKey{}, t)

	t.mu.Lock()
	snapshot := maps.Clone(t.records)
	t.mu.Unlock()

	if err := fn(ctx); err != nil {
		t.mu.Lock()
		t.records = snapshot
		t.rollbacks++
		t.mu.Unlock()
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.commitErr != nil {
		t.records = snapshot
		t.rollbacks++
		return fmt.Errorf("committing transaction: %w", t.commitErr)
	}
	t.commits++
	return nil
}

// --- Mock Timestamp Store ----------------------------------------------------

type mockTimestamps struct {
	mu       sync.Mutex
	perScope bool
	marks    map[string]time.Time
	advances []time.Time
	err      error

	// shared is the store whose transactions Advance joins; nil means the
	// marks live outside any record transaction.
	shared any
}

func newMockTimestamps(perScope bool) *mockTimestamps {
	return &mockTimestamps{perScope: perScope, marks: make(map[string]time.Time)}
}

func (m *mockTimestamps) JoinsTx(store any) bool {
	return m.shared != nil && m.shared == store
}

func (m *mockTimestamps) key(collection string, scope model.Scope) string {
	if !m.perScope {
		return collection
	}
	return collection + "|" + scope.Key()
}

func (m *mockTimestamps) LastSyncedAt(_ context.Context, collection string, scope model.Scope) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marks[m.key(collection, scope)], nil
}

func (m *mockTimestamps) Advance(_ context.Context, collection string, scope model.Scope, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	k := m.key(collection, scope)
	if t.After(m.marks[k]) {
		m.marks[k] = t
	}
	m.advances = append(m.advances, t)
	return nil
}

func (m *mockTimestamps) Reset(_ context.Context, collection string, scope model.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marks, m.key(collection, scope))
	return nil
}

func (m *mockTimestamps) get(collection string, scope model.Scope) time.Time {
	t, _ := m.LastSyncedAt(context.Background(), collection, scope)
	return t
}

// --- Fake clock --------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
