package state

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/njoerd114/remotesync/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var account7 = model.Scope{Kind: "account", ID: "7"}

func sampleRecord(id model.ID) *model.LocalRecord {
	return &model.LocalRecord{
		ID:             id,
		Scope:          account7,
		Fields:         map[string]any{"name": "Villa " + string(id), "rooms": 3},
		LastFullSyncAt: time.Date(2026, 2, 17, 14, 30, 0, 123456789, time.UTC),
		Data:           []byte(`{"id":"` + string(id) + `"}`),
		ContentHash:    "hash-" + string(id),
	}
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := openTestStore(t)
	n, err := s.Count(context.Background(), "bookings")
	if err != nil {
		t.Fatalf("Count after open: %v", err)
	}
	if n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.Create(context.Background(), "bookings", sampleRecord("1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	// Re-opening the same file must not fail or wipe data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer func() { _ = s2.Close() }()
	n, err := s2.Count(context.Background(), "bookings")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count after reopen = %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

func TestCreateAndFind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "bookings", sampleRecord("12")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Find(ctx, "bookings", account7, "12")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got == nil {
		t.Fatal("Find returned nil, want record")
	}
	if got.Fields["name"] != "Villa 12" {
		t.Errorf("name = %v, want %q", got.Fields["name"], "Villa 12")
	}
	// JSON round-trip turns numbers into float64.
	if got.Fields["rooms"] != float64(3) {
		t.Errorf("rooms = %v, want 3", got.Fields["rooms"])
	}
	if got.Scope != account7 {
		t.Errorf("Scope = %v, want %v", got.Scope, account7)
	}
	if string(got.Data) != `{"id":"12"}` {
		t.Errorf("Data = %s", got.Data)
	}
	if got.ContentHash != "hash-12" {
		t.Errorf("ContentHash = %q, want hash-12", got.ContentHash)
	}
}

func TestFind_NotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Find(context.Background(), "bookings", account7, "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing record, got %+v", got)
	}
}

func TestFind_ScopeIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "bookings", sampleRecord("1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Find(ctx, "bookings", model.Scope{Kind: "account", ID: "8"}, "1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got != nil {
		t.Error("record leaked into another scope")
	}
	got, err = s.Find(ctx, "rentals", account7, "1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got != nil {
		t.Error("record leaked into another collection")
	}
}

func TestCreate_DuplicateFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "bookings", sampleRecord("1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, "bookings", sampleRecord("1")); err == nil {
		t.Error("expected error creating duplicate record")
	}
}

func TestUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := sampleRecord("1")

	if err := s.Create(ctx, "bookings", rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec.Fields = map[string]any{"name": "Chalet"}
	rec.ContentHash = "new"
	rec.LastFullSyncAt = time.Time{}
	if err := s.Update(ctx, "bookings", rec); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.Find(ctx, "bookings", account7, "1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.Fields["name"] != "Chalet" {
		t.Errorf("name = %v, want Chalet", got.Fields["name"])
	}
	if _, ok := got.Fields["rooms"]; ok {
		t.Error("Update should replace the whole field set")
	}
	if got.ContentHash != "new" {
		t.Errorf("ContentHash = %q, want new", got.ContentHash)
	}
	if !got.LastFullSyncAt.IsZero() {
		t.Errorf("LastFullSyncAt = %v, want zero", got.LastFullSyncAt)
	}
}

func TestUpdate_MissingRecord(t *testing.T) {
	s := openTestStore(t)
	if err := s.Update(context.Background(), "bookings", sampleRecord("404")); err == nil {
		t.Error("expected error updating a record that does not exist")
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []model.ID{"1", "2", "3"} {
		if err := s.Create(ctx, "bookings", sampleRecord(id)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	n, err := s.Delete(ctx, "bookings", account7, []model.ID{"1", "3", "99"})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}

	ids, err := s.AllIdentifiers(ctx, "bookings", account7)
	if err != nil {
		t.Fatalf("AllIdentifiers: %v", err)
	}
	if len(ids) != 1 || ids[0] != "2" {
		t.Errorf("remaining = %v, want [2]", ids)
	}
}

func TestDelete_BatchesLargeSets(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	s := newStore(db)

	ids := make([]model.ID, 2*deleteBatchSize+1)
	for i := range ids {
		ids[i] = model.ID(strconv.Itoa(i))
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM records").WillReturnResult(sqlmock.NewResult(0, deleteBatchSize))
	mock.ExpectExec("DELETE FROM records").WillReturnResult(sqlmock.NewResult(0, deleteBatchSize))
	mock.ExpectExec("DELETE FROM records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.Delete(context.Background(), "bookings", account7, ids)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != len(ids) {
		t.Errorf("deleted = %d, want %d", n, len(ids))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDelete_LargeSetOnSQLite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids := make([]model.ID, 40000)
	err := s.InTx(ctx, func(ctx context.Context) error {
		for i := range ids {
			ids[i] = model.ID(strconv.Itoa(i))
			if err := s.Create(ctx, "bookings", sampleRecord(ids[i])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}

	n, err := s.Delete(ctx, "bookings", account7, ids)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != len(ids) {
		t.Errorf("deleted = %d, want %d", n, len(ids))
	}
}

func TestDelete_Empty(t *testing.T) {
	s := openTestStore(t)
	n, err := s.Delete(context.Background(), "bookings", account7, nil)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 0 {
		t.Errorf("deleted = %d, want 0", n)
	}
}

func TestAllIdentifiers_OrderedAndScoped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []model.ID{"c", "a", "b"} {
		if err := s.Create(ctx, "bookings", sampleRecord(id)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	other := sampleRecord("z")
	other.Scope = model.GlobalScope
	if err := s.Create(ctx, "bookings", other); err != nil {
		t.Fatalf("Create global: %v", err)
	}

	ids, err := s.AllIdentifiers(ctx, "bookings", account7)
	if err != nil {
		t.Fatalf("AllIdentifiers: %v", err)
	}
	want := []model.ID{"a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}

	recs, err := s.List(ctx, "bookings", model.GlobalScope)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "z" {
		t.Errorf("global List = %v, want [z]", recs)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := sampleRecord("ts")

	if err := s.Create(ctx, "bookings", rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Find(ctx, "bookings", account7, "ts")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !got.LastFullSyncAt.Equal(rec.LastFullSyncAt) {
		t.Errorf("LastFullSyncAt = %v, want %v", got.LastFullSyncAt, rec.LastFullSyncAt)
	}
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

func TestInTx_CommitsOnSuccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(ctx context.Context) error {
		if err := s.Create(ctx, "bookings", sampleRecord("1")); err != nil {
			return err
		}
		return s.ScopedTimestamps().Advance(ctx, "bookings", account7, time.Unix(100, 0))
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	got, _ := s.Find(ctx, "bookings", account7, "1")
	if got == nil {
		t.Error("record not committed")
	}
	ts, _ := s.ScopedTimestamps().LastSyncedAt(ctx, "bookings", account7)
	if !ts.Equal(time.Unix(100, 0)) {
		t.Errorf("watermark = %v, want %v", ts, time.Unix(100, 0))
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(ctx context.Context) error {
		if err := s.Create(ctx, "bookings", sampleRecord("1")); err != nil {
			return err
		}
		if err := s.ScopedTimestamps().Advance(ctx, "bookings", account7, time.Unix(100, 0)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want %v", err, boom)
	}

	got, _ := s.Find(ctx, "bookings", account7, "1")
	if got != nil {
		t.Error("record survived rollback")
	}
	ts, _ := s.ScopedTimestamps().LastSyncedAt(ctx, "bookings", account7)
	if !ts.IsZero() {
		t.Errorf("watermark survived rollback: %v", ts)
	}
}

func TestInTx_Nested(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(ctx context.Context) error {
		return s.InTx(ctx, func(ctx context.Context) error {
			return s.Create(ctx, "bookings", sampleRecord("1"))
		})
	})
	if err != nil {
		t.Fatalf("nested InTx: %v", err)
	}
	if n, _ := s.Count(ctx, "bookings"); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestInTx_RollbackWithSQLMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	s := newStore(db)

	mock.ExpectBegin()
	// squirrel sorts Eq keys, so remote_id binds before scope.
	mock.ExpectExec("DELETE FROM records").
		WithArgs("bookings", "1", "account:7").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = s.InTx(context.Background(), func(ctx context.Context) error {
		_, err := s.Delete(ctx, "bookings", account7, []model.ID{"1"})
		return err
	})
	if err == nil {
		t.Fatal("expected error from failed delete")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDefaultDBPath(t *testing.T) {
	path, err := DefaultDBPath()
	if err != nil {
		t.Fatalf("DefaultDBPath: %v", err)
	}
	if path == "" {
		t.Error("DefaultDBPath returned empty string")
	}
}
