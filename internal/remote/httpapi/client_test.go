package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/remotesync/internal/model"
	"github.com/njoerd114/remotesync/internal/remote"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, Token: "secret", Timeout: 5 * time.Second})
	require.NoError(t, err)
	c.Register("bookings", Endpoint{PerPage: 2})
	return c
}

func TestFetchPage_QueryAndDecode(t *testing.T) {
	var got *http.Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"bookings": [
				{"id": 12, "name": "Villa", "updated_at": "2026-03-01T10:00:00Z"},
				{"id": "abc", "name": "Chalet"}
			],
			"meta": {"deleted_ids": [5, "x"], "total_pages": 3, "count": 42}
		}`))
	})

	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	pg, err := c.FetchPage(context.Background(), "bookings", model.FetchRequest{
		Scope:        model.Scope{Kind: "account", ID: "7"},
		UpdatedSince: since,
		Fields:       []string{"name", "id"},
		Include:      []string{"rental"},
	}, 2)
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "/bookings", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "2", q.Get("page"))
	assert.Equal(t, "2", q.Get("per_page"))
	assert.Equal(t, "2026-02-01T00:00:00Z", q.Get("updated_since"))
	assert.Equal(t, "name,id", q.Get("fields"))
	assert.Equal(t, "rental", q.Get("include"))
	assert.Equal(t, "7", q.Get("account_id"))
	assert.Equal(t, "Bearer secret", got.Header.Get("Authorization"))

	require.Len(t, pg.Records, 2)
	assert.Equal(t, model.ID("12"), pg.Records[0].ID)
	assert.Equal(t, model.ID("abc"), pg.Records[1].ID)
	assert.True(t, pg.Records[0].UpdatedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))
	assert.True(t, pg.Records[1].UpdatedAt.IsZero())
	assert.False(t, pg.Last, "page 2 of 3 is not the last page")

	assert.Equal(t, []model.ID{"5", "x"}, pg.Meta.DeletedIDs)
	assert.Contains(t, pg.Meta.Extra, "count")
}

func TestFetchPage_OmitsAbsentParams(t *testing.T) {
	var got *http.Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = w.Write([]byte(`{"bookings": []}`))
	})

	pg, err := c.FetchPage(context.Background(), "bookings", model.FetchRequest{}, 1)
	require.NoError(t, err)

	q := got.URL.Query()
	assert.False(t, q.Has("updated_since"))
	assert.False(t, q.Has("fields"))
	assert.False(t, q.Has("include"))
	assert.True(t, pg.Last, "short page without total_pages is the last page")
	assert.False(t, pg.Meta.HasDeletedIDs(), "no meta means no deleted_ids field")
}

func TestFetchPage_EmptyDeletedIDsIsPresent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"bookings": [], "meta": {"deleted_ids": []}}`))
	})
	pg, err := c.FetchPage(context.Background(), "bookings", model.FetchRequest{}, 1)
	require.NoError(t, err)
	assert.True(t, pg.Meta.HasDeletedIDs())
	assert.Empty(t, pg.Meta.DeletedIDs)
}

func TestFetchPage_FullPageWithoutTotalIsNotLast(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"bookings": [{"id": 1}, {"id": 2}]}`))
	})
	pg, err := c.FetchPage(context.Background(), "bookings", model.FetchRequest{}, 1)
	require.NoError(t, err)
	assert.False(t, pg.Last)
}

func TestFetchPage_CustomScopeParam(t *testing.T) {
	var got *http.Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = w.Write([]byte(`{"items": []}`))
	})
	c.Register("los_records", Endpoint{Path: "/v2/los", RecordsKey: "items", ScopeParam: "acct"})

	_, err := c.FetchPage(context.Background(), "los_records", model.FetchRequest{
		Scope: model.Scope{Kind: "account", ID: "9"},
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, "/v2/los", got.URL.Path)
	assert.Equal(t, "9", got.URL.Query().Get("acct"))
	assert.False(t, got.URL.Query().Has("account_id"))
}

func TestFetchPage_StatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusUnauthorized, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "nope", tt.status)
		})
		_, err := c.FetchPage(context.Background(), "bookings", model.FetchRequest{}, 1)

		var te *remote.TransportError
		require.True(t, errors.As(err, &te), "status %d: error %v is not a TransportError", tt.status, err)
		assert.Equal(t, tt.status, te.StatusCode)
		assert.Equal(t, tt.retryable, te.Retryable, "status %d", tt.status)
		assert.Equal(t, 3*time.Second, te.RetryAfter)
	}
}

func TestFetchPage_MalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"bookings": [{"name": "no id"}]}`))
	})
	_, err := c.FetchPage(context.Background(), "bookings", model.FetchRequest{}, 1)

	var te *remote.TransportError
	require.True(t, errors.As(err, &te))
	assert.False(t, te.Retryable)
}

func TestFetchPage_UnknownCollection(t *testing.T) {
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {})
	_, err := c.FetchPage(context.Background(), "rentals", model.FetchRequest{}, 1)
	require.Error(t, err)
}

func TestPagerOverHTTP(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			_, _ = w.Write([]byte(`{"bookings": [{"id": 1}, {"id": 2}], "meta": {"deleted_ids": [9]}}`))
		default:
			_, _ = w.Write([]byte(`{"bookings": [{"id": 3}], "meta": {"deleted_ids": [8]}}`))
		}
	})

	records, meta, err := remote.NewPager(c, nil).Fetch(context.Background(), "bookings", model.FetchRequest{})
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, []model.ID{"9", "8"}, meta.DeletedIDs)
}

func TestNewClient_RejectsEmptyBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}
