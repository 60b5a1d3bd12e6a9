package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	haclient "github.com/mkelcik/go-ha-client/v2"

	"github.com/njoerd114/remotesync/internal/model"
	"github.com/njoerd114/remotesync/internal/remote"
)

type mockREST struct {
	mu       sync.Mutex
	pingErr  error
	pings    int
	resp     haclient.ServiceCallResponse
	callErr  error
	bodies   []string
	services []string
}

func (m *mockREST) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings++
	return m.pingErr
}

func (m *mockREST) CallServiceWithResponse(_ context.Context, domain, service string, body io.Reader) (haclient.ServiceCallResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, _ := io.ReadAll(body)
	m.bodies = append(m.bodies, string(b))
	m.services = append(m.services, domain+"."+service)
	return m.resp, m.callErr
}

func itemsResponse(entityID, items string) haclient.ServiceCallResponse {
	return haclient.ServiceCallResponse{
		ServiceResponse: map[string]json.RawMessage{
			entityID: json.RawMessage(`{"items": ` + items + `}`),
		},
	}
}

func testAdapter(rest RESTClient) *Adapter {
	a := NewAdapterWithClient(rest, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.Register("shopping", "todo.shopping")
	return a
}

func TestFetchPage_ReturnsSingleLastPage(t *testing.T) {
	rest := &mockREST{resp: itemsResponse("todo.shopping", `[
		{"uid": "u1", "summary": "Milk", "status": "needs_action", "description": "[Low] 2 litres"},
		{"uid": "u2", "summary": "Eggs", "status": "completed"}
	]`)}
	a := testAdapter(rest)

	pg, err := a.FetchPage(context.Background(), "shopping", model.FetchRequest{}, 1)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if !pg.Last {
		t.Error("HA page should always be the last page")
	}
	if pg.Meta.HasDeletedIDs() {
		t.Error("HA never reports deleted_ids")
	}
	if len(pg.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(pg.Records))
	}
	if pg.Records[0].Fields["priority"] != PriorityLow {
		t.Errorf("priority = %v, want Low", pg.Records[0].Fields["priority"])
	}
	if rest.services[0] != "todo.get_items" {
		t.Errorf("service = %q, want todo.get_items", rest.services[0])
	}
	if rest.bodies[0] != `{"entity_id":"todo.shopping"}` {
		t.Errorf("body = %s", rest.bodies[0])
	}
}

func TestFetchPage_AppliesFieldSelection(t *testing.T) {
	rest := &mockREST{resp: itemsResponse("todo.shopping", `[{"uid": "u1", "summary": "Milk"}]`)}
	pg, err := testAdapter(rest).FetchPage(context.Background(), "shopping", model.FetchRequest{Fields: []string{"summary"}}, 1)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(pg.Records[0].Fields) != 2 {
		t.Errorf("fields = %v, want uid and summary", pg.Records[0].Fields)
	}
}

func TestFetchPage_UnregisteredCollection(t *testing.T) {
	_, err := testAdapter(&mockREST{}).FetchPage(context.Background(), "work", model.FetchRequest{}, 1)
	if err == nil {
		t.Fatal("expected error for unregistered collection")
	}
}

func TestFetchPage_CallErrorIsRetryableTransportError(t *testing.T) {
	rest := &mockREST{callErr: errors.New("connection refused")}
	_, err := testAdapter(rest).FetchPage(context.Background(), "shopping", model.FetchRequest{}, 1)

	var te *remote.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *remote.TransportError", err)
	}
	if !te.Retryable {
		t.Error("HA call failures should be retryable")
	}
}

func TestFetchPage_MissingEntityResponse(t *testing.T) {
	rest := &mockREST{resp: itemsResponse("todo.other", `[]`)}
	_, err := testAdapter(rest).FetchPage(context.Background(), "shopping", model.FetchRequest{}, 1)

	var te *remote.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *remote.TransportError", err)
	}
	if te.Retryable {
		t.Error("a malformed response should not be retried")
	}
}

func TestPing_Retries(t *testing.T) {
	rest := &mockREST{pingErr: errors.New("down")}
	err := testAdapter(rest).Ping(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if rest.pings != remote.DefaultMaxAttempts {
		t.Errorf("pings = %d, want %d", rest.pings, remote.DefaultMaxAttempts)
	}
}

func TestCollectionsFor(t *testing.T) {
	a := testAdapter(&mockREST{})
	a.Register("groceries", "todo.shopping")
	a.Register("work", "todo.work")

	got := a.CollectionsFor("todo.shopping")
	if len(got) != 2 {
		t.Errorf("CollectionsFor = %v, want shopping and groceries", got)
	}
	if len(a.EntityIDs()) != 3 {
		t.Errorf("EntityIDs = %v, want 3 entries", a.EntityIDs())
	}
}

func TestSubscribeChanges_WithoutWebSocket(t *testing.T) {
	err := testAdapter(&mockREST{}).SubscribeChanges(context.Background(), nil, func(string) {})
	if err == nil {
		t.Error("expected error when no WebSocket client is configured")
	}
}
