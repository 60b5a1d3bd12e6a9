// Package homeassistant exposes Home Assistant todo entities as a remote
// source. [Adapter] implements [remote.PageClient] on top of the go-ha-client
// REST API and streams entity changes over the WebSocket API so the daemon can
// sync as soon as a list changes.
//
// HA returns the whole list in one response and reports no deletions, so HA
// collections are always synced with the full strategy.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	haclient "github.com/mkelcik/go-ha-client/v2"

	"github.com/njoerd114/remotesync/internal/model"
	"github.com/njoerd114/remotesync/internal/remote"
)

var errMissingUID = errors.New("todo item has no uid")

// RESTClient is the subset of [haclient.Client] methods used by the adapter.
// Defining it as an interface allows mock injection in tests.
type RESTClient interface {
	Ping(ctx context.Context) error
	// CallServiceWithResponse POSTs with ?return_response=true. Used for
	// todo.get_items which returns data.
	CallServiceWithResponse(ctx context.Context, domain, service string, body io.Reader) (haclient.ServiceCallResponse, error)
}

// Adapter reads Home Assistant todo lists. Create one with [NewAdapter] or
// [NewAdapterWithClient], then map collections onto entities with
// [Adapter.Register].
type Adapter struct {
	rest   RESTClient
	ws     *haclient.WSClient
	logger *slog.Logger

	mu       sync.RWMutex
	entities map[string]string // collection -> entity ID
}

// NewAdapter creates an Adapter backed by real HA REST and WebSocket clients.
// The WebSocket is configured with unlimited auto-reconnect.
func NewAdapter(haURL, token string, logger *slog.Logger) (*Adapter, error) {
	rest, err := haclient.NewClient(haURL,
		haclient.WithToken(token),
		haclient.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create HA REST client: %w", err)
	}

	ws := rest.WS(
		haclient.WithAutoReconnect(true),
		haclient.WithMaxRetries(0), // unlimited retries
		haclient.WithOnReconnect(func() {
			logger.Info("HA WebSocket reconnected")
		}),
		haclient.WithOnReconnectError(func(err error) {
			logger.Error("HA WebSocket reconnect failed", "error", err)
		}),
	)

	return &Adapter{rest: rest, ws: ws, logger: logger, entities: make(map[string]string)}, nil
}

// NewAdapterWithClient creates an Adapter with a caller-supplied REST client.
// Intended for testing with a mock [RESTClient]. WebSocket features
// (SubscribeChanges) are unavailable on adapters created this way.
func NewAdapterWithClient(rest RESTClient, logger *slog.Logger) *Adapter {
	return &Adapter{rest: rest, logger: logger, entities: make(map[string]string)}
}

// Register maps collection onto the todo entity entityID.
func (a *Adapter) Register(collection, entityID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entities[collection] = entityID
}

// EntityIDs returns the registered entity IDs.
func (a *Adapter) EntityIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.entities))
	for _, id := range a.entities {
		ids = append(ids, id)
	}
	return ids
}

// CollectionsFor returns the collections backed by entityID.
func (a *Adapter) CollectionsFor(entityID string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []string
	for coll, id := range a.entities {
		if id == entityID {
			out = append(out, coll)
		}
	}
	return out
}

// Ping validates the HA connection and token with retry.
func (a *Adapter) Ping(ctx context.Context) error {
	err := remote.Retry(ctx, remote.DefaultMaxAttempts, func() error {
		if err := a.rest.Ping(ctx); err != nil {
			return &remote.TransportError{Op: "ping", Retryable: true, Err: err}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ping HA: %w", err)
	}
	return nil
}

// Connect establishes the WebSocket connection. Must be called before
// [Adapter.SubscribeChanges].
func (a *Adapter) Connect(ctx context.Context) error {
	if a.ws == nil {
		return fmt.Errorf("WebSocket client not configured")
	}
	return a.ws.Connect(ctx)
}

// Close shuts down the WebSocket connection gracefully.
func (a *Adapter) Close() error {
	if a.ws == nil {
		return nil
	}
	return a.ws.Close()
}

// FetchPage implements [remote.PageClient]. The whole list arrives as page 1,
// which is always the last page. UpdatedSince is ignored and the metadata
// never carries deleted_ids.
func (a *Adapter) FetchPage(ctx context.Context, collection string, req model.FetchRequest, _ int) (remote.Page, error) {
	a.mu.RLock()
	entityID, ok := a.entities[collection]
	a.mu.RUnlock()
	if !ok {
		return remote.Page{}, fmt.Errorf("no todo entity registered for collection %q", collection)
	}

	op := fmt.Sprintf("%s.%s %s", domainTodo, serviceGetItems, entityID)
	resp, err := a.rest.CallServiceWithResponse(ctx, domainTodo, serviceGetItems, serviceBody(buildGetItemsData(entityID)))
	if err != nil {
		if ctx.Err() != nil {
			return remote.Page{}, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return remote.Page{}, &remote.TransportError{Op: op, Retryable: true, Err: err}
	}

	records, err := parseGetItemsResponse(resp, entityID)
	if err != nil {
		return remote.Page{}, &remote.TransportError{Op: op, Err: err}
	}
	for i := range records {
		records[i] = selectFields(records[i], req.Fields)
	}
	return remote.Page{Records: records, Last: true}, nil
}

// SubscribeChanges starts a WebSocket subscription for state_changed events
// on the given todo entities. When any tracked entity changes, callback is
// invoked with the entity ID. This method blocks until ctx is cancelled.
func (a *Adapter) SubscribeChanges(ctx context.Context, entityIDs []string, callback func(entityID string)) error {
	if a.ws == nil {
		return fmt.Errorf("WebSocket client not configured")
	}

	// Build a set for O(1) lookup.
	entitySet := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		entitySet[id] = struct{}{}
	}

	sub, err := a.ws.SubscribeEvents(ctx, haclient.EventTypeStateChanged)
	if err != nil {
		return fmt.Errorf("subscribe state_changed: %w", err)
	}
	defer func() { _ = sub.Unsubscribe(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("subscription events channel closed")
			}
			data, isStateChanged, parseErr := ev.StateChanged()
			if parseErr != nil {
				a.logger.Debug("failed to parse state_changed event", "error", parseErr)
				continue
			}
			if !isStateChanged {
				continue
			}
			if _, tracked := entitySet[data.EntityID]; tracked {
				a.logger.Debug("tracked entity changed", "entity_id", data.EntityID)
				callback(data.EntityID)
			}
		case subErr, ok := <-sub.Errors():
			if !ok {
				return fmt.Errorf("subscription errors channel closed")
			}
			a.logger.Error("subscription error", "error", subErr)
			// Auto-reconnect restores the subscription; just log.
		}
	}
}

// Notify implements the scheduler's change-notifier contract: it connects the
// WebSocket and calls trigger with the affected collection whenever one of
// the registered entities changes. It blocks until ctx is cancelled.
func (a *Adapter) Notify(ctx context.Context, trigger func(collection string)) error {
	if err := a.Connect(ctx); err != nil {
		return fmt.Errorf("connect HA WebSocket: %w", err)
	}
	defer func() { _ = a.Close() }()

	return a.SubscribeChanges(ctx, a.EntityIDs(), func(entityID string) {
		for _, coll := range a.CollectionsFor(entityID) {
			trigger(coll)
		}
	})
}

// serviceBody marshals data to a JSON [io.Reader] for service calls.
func serviceBody(data map[string]interface{}) io.Reader {
	b, _ := json.Marshal(data) //nolint:errcheck // map[string]interface{} always marshals
	return bytes.NewReader(b)
}

// parseGetItemsResponse extracts todo items from the service call response.
func parseGetItemsResponse(resp haclient.ServiceCallResponse, entityID string) ([]model.RemoteRecord, error) {
	raw, ok := resp.ServiceResponse[entityID]
	if !ok {
		return nil, fmt.Errorf("no service response for entity %s", entityID)
	}

	var haResp haItemsResponse
	if err := json.Unmarshal(raw, &haResp); err != nil {
		return nil, fmt.Errorf("parse items response for %s: %w", entityID, err)
	}

	records := make([]model.RemoteRecord, 0, len(haResp.Items))
	for i, h := range haResp.Items {
		rec, err := haItemToRecord(h)
		if err != nil {
			return nil, fmt.Errorf("item %d of %s: %w", i, entityID, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
