package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/njoerd114/remotesync/internal/model"
)

// DefaultMaxPages bounds a single fetch. A remote that never reports a last
// page would otherwise loop forever.
const DefaultMaxPages = 10000

// Page is one page of a remote collection.
type Page struct {
	Records []model.RemoteRecord
	Last    bool
	Meta    model.ResponseMetadata
}

// PageClient fetches one page (1-based) of a remote collection.
type PageClient interface {
	FetchPage(ctx context.Context, collection string, req model.FetchRequest, page int) (Page, error)
}

// Pager turns a [PageClient] into a fetcher that returns a page-complete
// record set. Each page is retried independently.
type Pager struct {
	Client PageClient

	// MaxPages defaults to DefaultMaxPages.
	MaxPages int

	// Attempts per page; defaults to DefaultMaxAttempts.
	Attempts int

	Logger *slog.Logger
}

// NewPager returns a Pager with default limits.
func NewPager(client PageClient, logger *slog.Logger) *Pager {
	return &Pager{Client: client, Logger: logger}
}

// Fetch requests pages 1, 2, ... until the client reports the last page and
// returns every record together with the merged metadata.
//
// Metadata merge rule: DeletedIDs is the union of every page's list in
// first-seen order and is present when any page carried the field. Extra keys
// from later pages overwrite earlier ones.
//
// Errors from the client are returned as *TransportError; context
// cancellation is returned wrapped as is.
func (p *Pager) Fetch(ctx context.Context, collection string, req model.FetchRequest) ([]model.RemoteRecord, model.ResponseMetadata, error) {
	maxPages := p.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var (
		records []model.RemoteRecord
		meta    model.ResponseMetadata
		seen    map[model.ID]struct{}
	)
	for page := 1; ; page++ {
		if page > maxPages {
			return nil, model.ResponseMetadata{}, &TransportError{
				Op:  fmt.Sprintf("fetch %s", collection),
				Err: fmt.Errorf("no last page after %d pages", maxPages),
			}
		}

		var pg Page
		err := Retry(ctx, attempts, func() error {
			var ferr error
			pg, ferr = p.Client.FetchPage(ctx, collection, req, page)
			return ferr
		})
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil, model.ResponseMetadata{}, fmt.Errorf("fetching %s page %d: %w", collection, page, err)
			}
			var te *TransportError
			if !errors.As(err, &te) {
				err = &TransportError{Op: fmt.Sprintf("fetch %s page %d", collection, page), Err: err}
			}
			return nil, model.ResponseMetadata{}, err
		}

		records = append(records, pg.Records...)
		if pg.Meta.HasDeletedIDs() {
			if meta.DeletedIDs == nil {
				meta.DeletedIDs = []model.ID{}
				seen = make(map[model.ID]struct{})
			}
			for _, id := range pg.Meta.DeletedIDs {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				meta.DeletedIDs = append(meta.DeletedIDs, id)
			}
		}
		for k, v := range pg.Meta.Extra {
			if meta.Extra == nil {
				meta.Extra = make(map[string]any)
			}
			meta.Extra[k] = v
		}

		if p.Logger != nil {
			p.Logger.Debug("fetched page",
				"collection", collection,
				"scope", req.Scope.String(),
				"page", page,
				"records", len(pg.Records),
				"last", pg.Last,
			)
		}
		if pg.Last {
			return records, meta, nil
		}
	}
}
