// Package httpapi implements [remote.PageClient] for paginated JSON REST APIs.
//
// A collection endpoint is expected to answer
//
//	GET {base_url}/{path}?page=N&per_page=M[&updated_since=RFC3339][&fields=a,b][&include=c][&<kind>_id=<id>]
//
// with a body of the form
//
//	{"<records_key>": [{...}, ...], "meta": {"deleted_ids": [...], "total_pages": N}}
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/njoerd114/remotesync/internal/model"
	"github.com/njoerd114/remotesync/internal/remote"
)

const (
	defaultPerPage = 100
	defaultTimeout = 30 * time.Second
)

// Config holds the connection settings shared by every endpoint.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Endpoint describes how one collection is exposed by the API.
type Endpoint struct {
	// Path relative to the base URL; defaults to the collection name.
	Path string

	// RecordsKey is the top-level body key holding the records; defaults to
	// the collection name.
	RecordsKey string

	// IDField is the record attribute carrying the remote ID; defaults to "id".
	IDField string

	PerPage int

	// ScopeParam overrides the query parameter carrying the scope ID, which
	// otherwise is "<kind>_id".
	ScopeParam string
}

// Client fetches pages over HTTP.
type Client struct {
	http      *resty.Client
	endpoints map[string]Endpoint
	now       func() time.Time
}

// NewClient validates cfg and returns a client with no endpoints.
func NewClient(cfg Config) (*Client, error) {
	baseURL, err := normalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		rc.SetAuthToken(strings.TrimSpace(cfg.Token))
	}
	return &Client{http: rc, endpoints: make(map[string]Endpoint), now: time.Now}, nil
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty address")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("address must include host and scheme")
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// Register adds or replaces the endpoint for collection.
func (c *Client) Register(collection string, ep Endpoint) {
	if ep.Path == "" {
		ep.Path = collection
	}
	if ep.RecordsKey == "" {
		ep.RecordsKey = collection
	}
	if ep.IDField == "" {
		ep.IDField = "id"
	}
	if ep.PerPage <= 0 {
		ep.PerPage = defaultPerPage
	}
	c.endpoints[collection] = ep
}

// FetchPage implements [remote.PageClient].
func (c *Client) FetchPage(ctx context.Context, collection string, req model.FetchRequest, page int) (remote.Page, error) {
	ep, ok := c.endpoints[collection]
	if !ok {
		return remote.Page{}, fmt.Errorf("no endpoint registered for collection %q", collection)
	}
	op := fmt.Sprintf("GET /%s page %d", strings.TrimLeft(ep.Path, "/"), page)

	r := c.http.R().
		SetContext(ctx).
		SetQueryParam("page", strconv.Itoa(page)).
		SetQueryParam("per_page", strconv.Itoa(ep.PerPage))
	if !req.UpdatedSince.IsZero() {
		r.SetQueryParam("updated_since", req.UpdatedSince.UTC().Format(time.RFC3339))
	}
	if len(req.Fields) > 0 {
		r.SetQueryParam("fields", strings.Join(req.Fields, ","))
	}
	if len(req.Include) > 0 {
		r.SetQueryParam("include", strings.Join(req.Include, ","))
	}
	if !req.Scope.IsGlobal() {
		param := ep.ScopeParam
		if param == "" {
			param = req.Scope.Kind + "_id"
		}
		r.SetQueryParam(param, req.Scope.ID)
	}

	resp, err := r.Get("/" + strings.TrimLeft(ep.Path, "/"))
	if err != nil {
		if ctx.Err() != nil {
			return remote.Page{}, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return remote.Page{}, &remote.TransportError{Op: op, Retryable: true, Err: err}
	}
	if resp.IsError() || resp.StatusCode() >= 300 {
		return remote.Page{}, remote.StatusError(op, resp.StatusCode(),
			remote.ParseRetryAfter(resp.Header().Get("Retry-After"), c.now()),
			strings.TrimSpace(string(resp.Body())))
	}

	pg, err := decodePage(resp.Body(), ep, page)
	if err != nil {
		return remote.Page{}, &remote.TransportError{Op: op, StatusCode: resp.StatusCode(), Err: err}
	}
	return pg, nil
}

func decodePage(body []byte, ep Endpoint, page int) (remote.Page, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return remote.Page{}, fmt.Errorf("decoding body: %w", err)
	}

	var items []any
	switch v := raw[ep.RecordsKey].(type) {
	case nil:
	case []any:
		items = v
	default:
		return remote.Page{}, fmt.Errorf("%q is %T, want array", ep.RecordsKey, v)
	}

	records := make([]model.RemoteRecord, 0, len(items))
	for i, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			return remote.Page{}, fmt.Errorf("%s[%d] is %T, want object", ep.RecordsKey, i, item)
		}
		id, err := model.IDOf(fields[ep.IDField])
		if err != nil {
			return remote.Page{}, fmt.Errorf("%s[%d].%s: %w", ep.RecordsKey, i, ep.IDField, err)
		}
		rec := model.RemoteRecord{ID: id, Fields: fields}
		if s, ok := fields["updated_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				rec.UpdatedAt = t
			}
		}
		records = append(records, rec)
	}

	meta, totalPages, err := decodeMeta(raw["meta"])
	if err != nil {
		return remote.Page{}, err
	}

	last := len(records) < ep.PerPage
	if totalPages > 0 {
		last = page >= totalPages
	}
	return remote.Page{Records: records, Last: last, Meta: meta}, nil
}

func decodeMeta(v any) (model.ResponseMetadata, int, error) {
	var meta model.ResponseMetadata
	if v == nil {
		return meta, 0, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return meta, 0, fmt.Errorf("meta is %T, want object", v)
	}

	totalPages := 0
	for k, val := range m {
		switch k {
		case "deleted_ids":
			list, ok := val.([]any)
			if !ok {
				return meta, 0, fmt.Errorf("meta.deleted_ids is %T, want array", val)
			}
			meta.DeletedIDs = make([]model.ID, 0, len(list))
			for _, raw := range list {
				id, err := model.IDOf(raw)
				if err != nil {
					return meta, 0, fmt.Errorf("meta.deleted_ids: %w", err)
				}
				meta.DeletedIDs = append(meta.DeletedIDs, id)
			}
		case "total_pages":
			if n, ok := val.(json.Number); ok {
				if i, err := n.Int64(); err == nil {
					totalPages = int(i)
				}
			}
			fallthrough
		default:
			if meta.Extra == nil {
				meta.Extra = make(map[string]any)
			}
			meta.Extra[k] = val
		}
	}
	return meta, totalPages, nil
}
