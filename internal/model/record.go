// Package model defines shared types used across the sync engine, the local
// store and the remote fetchers.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ID is a remote record identifier. Remote APIs hand out integers, UUIDs or
// opaque strings; fetchers render them with [IDOf] so that the same record
// always maps to the same ID.
type ID string

// IDOf converts a scalar identifier decoded from a remote payload into an ID.
// Whole floats (as produced by encoding/json) are rendered without a fraction.
func IDOf(v any) (ID, error) {
	switch x := v.(type) {
	case ID:
		return x, nil
	case string:
		return ID(x), nil
	case json.Number:
		return ID(x.String()), nil
	case int:
		return ID(strconv.Itoa(x)), nil
	case int32:
		return ID(strconv.FormatInt(int64(x), 10)), nil
	case int64:
		return ID(strconv.FormatInt(x, 10)), nil
	case uint64:
		return ID(strconv.FormatUint(x, 10)), nil
	case float64:
		if x != float64(int64(x)) {
			return "", fmt.Errorf("identifier %v is not a whole number", x)
		}
		return ID(strconv.FormatInt(int64(x), 10)), nil
	case fmt.Stringer:
		return ID(x.String()), nil
	case nil:
		return "", fmt.Errorf("identifier is missing")
	default:
		return "", fmt.Errorf("unsupported identifier type %T", v)
	}
}

// Scope partitions a collection, e.g. the bookings of one account. The zero
// value is [GlobalScope].
type Scope struct {
	Kind string
	ID   string
}

// GlobalScope is the explicit "no scope" value.
var GlobalScope = Scope{}

// IsGlobal reports whether s is the global scope.
func (s Scope) IsGlobal() bool {
	return s.Kind == "" && s.ID == ""
}

// Key returns the persisted form of the scope: "kind:id", or "" for the
// global scope.
func (s Scope) Key() string {
	if s.IsGlobal() {
		return ""
	}
	return s.Kind + ":" + s.ID
}

// String returns the human-readable label for the scope.
func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return s.Key()
}

// ParseScope parses "kind:id". The empty string and "global" yield
// [GlobalScope].
func ParseScope(s string) (Scope, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "global" {
		return GlobalScope, nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok || kind == "" || id == "" {
		return Scope{}, fmt.Errorf("scope %q must have the form kind:id", s)
	}
	return Scope{Kind: kind, ID: id}, nil
}

// RemoteRecord is a record as returned by the authoritative remote source.
// It is built per fetch and never persisted as such.
type RemoteRecord struct {
	ID     ID
	Fields map[string]any

	// UpdatedAt is the remote last-modification time. Zero means unknown.
	UpdatedAt time.Time
}

// LocalRecord is a record in the local store, addressed by the remote ID
// within its collection and scope.
type LocalRecord struct {
	ID     ID
	Scope  Scope
	Fields map[string]any

	// LastFullSyncAt is when a fetched sync last wrote this record, i.e. the
	// last fetched pass that created it or changed its content. Passes that
	// find the record unchanged leave it alone, so it is not a "last seen"
	// time. Zero means never written by a fetched pass (e.g. only ever
	// written from an injected batch).
	LastFullSyncAt time.Time

	// Data holds the serialized remote payload when the collection keeps one.
	Data []byte

	// ContentHash is the [ContentHash] of Fields at the last write.
	ContentHash string
}

// ResponseMetadata is the out-of-band information returned alongside a fetch.
type ResponseMetadata struct {
	// DeletedIDs lists records removed remotely. Nil means the response did
	// not carry a deleted_ids field at all; an empty non-nil slice means the
	// field was present and nothing was deleted.
	DeletedIDs []ID

	// Extra holds any other metadata keys the remote returned.
	Extra map[string]any
}

// HasDeletedIDs reports whether the response carried a deleted_ids field.
func (m ResponseMetadata) HasDeletedIDs() bool {
	return m.DeletedIDs != nil
}

// FetchRequest carries the parameters a strategy hands to a fetcher.
type FetchRequest struct {
	Scope Scope

	// UpdatedSince restricts the fetch to records changed at or after this
	// instant. Zero means fetch everything.
	UpdatedSince time.Time

	Fields  []string
	Include []string
}

// ContentHash returns a deterministic SHA-256 hex digest of fields, used for
// change detection. Keys are sorted and values JSON-encoded so the digest is
// independent of map iteration order.
func ContentHash(fields map[string]any) (string, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		v, err := json.Marshal(fields[k])
		if err != nil {
			return "", fmt.Errorf("encoding field %q: %w", k, err)
		}
		h.Write([]byte(k))
		h.Write([]byte("="))
		h.Write(v)
		h.Write([]byte("|"))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
