package sync

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/njoerd114/remotesync/internal/model"
)

// Options are the per-call settings of [Engine.Synchronize]. The zero value
// syncs the global scope with the collection's own settings.
type Options struct {
	Scope model.Scope

	// Remote, when non-nil, is used instead of fetching. Such a pass never
	// advances the watermark and never touches LastFullSyncAt.
	Remote []model.RemoteRecord

	// Remove overrides the collection's deletion setting when non-nil.
	Remove *bool

	// Fields and Include override the collection's request lists when non-nil.
	Fields  []string
	Include []string
}

var validOptionKeys = []string{"fields", "include", "remote", "remove", "scope"}

// ParseOptions builds Options from a loosely typed map, as produced by the
// CLI's --opt flags or a decoded config block. An unknown key yields a
// *ConfigurationError listing the valid keys.
func ParseOptions(raw map[string]any) (Options, error) {
	var opts Options

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		v := raw[k]
		switch k {
		case "scope":
			s, err := scopeOption(v)
			if err != nil {
				return Options{}, &ConfigurationError{Key: k, Reason: err.Error()}
			}
			opts.Scope = s
		case "remove":
			b, err := boolOption(v)
			if err != nil {
				return Options{}, &ConfigurationError{Key: k, Reason: err.Error()}
			}
			opts.Remove = &b
		case "fields":
			l, err := listOption(v)
			if err != nil {
				return Options{}, &ConfigurationError{Key: k, Reason: err.Error()}
			}
			opts.Fields = l
		case "include":
			l, err := listOption(v)
			if err != nil {
				return Options{}, &ConfigurationError{Key: k, Reason: err.Error()}
			}
			opts.Include = l
		case "remote":
			recs, ok := v.([]model.RemoteRecord)
			if !ok {
				return Options{}, &ConfigurationError{Key: k, Reason: fmt.Sprintf("want []model.RemoteRecord, got %T", v)}
			}
			opts.Remote = recs
		default:
			return Options{}, &ConfigurationError{Key: k, Valid: validOptionKeys, Reason: "unknown key"}
		}
	}
	return opts, nil
}

func scopeOption(v any) (model.Scope, error) {
	switch x := v.(type) {
	case model.Scope:
		return x, nil
	case string:
		return model.ParseScope(x)
	case nil:
		return model.GlobalScope, nil
	default:
		return model.Scope{}, fmt.Errorf("want scope or \"kind:id\", got %T", v)
	}
}

func boolOption(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, fmt.Errorf("want a boolean, got %q", x)
		}
		return b, nil
	default:
		return false, fmt.Errorf("want a boolean, got %T", v)
	}
}

func listOption(v any) ([]string, error) {
	switch x := v.(type) {
	case []string:
		return x, nil
	case string:
		var out []string
		for _, part := range strings.Split(x, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("want a list of strings, found %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("want a list of strings, got %T", v)
	}
}
