package homeassistant

import (
	"strings"
	"time"

	"github.com/njoerd114/remotesync/internal/model"
)

// HA todo service constants.
const (
	domainTodo      = "todo"
	serviceGetItems = "get_items"

	statusCompleted = "completed"

	dateLayout = "2006-01-02"
)

// haTodoItem is the JSON structure for a single item returned by the HA
// todo.get_items service.
type haTodoItem struct {
	UID         string `json:"uid"`
	Summary     string `json:"summary"`
	Status      string `json:"status"` // "needs_action" or "completed"
	Description string `json:"description,omitempty"`
	Due         string `json:"due,omitempty"` // "YYYY-MM-DD" or RFC 3339
}

// haItemsResponse wraps the items array inside the service response for a
// single entity.
type haItemsResponse struct {
	Items []haTodoItem `json:"items"`
}

// Priority labels encoded as description prefixes, since HA todo items have
// no native priority field.
const (
	PriorityNone   = "None"
	PriorityHigh   = "High"
	PriorityMedium = "Medium"
	PriorityLow    = "Low"
)

var priorityPrefixes = []struct {
	prefix, label string
}{
	{"[High] ", PriorityHigh},
	{"[Medium] ", PriorityMedium},
	{"[Low] ", PriorityLow},
}

// decodePriorityPrefix strips the priority tag from an HA description and
// returns the priority label and the clean description text.
func decodePriorityPrefix(description string) (string, string) {
	for _, p := range priorityPrefixes {
		if rest, ok := strings.CutPrefix(description, p.prefix); ok {
			return p.label, rest
		}
	}
	return PriorityNone, description
}

// haItemToRecord converts an HA todo item into a remote record keyed by the
// item's UID. The due date is normalised to "YYYY-MM-DD" for date-only values
// and RFC 3339 otherwise; unparseable values are kept verbatim.
func haItemToRecord(h haTodoItem) (model.RemoteRecord, error) {
	id, err := model.IDOf(h.UID)
	if err != nil {
		return model.RemoteRecord{}, err
	}
	if id == "" {
		return model.RemoteRecord{}, errMissingUID
	}

	priority, description := decodePriorityPrefix(h.Description)
	fields := map[string]any{
		"uid":         h.UID,
		"summary":     h.Summary,
		"status":      h.Status,
		"completed":   h.Status == statusCompleted,
		"description": description,
		"priority":    priority,
	}
	if h.Due != "" {
		fields["due"] = normalizeDue(h.Due)
	}
	return model.RemoteRecord{ID: id, Fields: fields}, nil
}

// selectFields keeps only the requested fields. The uid is always kept.
func selectFields(rec model.RemoteRecord, keep []string) model.RemoteRecord {
	if len(keep) == 0 {
		return rec
	}
	out := make(map[string]any, len(keep)+1)
	out["uid"] = rec.Fields["uid"]
	for _, k := range keep {
		if v, ok := rec.Fields[k]; ok {
			out[k] = v
		}
	}
	rec.Fields = out
	return rec
}

// buildGetItemsData returns the service-call payload for todo.get_items.
func buildGetItemsData(entityID string) map[string]interface{} {
	return map[string]interface{}{
		"entity_id": entityID,
	}
}

// parseDue parses an HA due-date string. It tries date-only format first
// ("2006-01-02"), then falls back to RFC 3339.
func parseDue(s string) (time.Time, bool, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	return t, false, err
}

func normalizeDue(s string) string {
	t, dateOnly, err := parseDue(s)
	switch {
	case err != nil:
		return s
	case dateOnly:
		return t.Format(dateLayout)
	default:
		return t.UTC().Format(time.RFC3339)
	}
}
