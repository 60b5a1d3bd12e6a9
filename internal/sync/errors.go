package sync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/njoerd114/remotesync/internal/model"
)

var (
	// ErrUnknownCollection is returned for a collection name that was never
	// registered with the engine.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrResetUnsupported is returned when resetting a collection that keeps
	// no watermark.
	ErrResetUnsupported = errors.New("reset is only supported for incremental collections")
)

// MissingDeletionMetadataError is returned when deletion was requested for an
// incremental sync but the response carried no deleted_ids field. Nothing from
// the pass has been written and the watermark is untouched.
type MissingDeletionMetadataError struct {
	Collection string
}

func (e *MissingDeletionMetadataError) Error() string {
	return fmt.Sprintf("cannot delete %s: no deleted_ids were returned in API response", e.Collection)
}

// ReconciliationError reports a remote record that could not be mapped onto
// or written to its local record. The whole pass is aborted.
type ReconciliationError struct {
	Collection string
	ID         model.ID

	// Field is the local field whose mapping failed, or empty when the
	// failure concerns the whole record.
	Field string

	Err error
}

func (e *ReconciliationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "reconciling %s record %s", e.Collection, e.ID)
	if e.Field != "" {
		fmt.Fprintf(&b, " field %q", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// ConfigurationError reports an unknown or invalid option. It is always
// returned before any I/O.
type ConfigurationError struct {
	Key string

	// Valid lists the accepted keys, sorted, when Key is unknown.
	Valid []string

	Reason string
}

func (e *ConfigurationError) Error() string {
	if len(e.Valid) > 0 {
		return fmt.Sprintf("%s: %q. Valid keys: %s", e.Reason, e.Key, strings.Join(e.Valid, ", "))
	}
	if e.Key == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %q: %s", e.Key, e.Reason)
}
