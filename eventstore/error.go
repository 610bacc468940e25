// Typed error taxonomy for the event store, grounded on the teacher's own
// flat var-block of sentinel errors in channeldb/error.go.
package eventstore

import "errors"

var (
	// ErrEventNotFound is returned by Get for an id the store holds
	// nothing under. Get itself returns (nil, nil) rather than this
	// error — it is exported for callers that prefer an error return.
	ErrEventNotFound = errors.New("event not found")

	// ErrStore wraps any persistence-layer failure — the STORE_ERROR
	// category of spec.md §7, mapped to T00 by the BLS packet handler.
	ErrStore = errors.New("STORE_ERROR")
)
