// Package costorage is the thin CAS layer over the external key/value
// store: CoordinationStorage.get_entry and CoordinationStorage.update_entry
// from spec.md §4.2. No other mutator exists.
package costorage

import (
	"github.com/cuemby/warren-coord/pkg/coordtypes"
	"github.com/cuemby/warren-coord/pkg/entry"
)

// Storage is the external collaborator required from the host: a durable
// key/value store exposing a single CAS primitive. Implementations must
// make expected-image equality consistent across process restarts.
type Storage interface {
	// GetEntry returns the current image for key, or nil if absent.
	GetEntry(key coordtypes.Key) (*entry.StoredEntry, error)

	// UpdateEntry performs compare-and-swap on key: if the stored current
	// image is identical to expected (nil means "absent"), it is replaced
	// with desired (nil means "delete") and expected is returned.
	// Otherwise the actual current image is returned unchanged (including
	// nil). key is carried alongside desired/expected because a nil
	// desired (full removal) would otherwise carry no key of its own.
	UpdateEntry(key coordtypes.Key, desired, expected *entry.StoredEntry) (*entry.StoredEntry, error)
}
