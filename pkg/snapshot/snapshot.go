// Package snapshot captures and reads back immutable deployment bundles:
// the set of CloudFormation templates, built tool packages and resolved
// parameters an account runs on, keyed by a sortable identifier.
package snapshot

import (
	"time"
)

// Snapshot is one immutable bundle. Once written to the store its contents
// never change: rollback means redeploying an older snapshot.
type Snapshot struct {
	ID string `json:"SnapshotID"`

	// Templates maps a template file name to its key in the object store.
	Templates map[string]string `json:"Templates,omitempty"`

	// Packages maps a tool name to the package file captured for it.
	Packages map[string]string `json:"Packages,omitempty"`

	// Parameters are the stack parameter values captured at creation time.
	Parameters map[string]string `json:"Parameters,omitempty"`
}

// ParameterValues returns the values the snapshot supplies to parameter
// resolution, including its own identifier.
func (s *Snapshot) ParameterValues() map[string]string {
	values := make(map[string]string, len(s.Parameters)+1)
	for k, v := range s.Parameters {
		values[k] = v
	}
	values["SnapshotID"] = s.ID
	return values
}

// NewID mints a snapshot identifier for the given creation time, optionally
// suffixed with a short commit. Lexicographic order of identifiers equals
// chronological order.
func NewID(t time.Time, shortCommit string) string {
	id := t.UTC().Format("20060102-150405")
	if shortCommit != "" {
		id += "-" + shortCommit
	}
	return id
}
