// Package record defines the syncable-record abstraction shared by every
// component of the sync engine.
//
// A syncable record is identified by (table, record id) and carries sync
// metadata maintained in the local store: a monotonically increasing
// sync_version stamped on each accepted local mutation, a dirty flag that is
// set from local mutation until the push worker confirms remote acceptance,
// and the timestamp of the last successful reconciliation.
//
// Payloads are opaque to the engine. The Registry maps each table name to a
// Codec that knows how to apply a serialized snapshot to the local store and
// how to read the current local state back out, so the queue and conflict
// tables stay generic across entity types without losing type safety at the
// application boundary.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpKind identifies the kind of a local or remote mutation.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is one of the three known operation kinds.
func (k OpKind) Valid() bool {
	switch k {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Meta is the per-record sync bookkeeping row.
type Meta struct {
	Table        string
	RecordID     string
	SyncVersion  int64
	IsDirty      bool
	Deleted      bool
	LastSyncedAt time.Time
	UpdatedAt    time.Time
}

// Op describes a single local mutation handed to the change tracker.
//
// Payload is the full serialized snapshot of the record state at mutation
// time. The tracker stores it verbatim in the outbound queue so that a later
// delete cannot corrupt an earlier update still in flight. Payload may be nil
// only for OpDelete.
type Op struct {
	Table    string
	RecordID string
	Kind     OpKind
	Payload  json.RawMessage
}

// Validate checks that the operation is well-formed.
func (o *Op) Validate() error {
	if o.Table == "" {
		return fmt.Errorf("table cannot be empty")
	}
	if o.RecordID == "" {
		return fmt.Errorf("record id cannot be empty")
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("invalid operation kind %q", o.Kind)
	}
	if o.Kind != OpDelete && len(o.Payload) == 0 {
		return fmt.Errorf("%s operation requires a payload", o.Kind)
	}
	if len(o.Payload) > 0 && !json.Valid(o.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}
