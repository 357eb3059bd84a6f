package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned by Codec.Snapshot when no local row exists for the
// requested record.
var ErrNotFound = errors.New("record not found")

// Codec bridges the engine's opaque payloads and a concrete entity table.
//
// Apply materializes a serialized snapshot into the local store and Snapshot
// reads the current local state back as a serialized snapshot. Both run
// inside the transaction that owns the surrounding sync bookkeeping so a
// failure rolls back the whole step.
type Codec interface {
	// Apply writes the payload to the local store. For OpDelete the payload
	// may be nil and the local row is removed. Apply must be idempotent:
	// re-applying a snapshot that already matches local state is a no-op.
	Apply(ctx context.Context, tx *sql.Tx, recordID string, kind OpKind, payload json.RawMessage) error

	// Snapshot returns the full serialized state of the record as currently
	// stored locally. Returns ErrNotFound if the record does not exist.
	Snapshot(ctx context.Context, tx *sql.Tx, recordID string) (json.RawMessage, error)
}

// Registry maps table names to their codecs. It is safe for concurrent use;
// registration normally happens once at startup.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns an empty codec registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Register associates a codec with a table name. Registering the same table
// twice replaces the previous codec.
func (r *Registry) Register(table string, codec Codec) error {
	if table == "" {
		return fmt.Errorf("table cannot be empty")
	}
	if codec == nil {
		return fmt.Errorf("codec cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[table] = codec
	return nil
}

// Lookup returns the codec registered for table.
func (r *Registry) Lookup(table string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codec, ok := r.codecs[table]
	if !ok {
		return nil, fmt.Errorf("no codec registered for table %q", table)
	}
	return codec, nil
}

// Tables returns the registered table names in sorted order.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tables := make([]string, 0, len(r.codecs))
	for table := range r.codecs {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

// DocumentCodec stores record snapshots as JSON documents in the generic
// records table. It is the default codec for tables that do not need a
// dedicated relational shape on the client.
type DocumentCodec struct {
	Table string
}

// NewDocumentCodec returns a document codec bound to the given logical table.
func NewDocumentCodec(table string) *DocumentCodec {
	return &DocumentCodec{Table: table}
}

// Apply implements Codec.
func (c *DocumentCodec) Apply(ctx context.Context, tx *sql.Tx, recordID string, kind OpKind, payload json.RawMessage) error {
	if kind == OpDelete {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE table_name = ? AND record_id = ?`,
			c.Table, recordID)
		if err != nil {
			return fmt.Errorf("failed to delete document %s/%s: %w", c.Table, recordID, err)
		}
		return nil
	}

	query := `
	INSERT INTO records (table_name, record_id, payload)
	VALUES (?, ?, ?)
	ON CONFLICT(table_name, record_id) DO UPDATE SET
		payload = excluded.payload
	`
	if _, err := tx.ExecContext(ctx, query, c.Table, recordID, string(payload)); err != nil {
		return fmt.Errorf("failed to upsert document %s/%s: %w", c.Table, recordID, err)
	}
	return nil
}

// Snapshot implements Codec.
func (c *DocumentCodec) Snapshot(ctx context.Context, tx *sql.Tx, recordID string) (json.RawMessage, error) {
	var payload string
	err := tx.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE table_name = ? AND record_id = ?`,
		c.Table, recordID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s/%s: %w", c.Table, recordID, err)
	}
	return json.RawMessage(payload), nil
}
