package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/adrata/desktop-sync/internal/record"
	"github.com/adrata/desktop-sync/internal/syncdb"
)

type resolverFixture struct {
	resolver *Resolver
	db       *syncdb.DB
	registry *record.Registry
	notified int
}

func newResolverFixture(t *testing.T, policyTOML string) *resolverFixture {
	t.Helper()

	db, err := syncdb.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatal(err)
	}

	registry := record.NewRegistry()
	if err := registry.Register("contacts", record.NewDocumentCodec("contacts")); err != nil {
		t.Fatal(err)
	}

	path := ""
	if policyTOML != "" {
		path = writePolicy(t, policyTOML)
	}
	store, err := NewPolicyStore(path, nil)
	if err != nil {
		t.Fatalf("NewPolicyStore() error = %v", err)
	}

	f := &resolverFixture{db: db, registry: registry}
	f.resolver = NewResolver(db, registry, syncdb.NewRecordLocks(), store,
		func() { f.notified++ }, nil)
	return f
}

// seedDirty materializes a local record with one tracked edit, leaving it
// dirty with a single pending queue entry.
func (f *resolverFixture) seedDirty(t *testing.T, recordID, payload string) {
	t.Helper()
	ctx := context.Background()

	codec, err := f.registry.Lookup("contacts")
	if err != nil {
		t.Fatal(err)
	}
	tx, err := f.db.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	raw := json.RawMessage(payload)
	if err := codec.Apply(ctx, tx, recordID, record.OpInsert, raw); err != nil {
		t.Fatal(err)
	}
	base, err := f.db.BumpVersionTx(ctx, tx, "contacts", recordID, record.OpInsert)
	if err != nil {
		t.Fatal(err)
	}
	op := record.Op{Table: "contacts", RecordID: recordID, Kind: record.OpInsert, Payload: raw}
	if _, err := f.db.EnqueueTx(ctx, tx, op, base); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

// detect records a conflict between the record's current local state and a
// remote change at the given version.
func (f *resolverFixture) detect(t *testing.T, recordID string, remoteVersion int64, localPayload, remotePayload string) int64 {
	t.Helper()
	ctx := context.Background()

	meta, err := f.db.GetMeta(ctx, "contacts", recordID)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := f.db.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	id, err := f.resolver.Record(ctx, tx, &syncdb.Conflict{
		Table:         "contacts",
		RecordID:      recordID,
		LocalVersion:  meta.SyncVersion,
		RemoteVersion: remoteVersion,
		LocalPayload:  json.RawMessage(localPayload),
		RemotePayload: json.RawMessage(remotePayload),
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestRecord_DeduplicatesRedelivery(t *testing.T) {
	f := newResolverFixture(t, "")
	f.seedDirty(t, "c-1", `{"name":"Ada"}`)

	first := f.detect(t, "c-1", 5, `{"name":"Ada"}`, `{"name":"Grace"}`)
	again := f.detect(t, "c-1", 5, `{"name":"Ada"}`, `{"name":"Grace"}`)
	if again != first {
		t.Errorf("redelivered change opened conflict %d, want existing %d", again, first)
	}
	older := f.detect(t, "c-1", 4, `{"name":"Ada"}`, `{"name":"Old"}`)
	if older != first {
		t.Errorf("older remote version opened conflict %d, want existing %d", older, first)
	}
}

func TestRecord_SupersedesStaleConflict(t *testing.T) {
	f := newResolverFixture(t, "")
	f.seedDirty(t, "c-1", `{"name":"Ada"}`)
	ctx := context.Background()

	first := f.detect(t, "c-1", 5, `{"name":"Ada"}`, `{"name":"Grace"}`)
	second := f.detect(t, "c-1", 6, `{"name":"Ada"}`, `{"name":"Grace H."}`)
	if second == first {
		t.Fatal("a strictly newer remote version should open a fresh conflict")
	}

	stale, err := f.db.GetConflict(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if stale.Status != syncdb.ConflictSuperseded {
		t.Errorf("stale conflict status = %q, want superseded", stale.Status)
	}
	open, err := f.db.GetConflict(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if open.Status != syncdb.ConflictDetected || open.RemoteVersion != 6 {
		t.Errorf("open conflict = %q v%d, want detected v6", open.Status, open.RemoteVersion)
	}
}

func TestResolve_RemoteWins(t *testing.T) {
	f := newResolverFixture(t, "")
	f.seedDirty(t, "c-1", `{"name":"Ada"}`)
	ctx := context.Background()

	id := f.detect(t, "c-1", 5, `{"name":"Ada"}`, `{"name":"Grace"}`)
	if err := f.resolver.Resolve(ctx, id, syncdb.ResolutionRemoteWins, nil, "user"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	c, err := f.db.GetConflict(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != syncdb.ConflictResolved || c.Resolution != syncdb.ResolutionRemoteWins {
		t.Errorf("conflict = %q/%q", c.Status, c.Resolution)
	}

	meta, err := f.db.GetMeta(ctx, "contacts", "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.SyncVersion != 5 || meta.IsDirty {
		t.Errorf("meta = v%d dirty=%v, want v5 clean", meta.SyncVersion, meta.IsDirty)
	}

	entries, err := f.db.EntriesForRecord(ctx, "contacts", "c-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Status != syncdb.StatusCompleted {
			t.Errorf("entry %d status = %q, outstanding work should be discarded", e.ID, e.Status)
		}
	}

	var stored string
	err = f.db.RawDB().QueryRow(
		`SELECT payload FROM records WHERE table_name = 'contacts' AND record_id = 'c-1'`).Scan(&stored)
	if err != nil {
		t.Fatal(err)
	}
	if stored != `{"name":"Grace"}` {
		t.Errorf("local payload = %s, want the remote snapshot", stored)
	}
	if f.notified != 0 {
		t.Error("remote wins enqueues nothing and should not notify the push worker")
	}
}

func TestResolve_LocalWinsRebasesAndRepublishes(t *testing.T) {
	f := newResolverFixture(t, "")
	f.seedDirty(t, "c-1", `{"name":"Ada"}`)
	ctx := context.Background()

	id := f.detect(t, "c-1", 5, `{"name":"Ada"}`, `{"name":"Grace"}`)
	if err := f.resolver.Resolve(ctx, id, syncdb.ResolutionLocalWins, nil, "user"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	meta, err := f.db.GetMeta(ctx, "contacts", "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.SyncVersion != 6 || !meta.IsDirty {
		t.Errorf("meta = v%d dirty=%v, want v6 dirty after rebase", meta.SyncVersion, meta.IsDirty)
	}

	entries, err := f.db.EntriesForRecord(ctx, "contacts", "c-1")
	if err != nil {
		t.Fatal(err)
	}
	var pending []syncdb.QueueEntry
	for _, e := range entries {
		if e.Status == syncdb.StatusPending {
			pending = append(pending, e)
		}
	}
	if len(pending) != 1 {
		t.Fatalf("pending entries = %d, want exactly the republished one", len(pending))
	}
	if pending[0].BaseVersion != 5 {
		t.Errorf("BaseVersion = %d, want the remote version 5", pending[0].BaseVersion)
	}
	if string(pending[0].Payload) != `{"name":"Ada"}` {
		t.Errorf("payload = %s, want the local snapshot", pending[0].Payload)
	}
	if f.notified != 1 {
		t.Errorf("notified = %d, resolution should wake the push worker once", f.notified)
	}
}

func TestResolve_ManualRequiresPayload(t *testing.T) {
	f := newResolverFixture(t, "")
	f.seedDirty(t, "c-1", `{"name":"Ada"}`)

	id := f.detect(t, "c-1", 5, `{"name":"Ada"}`, `{"name":"Grace"}`)
	err := f.resolver.Resolve(context.Background(), id, syncdb.ResolutionManual, nil, "user")
	if err == nil {
		t.Error("manual resolution without a payload should fail")
	}
}

func TestResolve_ManualAppliesPayload(t *testing.T) {
	f := newResolverFixture(t, "")
	f.seedDirty(t, "c-1", `{"name":"Ada"}`)
	ctx := context.Background()

	id := f.detect(t, "c-1", 5, `{"name":"Ada"}`, `{"name":"Grace"}`)
	chosen := json.RawMessage(`{"name":"Ada Grace"}`)
	if err := f.resolver.Resolve(ctx, id, syncdb.ResolutionManual, chosen, "user"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	var stored string
	err := f.db.RawDB().QueryRow(
		`SELECT payload FROM records WHERE table_name = 'contacts' AND record_id = 'c-1'`).Scan(&stored)
	if err != nil {
		t.Fatal(err)
	}
	if stored != string(chosen) {
		t.Errorf("local payload = %s, want the chosen snapshot", stored)
	}

	c, err := f.db.GetConflict(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if c.ResolvedBy != "user" || string(c.ResolvedPayload) != string(chosen) {
		t.Errorf("conflict resolved_by=%q payload=%s", c.ResolvedBy, c.ResolvedPayload)
	}
}

func TestResolve_ExactlyOnce(t *testing.T) {
	f := newResolverFixture(t, "")
	f.seedDirty(t, "c-1", `{"name":"Ada"}`)
	ctx := context.Background()

	id := f.detect(t, "c-1", 5, `{"name":"Ada"}`, `{"name":"Grace"}`)
	if err := f.resolver.Resolve(ctx, id, syncdb.ResolutionRemoteWins, nil, "user"); err != nil {
		t.Fatal(err)
	}
	err := f.resolver.Resolve(ctx, id, syncdb.ResolutionLocalWins, nil, "user")
	if !errors.Is(err, syncdb.ErrConflictNotFound) {
		t.Errorf("second Resolve() error = %v, want ErrConflictNotFound", err)
	}
}

func TestTryAutoResolve_ManualPolicyLeavesConflict(t *testing.T) {
	f := newResolverFixture(t, "")
	f.seedDirty(t, "c-1", `{"name":"Ada"}`)
	ctx := context.Background()

	id := f.detect(t, "c-1", 5, `{"name":"Ada"}`, `{"name":"Grace"}`)
	resolved, err := f.resolver.TryAutoResolve(ctx, id)
	if err != nil {
		t.Fatalf("TryAutoResolve() error = %v", err)
	}
	if resolved {
		t.Error("manual policy should not auto-resolve")
	}
	c, _ := f.db.GetConflict(ctx, id)
	if c.Status != syncdb.ConflictDetected {
		t.Errorf("status = %q, want detected", c.Status)
	}
}

func TestTryAutoResolve_LastWriteWins(t *testing.T) {
	f := newResolverFixture(t, `
[tables.contacts]
strategy = "last_write_wins"
`)
	f.seedDirty(t, "c-1", `{"name":"Ada","updated_at":"2026-03-02T00:00:00Z"}`)
	ctx := context.Background()

	id := f.detect(t, "c-1", 5,
		`{"name":"Ada","updated_at":"2026-03-02T00:00:00Z"}`,
		`{"name":"Grace","updated_at":"2026-03-01T00:00:00Z"}`)

	resolved, err := f.resolver.TryAutoResolve(ctx, id)
	if err != nil {
		t.Fatalf("TryAutoResolve() error = %v", err)
	}
	if !resolved {
		t.Fatal("last_write_wins should resolve the conflict")
	}
	c, err := f.db.GetConflict(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if c.Resolution != syncdb.ResolutionLocalWins {
		t.Errorf("resolution = %q, the newer local edit should win", c.Resolution)
	}
}

func TestTryAutoResolve_LastWriteWinsRemoteOnTie(t *testing.T) {
	f := newResolverFixture(t, `
[tables.contacts]
strategy = "last_write_wins"
`)
	f.seedDirty(t, "c-1", `{"name":"Ada"}`)
	ctx := context.Background()

	// Neither payload carries a usable timestamp; the remote wins.
	id := f.detect(t, "c-1", 5, `{"name":"Ada"}`, `{"name":"Grace"}`)
	resolved, err := f.resolver.TryAutoResolve(ctx, id)
	if err != nil || !resolved {
		t.Fatalf("TryAutoResolve() = %v, %v", resolved, err)
	}
	c, _ := f.db.GetConflict(ctx, id)
	if c.Resolution != syncdb.ResolutionRemoteWins {
		t.Errorf("resolution = %q, want remote_wins when timestamps are absent", c.Resolution)
	}
}

func TestTryAutoResolve_Merge(t *testing.T) {
	f := newResolverFixture(t, `
[tables.contacts]
strategy = "merge"
prefer = "remote"
`)
	f.seedDirty(t, "c-1", `{"name":"Ada","phone":"111"}`)
	ctx := context.Background()

	id := f.detect(t, "c-1", 5, `{"name":"Ada","phone":"111"}`, `{"name":"Grace"}`)
	resolved, err := f.resolver.TryAutoResolve(ctx, id)
	if err != nil || !resolved {
		t.Fatalf("TryAutoResolve() = %v, %v", resolved, err)
	}

	c, err := f.db.GetConflict(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if c.Resolution != syncdb.ResolutionMerged {
		t.Fatalf("resolution = %q, want merged", c.Resolution)
	}
	merged := mustObject(t, c.ResolvedPayload)
	if merged["name"] != "Grace" || merged["phone"] != "111" {
		t.Errorf("merged = %v, want remote name with the local-only phone kept", merged)
	}

	meta, err := f.db.GetMeta(ctx, "contacts", "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.SyncVersion != 6 || !meta.IsDirty {
		t.Errorf("meta = v%d dirty=%v, merged state should be rebased for re-push", meta.SyncVersion, meta.IsDirty)
	}
}
