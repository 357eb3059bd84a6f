package syncdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/adrata/desktop-sync/internal/record"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	return db
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "sync.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.InitSchema(); err != nil {
		t.Fatalf("second InitSchema() error = %v", err)
	}
}

func TestSourceID_Persists(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first, err := db.SourceID(ctx)
	if err != nil {
		t.Fatalf("SourceID() error = %v", err)
	}
	if first == "" {
		t.Fatal("SourceID() returned empty id")
	}

	second, err := db.SourceID(ctx)
	if err != nil {
		t.Fatalf("second SourceID() error = %v", err)
	}
	if second != first {
		t.Errorf("SourceID() = %q on second call, want %q", second, first)
	}
}

func TestBumpVersionTx_FirstMutation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx() error = %v", err)
	}
	defer tx.Rollback()

	base, err := db.BumpVersionTx(ctx, tx, "contacts", "c-1", record.OpInsert)
	if err != nil {
		t.Fatalf("BumpVersionTx() error = %v", err)
	}
	if base != 0 {
		t.Errorf("base version = %d, want 0", base)
	}

	meta, err := db.GetMetaTx(ctx, tx, "contacts", "c-1")
	if err != nil {
		t.Fatalf("GetMetaTx() error = %v", err)
	}
	if meta.SyncVersion != 1 {
		t.Errorf("SyncVersion = %d, want 1", meta.SyncVersion)
	}
	if !meta.IsDirty {
		t.Error("record should be dirty after a local mutation")
	}
}

func TestBumpVersionTx_SequentialBumps(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx() error = %v", err)
	}
	defer tx.Rollback()

	for want := int64(0); want < 3; want++ {
		base, err := db.BumpVersionTx(ctx, tx, "contacts", "c-1", record.OpUpdate)
		if err != nil {
			t.Fatalf("BumpVersionTx() error = %v", err)
		}
		if base != want {
			t.Errorf("base version = %d, want %d", base, want)
		}
	}
}

func TestBumpVersionTx_DeleteMarksDeleted(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx() error = %v", err)
	}
	defer tx.Rollback()

	if _, err := db.BumpVersionTx(ctx, tx, "contacts", "c-1", record.OpInsert); err != nil {
		t.Fatalf("BumpVersionTx(insert) error = %v", err)
	}
	if _, err := db.BumpVersionTx(ctx, tx, "contacts", "c-1", record.OpDelete); err != nil {
		t.Fatalf("BumpVersionTx(delete) error = %v", err)
	}

	meta, err := db.GetMetaTx(ctx, tx, "contacts", "c-1")
	if err != nil {
		t.Fatalf("GetMetaTx() error = %v", err)
	}
	if !meta.Deleted {
		t.Error("record should be marked deleted")
	}
}

func TestGetMeta_NotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetMeta(context.Background(), "contacts", "missing")
	if !errors.Is(err, record.ErrNotFound) {
		t.Errorf("GetMeta() error = %v, want record.ErrNotFound", err)
	}
}

func TestSetRemoteVersionTx_ClearsDirty(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx() error = %v", err)
	}

	if _, err := db.BumpVersionTx(ctx, tx, "contacts", "c-1", record.OpInsert); err != nil {
		t.Fatalf("BumpVersionTx() error = %v", err)
	}
	if err := db.SetRemoteVersionTx(ctx, tx, "contacts", "c-1", 7, false); err != nil {
		t.Fatalf("SetRemoteVersionTx() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	meta, err := db.GetMeta(ctx, "contacts", "c-1")
	if err != nil {
		t.Fatalf("GetMeta() error = %v", err)
	}
	if meta.SyncVersion != 7 {
		t.Errorf("SyncVersion = %d, want 7", meta.SyncVersion)
	}
	if meta.IsDirty {
		t.Error("record should be clean after remote apply")
	}
	if meta.LastSyncedAt.IsZero() {
		t.Error("LastSyncedAt should be stamped")
	}
}

func TestMetaCountsForTable_ExcludesDeleted(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx() error = %v", err)
	}
	if _, err := db.BumpVersionTx(ctx, tx, "contacts", "c-1", record.OpInsert); err != nil {
		t.Fatal(err)
	}
	if _, err := db.BumpVersionTx(ctx, tx, "contacts", "c-2", record.OpInsert); err != nil {
		t.Fatal(err)
	}
	if _, err := db.BumpVersionTx(ctx, tx, "contacts", "c-2", record.OpDelete); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	counts, err := db.MetaCountsForTable(ctx, "contacts")
	if err != nil {
		t.Fatalf("MetaCountsForTable() error = %v", err)
	}
	if counts.Total != 1 {
		t.Errorf("Total = %d, want 1 (deleted records excluded)", counts.Total)
	}
	if counts.Dirty != 1 {
		t.Errorf("Dirty = %d, want 1", counts.Dirty)
	}
}
