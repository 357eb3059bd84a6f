package syncdb

import (
	"context"
	"database/sql"
	"testing"
)

func TestGetCursor_EmptyForNewTable(t *testing.T) {
	db := openTestDB(t)

	cursor, err := db.GetCursor(context.Background(), "contacts")
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if cursor != "" {
		t.Errorf("cursor = %q for never-pulled table, want empty", cursor)
	}
}

func TestAdvanceCursorTx_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	inTx(t, db, func(tx *sql.Tx) error {
		return db.AdvanceCursorTx(ctx, tx, "contacts", "cursor-42")
	})

	cursor, err := db.GetCursor(ctx, "contacts")
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "cursor-42" {
		t.Errorf("cursor = %q, want cursor-42", cursor)
	}

	status, err := db.GetTableStatus(ctx, "contacts")
	if err != nil {
		t.Fatal(err)
	}
	if status.LastIncrementalSync.IsZero() {
		t.Error("LastIncrementalSync should be stamped on cursor advance")
	}
}

func TestResetCursorTx(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	inTx(t, db, func(tx *sql.Tx) error {
		return db.AdvanceCursorTx(ctx, tx, "contacts", "cursor-42")
	})
	inTx(t, db, func(tx *sql.Tx) error {
		return db.ResetCursorTx(ctx, tx, "contacts")
	})

	cursor, err := db.GetCursor(ctx, "contacts")
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "" {
		t.Errorf("cursor = %q after reset, want empty", cursor)
	}
}

func TestStampPushSync(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.StampPushSync(ctx, "contacts"); err != nil {
		t.Fatalf("StampPushSync() error = %v", err)
	}

	status, err := db.GetTableStatus(ctx, "contacts")
	if err != nil {
		t.Fatal(err)
	}
	if status.LastPushSync.IsZero() {
		t.Error("LastPushSync should be stamped")
	}
}

func TestGetTableStatus_ZeroForUnknownTable(t *testing.T) {
	db := openTestDB(t)

	status, err := db.GetTableStatus(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetTableStatus() error = %v", err)
	}
	if status.Table != "nope" || status.Cursor != "" || !status.LastFullSync.IsZero() {
		t.Errorf("GetTableStatus() = %+v, want zero row", status)
	}
}
