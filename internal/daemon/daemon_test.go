package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/adrata/desktop-sync/internal/config"
	"github.com/adrata/desktop-sync/internal/record"
)

func testConfig(t *testing.T, remoteURL string) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "sync.db")
	cfg.RemoteURL = remoteURL
	cfg.Tables = []string{"contacts"}
	cfg.DashboardAddr = "127.0.0.1:0"
	cfg.PushInterval = 20 * time.Millisecond
	cfg.PullInterval = 20 * time.Millisecond
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffCap = 50 * time.Millisecond
	return cfg
}

func TestNew_RejectsIncompleteConfig(t *testing.T) {
	cfg := testConfig(t, "")
	if _, err := New(cfg); err == nil {
		t.Error("New() should fail without a remote URL")
	}
}

func TestDaemon_StartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]int64{"new_version": 1})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"changes": []any{}, "has_more": false})
	}))
	defer srv.Close()

	d, err := New(testConfig(t, srv.URL))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	// The running daemon accepts local edits through its tracker.
	time.Sleep(100 * time.Millisecond)
	err = d.Tracker().Apply(context.Background(), record.Op{
		Table: "contacts", RecordID: "c-1", Kind: record.OpUpdate,
		Payload: json.RawMessage(`{"name":"Ada"}`),
	})
	if err != nil {
		t.Fatalf("Apply() through running daemon failed: %v", err)
	}

	// The background push worker should deliver the edit.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		meta, err := d.DB().GetMeta(context.Background(), "contacts", "c-1")
		if err == nil && !meta.IsDirty {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	meta, err := d.DB().GetMeta(context.Background(), "contacts", "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.IsDirty {
		t.Error("record still dirty, background push did not run")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v on shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestDaemon_StatusThroughLedger(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d, err := New(testConfig(t, srv.URL))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer d.Stop()

	snap, err := d.Ledger().Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(snap.Tables) != 1 || snap.Tables[0].Table != "contacts" {
		t.Errorf("snapshot tables = %+v", snap.Tables)
	}
}
