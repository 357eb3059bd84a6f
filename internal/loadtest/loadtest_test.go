package loadtest

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adrata/desktop-sync/internal/conflict"
	"github.com/adrata/desktop-sync/internal/engine"
	"github.com/adrata/desktop-sync/internal/record"
	"github.com/adrata/desktop-sync/internal/remote"
	"github.com/adrata/desktop-sync/internal/syncdb"
	"github.com/adrata/desktop-sync/internal/tracker"
)

// flakyEndpoint accepts optimistically versioned pushes but fails a fraction
// of requests with 503 to simulate an unreliable connection.
type flakyEndpoint struct {
	mu       sync.Mutex
	versions map[string]int64
	rng      *rand.Rand
	failRate float64
}

func (f *flakyEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req struct {
		ExpectedVersion int64 `json:"expected_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/v1/sync/")

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rng.Float64() < f.failRate {
		http.Error(w, "flaky", http.StatusServiceUnavailable)
		return
	}
	current := f.versions[key]
	if req.ExpectedVersion != current {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]int64{"current_version": current})
		return
	}
	f.versions[key] = current + 1
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"new_version": current + 1})
}

type soakStack struct {
	harness *Harness
	engine  *engine.Engine
	db      *syncdb.DB
}

func newSoakStack(t *testing.T, numRecords int, failRate float64) *soakStack {
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
	if err := registry.Register("soak", record.NewDocumentCodec("soak")); err != nil {
		t.Fatal(err)
	}
	locks := syncdb.NewRecordLocks()
	trk := tracker.New(db, registry, locks, nil)

	endpoint := &flakyEndpoint{
		versions: make(map[string]int64),
		rng:      rand.New(rand.NewSource(1)),
		failRate: failRate,
	}
	srv := httptest.NewServer(endpoint)
	t.Cleanup(srv.Close)
	client, err := remote.NewClient(remote.Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	policies, err := conflict.NewPolicyStore("", nil)
	if err != nil {
		t.Fatal(err)
	}
	resolver := conflict.NewResolver(db, registry, locks, policies, trk.Notify, nil)

	cfg := engine.Config{
		RetryCeiling: 100,
		BackoffBase:  5 * time.Millisecond,
		BackoffCap:   20 * time.Millisecond,
	}
	eng := engine.New(db, registry, locks, trk, client, resolver, cfg, nil)

	return &soakStack{
		harness: New(db, trk, "soak", numRecords),
		engine:  eng,
		db:      db,
	}
}

func TestConcurrentWriters_LocalLatencyUnaffectedByEndpoint(t *testing.T) {
	// No engine running and no endpoint reachable: local writes must still
	// land with flat latency.
	s := newSoakStack(t, 8, 1.0)
	ctx := context.Background()

	stats, err := s.harness.RunConcurrentWriters(ctx, 4, 25)
	if err != nil {
		t.Fatalf("RunConcurrentWriters() error = %v", err)
	}
	if stats.TotalWrites != 100 {
		t.Errorf("TotalWrites = %d, want 100", stats.TotalWrites)
	}
	if stats.Errors != 0 {
		t.Errorf("Errors = %d, want 0", stats.Errors)
	}

	queue, err := s.db.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if queue.Pending != 100 {
		t.Errorf("queue pending = %d, every write should be queued", queue.Pending)
	}

	if err := s.harness.VerifyConsistency(ctx); err != nil {
		t.Errorf("VerifyConsistency() error = %v", err)
	}
}

func TestDrainToConvergence_FlakyEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("soak test")
	}
	s := newSoakStack(t, 5, 0.2)
	ctx := context.Background()

	if _, err := s.harness.RunConcurrentWriters(ctx, 3, 10); err != nil {
		t.Fatalf("RunConcurrentWriters() error = %v", err)
	}

	stats, err := s.harness.DrainToConvergence(ctx, s.engine, 30*time.Second)
	if err != nil {
		t.Fatalf("DrainToConvergence() error = %v", err)
	}
	if stats.Pending != 0 || stats.InProgress != 0 {
		t.Errorf("queue = %+v after drain, want no outstanding work", stats)
	}
	if stats.Failed != 0 {
		t.Errorf("queue has %d failed entries, transient flakiness should never quarantine", stats.Failed)
	}

	if err := s.harness.VerifyConsistency(ctx); err != nil {
		t.Errorf("VerifyConsistency() error = %v", err)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[i] = time.Duration(i+1) * time.Millisecond
	}
	// Shuffle so the sort inside the computation is exercised.
	rand.New(rand.NewSource(2)).Shuffle(len(durations), func(i, j int) {
		durations[i], durations[j] = durations[j], durations[i]
	})

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("min/max = %s/%s", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %s", stats.P50)
	}
	if stats.P95 != 96*time.Millisecond {
		t.Errorf("P95 = %s", stats.P95)
	}
	if stats.TotalWrites != 100 {
		t.Errorf("TotalWrites = %d", stats.TotalWrites)
	}
}
