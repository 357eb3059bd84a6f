package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adrata/desktop-sync/internal/record"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Error("NewClient with empty base URL should fail")
	}
}

func TestPush_Accepted(t *testing.T) {
	var gotBody pushRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/sync/contacts/c-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode push body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pushResponse{NewVersion: 4})
	}))

	newVersion, err := client.Push(context.Background(), "contacts", "c-1",
		record.OpUpdate, json.RawMessage(`{"name":"Ada"}`), 3, "src-1", "batch-9")
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if newVersion != 4 {
		t.Errorf("new version = %d, want 4", newVersion)
	}
	if gotBody.Op != "update" || gotBody.ExpectedVersion != 3 || gotBody.SourceID != "src-1" {
		t.Errorf("push body = %+v", gotBody)
	}
	if gotBody.BatchID != "batch-9" {
		t.Errorf("BatchID = %q, want batch-9", gotBody.BatchID)
	}
}

func TestPush_VersionMismatch(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(mismatchResponse{
			CurrentVersion: 7,
			Payload:        json.RawMessage(`{"name":"Grace"}`),
		})
	}))

	_, err := client.Push(context.Background(), "contacts", "c-1",
		record.OpUpdate, json.RawMessage(`{"name":"Ada"}`), 3, "src-1", "batch-9")

	var mismatch *VersionMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Push() error = %v, want *VersionMismatchError", err)
	}
	if mismatch.CurrentVersion != 7 {
		t.Errorf("CurrentVersion = %d, want 7", mismatch.CurrentVersion)
	}
	if string(mismatch.Payload) != `{"name":"Grace"}` {
		t.Errorf("Payload = %s", mismatch.Payload)
	}
	if IsTransient(err) {
		t.Error("version mismatch must not be classified transient")
	}
}

func TestPush_ServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))

	_, err := client.Push(context.Background(), "contacts", "c-1",
		record.OpUpdate, json.RawMessage(`{}`), 0, "src-1", "batch-9")
	if !IsTransient(err) {
		t.Errorf("5xx error should be transient, got %v", err)
	}
}

func TestPush_ThrottlingIsTransient(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))

	_, err := client.Push(context.Background(), "contacts", "c-1",
		record.OpUpdate, json.RawMessage(`{}`), 0, "src-1", "batch-9")
	if !IsTransient(err) {
		t.Errorf("429 should be transient, got %v", err)
	}
}

func TestPush_ClientErrorIsPermanent(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))

	_, err := client.Push(context.Background(), "contacts", "c-1",
		record.OpUpdate, json.RawMessage(`{}`), 0, "src-1", "batch-9")
	if err == nil {
		t.Fatal("Push() should fail on 400")
	}
	if IsTransient(err) {
		t.Error("4xx error must not be transient")
	}
}

func TestPush_NetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	_, err = client.Push(context.Background(), "contacts", "c-1",
		record.OpUpdate, json.RawMessage(`{}`), 0, "src-1", "batch-9")
	if !IsTransient(err) {
		t.Errorf("network failure should be transient, got %v", err)
	}
}

func TestPull_DecodesBatch(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sync/contacts" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("after"); got != "cur-5" {
			t.Errorf("after = %q, want cur-5", got)
		}
		if got := r.URL.Query().Get("limit"); got != "100" {
			t.Errorf("limit = %q, want 100", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PullBatch{
			Changes: []Change{
				{RecordID: "c-1", Version: 2, Payload: json.RawMessage(`{"name":"Ada"}`)},
				{RecordID: "c-2", Version: 1, Deleted: true},
			},
			NextCursor: "cur-7",
			HasMore:    true,
		})
	}))

	batch, err := client.Pull(context.Background(), "contacts", "cur-5", 100)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if len(batch.Changes) != 2 || batch.NextCursor != "cur-7" || !batch.HasMore {
		t.Errorf("batch = %+v", batch)
	}
	if !batch.Changes[1].Deleted {
		t.Error("second change should be a delete")
	}
}

func TestFetch_NotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := client.Fetch(context.Background(), "contacts", "missing")
	if !errors.Is(err, record.ErrNotFound) {
		t.Errorf("Fetch() error = %v, want record.ErrNotFound", err)
	}
}

func TestHealth(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}

func TestAuthToken_SentAsBearer(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, AuthToken: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Health(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want Bearer secret", gotAuth)
	}
}
