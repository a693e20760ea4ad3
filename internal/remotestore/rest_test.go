package remotestore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pelago-hub/hubd/internal/entity"
)

func TestListPendingCommandsSendsExpectedFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "eq.pending" {
			t.Errorf("expected status=eq.pending, got %q", r.URL.Query().Get("status"))
		}
		if r.URL.Query().Get("order") != "created_at.asc" {
			t.Errorf("expected order=created_at.asc, got %q", r.URL.Query().Get("order"))
		}
		_ = json.NewEncoder(w).Encode([]CommandRow{{ID: "c1", DeviceID: "d1", Status: "pending"}})
	}))
	defer srv.Close()

	c := NewRESTClient(Config{BaseURL: srv.URL, APIKey: "key"})
	rows, err := c.ListPendingCommands(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "c1" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestClaimCommandReturnsFalseWhenAlreadyClaimed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]CommandRow{})
	}))
	defer srv.Close()

	c := NewRESTClient(Config{BaseURL: srv.URL, APIKey: "key"})
	claimed, err := c.ClaimCommand(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed {
		t.Fatalf("expected claim to fail when no row matches")
	}
}

func TestClaimCommandReturnsTrueOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		_ = json.NewEncoder(w).Encode([]CommandRow{{ID: "c1", Status: "processing"}})
	}))
	defer srv.Close()

	c := NewRESTClient(Config{BaseURL: srv.URL, APIKey: "key"})
	claimed, err := c.ClaimCommand(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Fatalf("expected claim to succeed")
	}
}

func TestDoReturnsErrorOnStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"boom"}`))
	}))
	defer srv.Close()

	c := NewRESTClient(Config{BaseURL: srv.URL, APIKey: "key"})
	_, err := c.ListPendingCommands(context.Background())
	if err == nil {
		t.Fatalf("expected an error for a 500 response")
	}
}

func TestCompleteCoalescedCommandSendsCoalescedAnnotation(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("expected PATCH, got %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	c := NewRESTClient(Config{BaseURL: srv.URL, APIKey: "key"})
	if err := c.CompleteCoalescedCommand(context.Background(), "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body["status"] != "completed" {
		t.Fatalf("expected status=completed, got %v", body["status"])
	}
	if body["coalesced"] != true {
		t.Fatalf("expected coalesced=true, got %v", body["coalesced"])
	}
}

func TestUpsertStateSendsMergeDuplicatesPreference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Prefer") != "resolution=merge-duplicates" {
			t.Errorf("expected merge-duplicates preference, got %q", r.Header.Get("Prefer"))
		}
	}))
	defer srv.Close()

	c := NewRESTClient(Config{BaseURL: srv.URL, APIKey: "key"})
	err := c.UpsertState(context.Background(), &entity.State{EntityID: "e1", UpdatedAt: time.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
