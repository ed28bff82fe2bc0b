package repository

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/photodump/internal/model"
	"github.com/hitoshi/photodump/internal/supabase"
)

type staticToken string

func (s staticToken) AccessToken() string { return string(s) }

func newTestRESTRepo(t *testing.T, h http.HandlerFunc) *RESTProfileRepo {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return NewRESTProfileRepo(
		supabase.Endpoint{BaseURL: server.URL, AnonKey: "anon-key"},
		server.Client(),
		staticToken("user-token"),
	)
}

func TestRESTProfileRepo_FindByID_ReturnsRow(t *testing.T) {
	repo := newTestRESTRepo(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/rest/v1/profiles" {
			t.Errorf("path = %s, want /rest/v1/profiles", r.URL.Path)
		}
		if got := r.URL.Query().Get("id"); got != "eq.user-1" {
			t.Errorf("id filter = %q, want eq.user-1", got)
		}
		if got := r.URL.Query().Get("select"); got != profileColumns {
			t.Errorf("select = %q, want %q", got, profileColumns)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
			t.Errorf("Authorization = %q, want Bearer user-token", got)
		}
		if got := r.Header.Get("apikey"); got != "anon-key" {
			t.Errorf("apikey = %q, want anon-key", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"user-1","display_name":"Jane Doe","email":"jane@example.com","photo_url":null,"updated_at":"2025-08-09T14:41:00+00:00"}]`))
	})

	p, err := repo.FindByID(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if p == nil {
		t.Fatal("expected profile, got nil")
	}
	if p.DisplayName != "Jane Doe" {
		t.Errorf("DisplayName = %q, want Jane Doe", p.DisplayName)
	}
	if p.PhotoURL != nil {
		t.Errorf("PhotoURL = %v, want nil", *p.PhotoURL)
	}
	if p.UpdatedAt == nil {
		t.Error("UpdatedAt should be parsed")
	}
}

func TestRESTProfileRepo_FindByID_EmptyResultReturnsNil(t *testing.T) {
	repo := newTestRESTRepo(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	p, err := repo.FindByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil profile, got %+v", p)
	}
}

func TestRESTProfileRepo_FindByID_ErrorStatus(t *testing.T) {
	repo := newTestRESTRepo(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"JWT expired","code":"PGRST301"}`))
	})

	_, err := repo.FindByID(context.Background(), "user-1")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "PGRST301") || !strings.Contains(err.Error(), "JWT expired") {
		t.Errorf("error = %q, want PostgREST code and message", err.Error())
	}
}

func TestRESTProfileRepo_SignedOutUsesAnonKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer anon-key" {
			t.Errorf("Authorization = %q, want Bearer anon-key", got)
		}
		w.Write([]byte(`[]`))
	}))
	t.Cleanup(server.Close)
	repo := NewRESTProfileRepo(
		supabase.Endpoint{BaseURL: server.URL, AnonKey: "anon-key"},
		server.Client(),
		staticToken(""),
	)

	if _, err := repo.FindByID(context.Background(), "user-1"); err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
}

func TestRESTProfileRepo_UsesInjectedTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	t.Cleanup(server.Close)

	var calls atomic.Int32
	httpClient := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return http.DefaultTransport.RoundTrip(req)
	})}
	repo := NewRESTProfileRepo(supabase.Endpoint{BaseURL: server.URL, AnonKey: "anon-key"}, httpClient, staticToken("user-token"))

	if _, err := repo.FindByID(context.Background(), "user-1"); err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("transport calls = %d, want 1", calls.Load())
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestRESTProfileRepo_Upsert_SendsMergeDuplicates(t *testing.T) {
	repo := newTestRESTRepo(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Prefer"); got != "resolution=merge-duplicates,return=representation" {
			t.Errorf("Prefer = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if body["id"] != "user-1" || body["display_name"] != "Jane Doe" {
			t.Errorf("unexpected body: %v", body)
		}
		if v, ok := body["photo_url"]; !ok || v != nil {
			t.Errorf("photo_url = %v, want explicit null", v)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`[{"id":"user-1","display_name":"Jane Doe","email":"jane@example.com","photo_url":null}]`))
	})

	saved, err := repo.Upsert(context.Background(), &model.Profile{
		ID:          "user-1",
		DisplayName: "Jane Doe",
		Email:       "jane@example.com",
	})
	if err != nil {
		t.Fatalf("Upsert returned error: %v", err)
	}
	if saved.ID != "user-1" || saved.Email != "jane@example.com" {
		t.Errorf("saved = %+v", saved)
	}
}

func TestRESTProfileRepo_Update_SendsOnlySetFields(t *testing.T) {
	updatedAt := time.Date(2025, 8, 9, 14, 41, 0, 0, time.UTC)
	repo := newTestRESTRepo(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		if got := r.URL.Query().Get("id"); got != "eq.user-1" {
			t.Errorf("id filter = %q, want eq.user-1", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if body["display_name"] != "Jane" {
			t.Errorf("display_name = %v, want Jane", body["display_name"])
		}
		if _, ok := body["photo_url"]; ok {
			t.Error("photo_url should not be sent")
		}
		if body["updated_at"] != "2025-08-09T14:41:00Z" {
			t.Errorf("updated_at = %v", body["updated_at"])
		}
		w.WriteHeader(http.StatusNoContent)
	})

	name := "Jane"
	err := repo.Update(context.Background(), "user-1", model.ProfileUpdate{
		DisplayName: &name,
		UpdatedAt:   updatedAt,
	})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
}
