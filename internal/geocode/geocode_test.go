package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

const searchBody = `{"features":[{"properties":{"label":"Central Library, Springfield"},"geometry":{"coordinates":[-122.41,37.77]}}]}`

func TestResolveReturnsBestMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/geocode/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("text"); got != "central library" {
			t.Errorf("unexpected text %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(searchBody))
	}))
	defer srv.Close()

	g := NewORSGeocoder(srv.URL, "test-key")
	dest, err := g.Resolve(context.Background(), "  central   library ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dest.Name != "Central Library, Springfield" {
		t.Fatalf("unexpected name %q", dest.Name)
	}
	if dest.Coord.Lat != 37.77 || dest.Coord.Lng != -122.41 {
		t.Fatalf("unexpected coord %+v", dest.Coord)
	}
}

func TestResolveRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(searchBody))
	}))
	defer srv.Close()

	g := NewORSGeocoder(srv.URL, "")
	if _, err := g.Resolve(context.Background(), "central library"); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestResolveDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusForbidden)
	}))
	defer srv.Close()

	g := NewORSGeocoder(srv.URL, "wrong")
	if _, err := g.Resolve(context.Background(), "anywhere"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retry on 403, got %d attempts", calls.Load())
	}
}

func TestResolveNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"features":[]}`))
	}))
	defer srv.Close()

	g := NewORSGeocoder(srv.URL, "")
	if _, err := g.Resolve(context.Background(), "nowhere at all"); err == nil {
		t.Fatal("expected error for empty result set")
	}
}
