package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
)

func fastRemote(url string) *RemoteBackend {
	b := NewRemoteBackend(url, nil)
	b.backoff = util.Backoff{MaxAttempts: 2, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1}
	return b
}

func TestRemoteBackend_MatchesLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ClusterPath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h, err := NewLocalBackend().Cluster(r.Context(), req.Graph(), req.Params)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(h)
	}))
	defer srv.Close()

	g := twoTriangles()
	want, err := NewLocalBackend().Cluster(context.Background(), g, DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	got, err := fastRemote(srv.URL).Cluster(context.Background(), g, DefaultParams())
	if err != nil {
		t.Fatalf("Cluster() error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("remote = %+v, local = %+v", got, want)
	}
}

func TestRemoteBackend_RetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := fastRemote(srv.URL).Cluster(context.Background(), twoTriangles(), DefaultParams())
	if !errors.Is(err, ErrClusteringFailure) {
		t.Fatalf("expected ErrClusteringFailure, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestRemoteBackend_NoRetryOnBadRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := fastRemote(srv.URL).Cluster(context.Background(), twoTriangles(), DefaultParams())
	if !errors.Is(err, ErrClusteringFailure) {
		t.Fatalf("expected ErrClusteringFailure, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls.Load())
	}
}

func TestRemoteBackend_RejectsInvalidPartition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Hierarchy{Levels: []Level{
			{Level: 0, Communities: [][]string{{"a", "b", "c"}}},
		}})
	}))
	defer srv.Close()

	_, err := fastRemote(srv.URL).Cluster(context.Background(), twoTriangles(), DefaultParams())
	if !errors.Is(err, ErrClusteringFailure) {
		t.Fatalf("expected ErrClusteringFailure, got %v", err)
	}
}

func TestNewBackend(t *testing.T) {
	if b, err := NewBackend(ModeLocal, "", nil); err != nil || b == nil {
		t.Fatalf("local backend: %v", err)
	}
	if _, err := NewBackend(ModeRemote, "", nil); err == nil {
		t.Fatal("expected error for remote backend without url")
	}
	if _, err := NewBackend("spectral", "", nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
