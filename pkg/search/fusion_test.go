package search

import (
	"math"
	"reflect"
	"testing"

	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
)

func ranking(signal string, ids ...string) Ranking {
	r := Ranking{Signal: signal}
	for i, id := range ids {
		r.Items = append(r.Items, Item{ID: id, Kind: common.ResultKindChunk, Score: float64(len(ids) - i)})
	}
	return r
}

func ids(results []common.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestFuse_TopInEverySignalWins(t *testing.T) {
	rankings := []Ranking{
		ranking("vector", "x", "a", "b", "c"),
		ranking("keyword", "x", "c", "a"),
		ranking("graph", "x", "b"),
	}
	got := Fuse(rankings, 60)
	if got[0].ID != "x" {
		t.Fatalf("expected x first, got %v", ids(got))
	}
	want := 3.0 / 61
	if math.Abs(got[0].Score-want) > 1e-12 {
		t.Fatalf("score = %v, want %v", got[0].Score, want)
	}
	if len(got[0].SourceScores) != 3 {
		t.Fatalf("source scores = %v", got[0].SourceScores)
	}
}

func TestFuse_Deterministic(t *testing.T) {
	rankings := []Ranking{
		ranking("vector", "d", "b", "a"),
		ranking("keyword", "a", "e", "d"),
	}
	first := Fuse(rankings, 0)
	for range 20 {
		if again := Fuse(rankings, 0); !reflect.DeepEqual(first, again) {
			t.Fatalf("fusion is not deterministic: %v vs %v", ids(first), ids(again))
		}
	}
	if !reflect.DeepEqual(ids(first), []string{"a", "d", "b", "e"}) {
		t.Fatalf("order = %v", ids(first))
	}
}

func TestFuse_TieBreaks(t *testing.T) {
	// Equal fused scores at the same best rank fall back to id order.
	got := Fuse([]Ranking{ranking("vector", "b"), ranking("keyword", "a")}, 60)
	if !reflect.DeepEqual(ids(got), []string{"a", "b"}) {
		t.Fatalf("order = %v", ids(got))
	}
	if got[0].Score != got[1].Score {
		t.Fatalf("expected equal scores, got %v and %v", got[0].Score, got[1].Score)
	}
}

func TestFuse_DefaultK(t *testing.T) {
	rankings := []Ranking{ranking("vector", "a", "b")}
	if !reflect.DeepEqual(Fuse(rankings, 0), Fuse(rankings, DefaultRRFK)) {
		t.Fatal("k <= 0 should use the default")
	}
	if !reflect.DeepEqual(Fuse(rankings, -1), Fuse(rankings, DefaultRRFK)) {
		t.Fatal("k <= 0 should use the default")
	}
}

func TestFuse_DuplicateKeepsBestRank(t *testing.T) {
	r := Ranking{Signal: "vector", Items: []Item{
		{ID: "a", Score: 0.9},
		{ID: "b", Score: 0.8},
		{ID: "a", Score: 0.1},
	}}
	got := Fuse([]Ranking{r}, 60)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %v", ids(got))
	}
	if got[0].ID != "a" || got[0].Score != 1.0/61 || got[0].SourceScores["vector"] != 0.9 {
		t.Fatalf("unexpected first result %+v", got[0])
	}
}

func TestFuse_Empty(t *testing.T) {
	if got := Fuse(nil, 60); len(got) != 0 {
		t.Fatalf("expected no results, got %v", got)
	}
}
