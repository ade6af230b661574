package index

import (
	"errors"
	"testing"
)

func TestUpsertDimensionMismatch(t *testing.T) {
	x := New(4)
	err := x.Upsert(1, []float32{1, 0, 0}, KindObligation)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if x.Len() != 0 {
		t.Error("index changed after rejected upsert")
	}
	if _, err := x.Search([]float32{1, 0}, 3, ""); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("search with wrong dimension: got %v", err)
	}
}

func TestSearchTopK(t *testing.T) {
	x := New(2)
	vectors := map[int64][]float32{
		1: {1, 0},
		2: {0.9, 0.1},
		3: {0, 1},
		4: {0.5, 0.5},
		5: {-1, 0},
	}
	for id, v := range vectors {
		if err := x.Upsert(id, v, KindObligation); err != nil {
			t.Fatalf("Upsert(%d): %v", id, err)
		}
	}

	got, err := x.Search([]float32{1, 0}, 3, KindObligation)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d results, want exactly 3", len(got))
	}

	// Sorted by ascending cosine distance: 1 (identical), 2, then 4.
	wantIDs := []int64{1, 2, 4}
	for i, w := range wantIDs {
		if got[i].EntityID != w {
			t.Errorf("result[%d].EntityID = %d, want %d", i, got[i].EntityID, w)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].Distance < got[i-1].Distance {
			t.Error("results not sorted by ascending distance")
		}
	}
}

func TestSearchTieBreakByEntityID(t *testing.T) {
	x := New(2)
	// Same direction, different magnitude: identical cosine distance.
	for _, id := range []int64{30, 10, 20} {
		if err := x.Upsert(id, []float32{float32(id), 0}, KindObligation); err != nil {
			t.Fatal(err)
		}
	}
	got, err := x.Search([]float32{1, 0}, 3, "")
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{10, 20, 30}
	for i, w := range want {
		if got[i].EntityID != w {
			t.Fatalf("tie order = %v, want %v", got, want)
		}
	}
}

func TestSearchKindFilter(t *testing.T) {
	x := New(2)
	if err := x.Upsert(1, []float32{1, 0}, KindObligation); err != nil {
		t.Fatal(err)
	}
	if err := x.Upsert(2, []float32{1, 0}, KindClause); err != nil {
		t.Fatal(err)
	}

	got, err := x.Search([]float32{1, 0}, 10, KindClause)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].EntityID != 2 {
		t.Errorf("kind filter returned %v, want only entity 2", got)
	}
}

func TestUpsertSameIDDifferentKind(t *testing.T) {
	// Obligation and clause IDs come from separate sequences, so the same
	// numeric ID must be storable under both kinds without clobbering.
	x := New(2)
	if err := x.Upsert(1, []float32{1, 0}, KindObligation); err != nil {
		t.Fatal(err)
	}
	if err := x.Upsert(1, []float32{0, 1}, KindClause); err != nil {
		t.Fatal(err)
	}
	if x.Len() != 2 {
		t.Fatalf("Len = %d, want 2 records", x.Len())
	}

	got, err := x.Search([]float32{1, 0}, 10, KindObligation)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].EntityID != 1 || got[0].Distance > 1e-9 {
		t.Fatalf("obligation record lost after clause upsert: %v", got)
	}

	got, err = x.Search([]float32{0, 1}, 10, KindClause)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Distance > 1e-9 {
		t.Fatalf("clause record missing: %v", got)
	}
}

func TestUpsertReplaces(t *testing.T) {
	x := New(2)
	if err := x.Upsert(1, []float32{1, 0}, KindObligation); err != nil {
		t.Fatal(err)
	}
	if err := x.Upsert(1, []float32{0, 1}, KindObligation); err != nil {
		t.Fatal(err)
	}
	if x.Len() != 1 {
		t.Fatalf("Len = %d after replacing upsert, want 1", x.Len())
	}
	got, err := x.Search([]float32{0, 1}, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Distance > 1e-9 {
		t.Errorf("replaced vector not used in search: %v", got)
	}
}
