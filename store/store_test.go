//go:build cgo

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

// ---------------------------------------------------------------------------
// Generation lifecycle
// ---------------------------------------------------------------------------

func TestGenerationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateGeneration(ctx, "2026-Q1", "procurement-law.pdf")
	if err != nil {
		t.Fatalf("creating generation: %v", err)
	}

	g, err := s.GetGenerationByVersion(ctx, "2026-Q1")
	if err != nil {
		t.Fatalf("getting generation: %v", err)
	}
	if g.Status != StatusPending {
		t.Fatalf("new generation status = %q, want pending", g.Status)
	}
	if g.SourceName != "procurement-law.pdf" {
		t.Fatalf("source name = %q", g.SourceName)
	}

	// Nothing published yet.
	if _, err := s.LatestPublishedGeneration(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before publish, got %v", err)
	}

	if err := s.PublishGeneration(ctx, id); err != nil {
		t.Fatalf("publishing: %v", err)
	}

	latest, err := s.LatestPublishedGeneration(ctx)
	if err != nil {
		t.Fatalf("latest published: %v", err)
	}
	if latest.ID != id || latest.Status != StatusPublished {
		t.Fatalf("latest = %+v", latest)
	}
	if latest.PublishedAt == "" {
		t.Fatal("published_at not recorded")
	}

	// Re-publishing is rejected.
	if err := s.PublishGeneration(ctx, id); err == nil {
		t.Fatal("expected error publishing an already published generation")
	}
}

func TestDuplicateVersionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateGeneration(ctx, "v1", ""); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := s.CreateGeneration(ctx, "v1", ""); err == nil {
		t.Fatal("expected unique constraint violation for duplicate version")
	}
}

func TestPreviousPublishedGeneration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1, _ := s.CreateGeneration(ctx, "v1", "")
	v2, _ := s.CreateGeneration(ctx, "v2", "")
	if err := s.PublishGeneration(ctx, v1); err != nil {
		t.Fatal(err)
	}

	prev, err := s.PreviousPublishedGeneration(ctx, v2)
	if err != nil {
		t.Fatalf("previous published: %v", err)
	}
	if prev.ID != v1 {
		t.Fatalf("previous = %d, want %d", prev.ID, v1)
	}

	if _, err := s.PreviousPublishedGeneration(ctx, v1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first generation, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Obligations and edges
// ---------------------------------------------------------------------------

func sampleObligations() []Obligation {
	return []Obligation{
		{SourcePath: "3.1", Subject: "bidder", Requirement: "submit a bid bond of 2%", Severity: "mandatory"},
		{SourcePath: "3.2", Subject: "bidder", Condition: "if the bid exceeds threshold", Requirement: "keep the bid valid for 90 days", Severity: "recommended"},
	}
}

func TestInsertAndQueryObligations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	genID, _ := s.CreateGeneration(ctx, "v1", "")
	ids, err := s.InsertObligations(ctx, genID, sampleObligations())
	if err != nil {
		t.Fatalf("inserting obligations: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d ids", len(ids))
	}

	obs, err := s.ObligationsByGeneration(ctx, genID)
	if err != nil {
		t.Fatalf("querying obligations: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("got %d obligations", len(obs))
	}
	if obs[0].SourcePath != "3.1" || obs[1].SourcePath != "3.2" {
		t.Fatalf("insertion order not preserved: %+v", obs)
	}
	if obs[1].Condition != "if the bid exceeds threshold" {
		t.Fatalf("condition = %q", obs[1].Condition)
	}

	got, err := s.GetObligation(ctx, ids[0])
	if err != nil {
		t.Fatalf("get obligation: %v", err)
	}
	if got.Requirement != "submit a bid bond of 2%" {
		t.Fatalf("requirement = %q", got.Requirement)
	}

	byPath, err := s.FindObligationByPath(ctx, genID, "3.2")
	if err != nil {
		t.Fatalf("find by path: %v", err)
	}
	if byPath.ID != ids[1] {
		t.Fatalf("by path id = %d, want %d", byPath.ID, ids[1])
	}
	if _, err := s.FindObligationByPath(ctx, genID, "9.9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing path, got %v", err)
	}
}

func TestInsertAndQueryEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	genID, _ := s.CreateGeneration(ctx, "v1", "")
	ids, err := s.InsertObligations(ctx, genID, sampleObligations())
	if err != nil {
		t.Fatal(err)
	}

	edges := []Edge{
		{FromObligation: ids[1], ToObligation: ids[0], Kind: "depends_on"},
		{FromObligation: ids[0], ToObligation: 999, Kind: "supersedes"}, // prior-generation endpoint
	}
	if err := s.InsertEdges(ctx, genID, edges); err != nil {
		t.Fatalf("inserting edges: %v", err)
	}

	got, err := s.EdgesByGeneration(ctx, genID)
	if err != nil {
		t.Fatalf("querying edges: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d edges", len(got))
	}
	if got[0].Kind != "depends_on" || got[1].ToObligation != 999 {
		t.Fatalf("edges = %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Embeddings
// ---------------------------------------------------------------------------

func TestEmbeddingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	genID, _ := s.CreateGeneration(ctx, "v1", "")
	ids, err := s.InsertObligations(ctx, genID, sampleObligations())
	if err != nil {
		t.Fatal(err)
	}

	vecs := [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}
	for i, id := range ids {
		if err := s.InsertObligationEmbedding(ctx, id, vecs[i]); err != nil {
			t.Fatalf("inserting embedding %d: %v", i, err)
		}
	}

	got, err := s.EmbeddingsByGeneration(ctx, genID)
	if err != nil {
		t.Fatalf("loading embeddings: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d embeddings", len(got))
	}
	for i, id := range ids {
		for j, f := range vecs[i] {
			if got[id][j] != f {
				t.Fatalf("embedding %d mismatch: %v vs %v", id, got[id], vecs[i])
			}
		}
	}
}

func TestEmbeddingDimensionEnforced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	genID, _ := s.CreateGeneration(ctx, "v1", "")
	ids, _ := s.InsertObligations(ctx, genID, sampleObligations()[:1])

	if err := s.InsertObligationEmbedding(ctx, ids[0], []float32{1, 2}); err == nil {
		t.Fatal("expected dimension error for 2-dim vector in 4-dim store")
	}
	if _, err := s.VectorSearch(ctx, []float32{1, 2}, 3); err == nil {
		t.Fatal("expected dimension error for 2-dim query")
	}
}

func TestVectorSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	genID, _ := s.CreateGeneration(ctx, "v1", "")
	ids, err := s.InsertObligations(ctx, genID, sampleObligations())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InsertObligationEmbedding(ctx, ids[0], []float32{1, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertObligationEmbedding(ctx, ids[1], []float32{0, 1, 0, 0}); err != nil {
		t.Fatal(err)
	}

	matches, err := s.VectorSearch(ctx, []float32{0.9, 0.1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches", len(matches))
	}
	if matches[0].ObligationID != ids[0] {
		t.Fatalf("nearest = %d, want %d", matches[0].ObligationID, ids[0])
	}
	if matches[0].Distance > matches[1].Distance {
		t.Fatal("matches not ordered by distance")
	}
}

// ---------------------------------------------------------------------------
// Review runs and verdicts
// ---------------------------------------------------------------------------

func TestReviewRunAndVerdicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	genID, _ := s.CreateGeneration(ctx, "v1", "")
	if err := s.PublishGeneration(ctx, genID); err != nil {
		t.Fatal(err)
	}

	runID, err := s.CreateReviewRun(ctx, genID, "tender-42.pdf")
	if err != nil {
		t.Fatalf("creating run: %v", err)
	}
	if runID == "" {
		t.Fatal("empty run id")
	}

	verdicts := []VerdictRow{
		{ClauseID: 1, ClausePath: "2.1", ObligationID: 10, Severity: "mandatory", Status: "violation", Rationale: "bond too low", Confidence: 0.9},
		{ClauseID: 2, ClausePath: "2.2", ObligationID: 11, Severity: "recommended", Status: "compliant", Confidence: 0.8},
	}
	if err := s.InsertVerdicts(ctx, runID, verdicts); err != nil {
		t.Fatalf("inserting verdicts: %v", err)
	}

	got, err := s.VerdictsByRun(ctx, runID)
	if err != nil {
		t.Fatalf("querying verdicts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d verdicts", len(got))
	}
	if got[0].Status != "violation" || got[0].Rationale != "bond too low" {
		t.Fatalf("verdict = %+v", got[0])
	}

	runs, err := s.ListReviewRuns(ctx)
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	if len(runs) != 1 || runs[0].DocumentName != "tender-42.pdf" {
		t.Fatalf("runs = %+v", runs)
	}
}

// ---------------------------------------------------------------------------
// Cleanup and stats
// ---------------------------------------------------------------------------

func TestDeleteGeneration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	genID, _ := s.CreateGeneration(ctx, "v1", "")
	ids, err := s.InsertObligations(ctx, genID, sampleObligations())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InsertObligationEmbedding(ctx, ids[0], []float32{1, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteGeneration(ctx, genID); err != nil {
		t.Fatalf("deleting generation: %v", err)
	}

	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Generations != 0 || stats.Obligations != 0 || stats.Embeddings != 0 {
		t.Fatalf("stats after delete = %+v", stats)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	in := []float32{1.5, -2.25, 0, 3.14159}
	out, err := deserializeFloat32(serializeFloat32(in))
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("round trip mismatch at %d: %v vs %v", i, in, out)
		}
	}

	if _, err := deserializeFloat32([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for misaligned blob")
	}
}
