//go:build cgo

package speccheck

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tenderlens/speccheck/llm"
	"github.com/tenderlens/speccheck/matcher"
)

const regulationText = `3. Financial Requirements

3.1 Bidders shall submit a bid bond of no less than 2% of the contract value.

3.2 Bids shall remain valid for at least 90 days from bid opening.
`

const tenderText = `2. Commercial Terms

2.1 A bid bond of 1% of the contract value will be provided.

2.2 Our bid remains valid for 120 days from bid opening.
`

// scriptedProvider answers chat calls from the last user message and embeds
// by keyword, so full pipeline runs are deterministic.
type scriptedProvider struct {
	chat func(prompt string) string
}

func (p *scriptedProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.chat == nil {
		return nil, errors.New("chat not scripted")
	}
	prompt := req.Messages[len(req.Messages)-1].Content
	return &llm.ChatResponse{Content: p.chat(prompt), FinishReason: "stop"}, nil
}

func (p *scriptedProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		lower := strings.ToLower(t)
		switch {
		case strings.Contains(lower, "bond"):
			out[i] = []float32{1, 0, 0, 0}
		case strings.Contains(lower, "valid"):
			out[i] = []float32{0, 1, 0, 0}
		default:
			out[i] = []float32{0, 0, 1, 0}
		}
	}
	return out, nil
}

// extractionScript turns regulation clause prompts into fixed-schema JSON.
func extractionScript(prompt string) string {
	switch {
	case strings.Contains(prompt, "bid bond of no less than 2%"):
		return `{"obligations": [{"subject": "bidder", "condition": "", "requirement": "submit a bid bond of no less than 2% of the contract value", "severity": "mandatory"}]}`
	case strings.Contains(prompt, "remain valid for at least 90 days"):
		return `{"obligations": [{"subject": "bidder", "condition": "", "requirement": "keep the bid valid for at least 90 days", "severity": "recommended"}]}`
	default:
		return `{"obligations": []}`
	}
}

// judgmentScript answers rubric prompts for the tender scenario.
func judgmentScript(prompt string) string {
	switch {
	case strings.Contains(prompt, "no less than 2%") && strings.Contains(prompt, "1% of the contract value"):
		return `{"status": "violation", "rationale": "bond is below the required minimum", "confidence": 0.9}`
	case strings.Contains(prompt, "at least 90 days") && strings.Contains(prompt, "120 days"):
		return `{"status": "compliant", "rationale": "validity exceeds the minimum", "confidence": 0.8}`
	default:
		return `{"status": "not_applicable", "rationale": "clause does not touch this obligation", "confidence": 0.6}`
	}
}

func newTestEngine(t *testing.T) Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	cfg.EmbeddingDim = 4
	cfg.ExtractConcurrency = 2
	cfg.ReviewConcurrency = 2

	stub := &scriptedProvider{}
	eng, err := New(cfg,
		WithProviders(
			&scriptedProvider{chat: extractionScript},
			&scriptedProvider{chat: judgmentScript},
			stub,
		))
	if err != nil {
		t.Fatalf("creating engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

var (
	lawDoc    = Document{Name: "procurement-law.txt", Text: regulationText}
	tenderDoc = Document{Name: "tender-42.txt", Text: tenderText}
)

func TestIngestAndReview(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	res, err := eng.IngestCorpus(ctx, lawDoc, "v1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Obligations != 2 {
		t.Fatalf("obligations = %d, want 2", res.Obligations)
	}
	if len(res.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failures)
	}

	rep, err := eng.ReviewDocument(ctx, tenderDoc)
	if err != nil {
		t.Fatalf("review: %v", err)
	}

	if rep.CorpusVersion != "v1" {
		t.Fatalf("corpus version = %q", rep.CorpusVersion)
	}
	if rep.RunID == "" {
		t.Fatal("run not persisted")
	}
	if rep.Summary.Violations.Mandatory != 1 {
		t.Fatalf("mandatory violations = %d, want 1\nsummary: %+v",
			rep.Summary.Violations.Mandatory, rep.Summary)
	}
	if rep.Summary.Compliant < 1 {
		t.Fatalf("compliant = %d, want >= 1", rep.Summary.Compliant)
	}

	// The bond clause must carry the violation verdict.
	var bondClause *int
	for i, c := range rep.Clauses {
		if c.Path == "2.1" {
			bondClause = &i
			break
		}
	}
	if bondClause == nil {
		t.Fatal("clause 2.1 missing from report")
	}
	found := false
	for _, v := range rep.Clauses[*bondClause].Verdicts {
		if v.Status == matcher.StatusViolation {
			found = true
		}
	}
	if !found {
		t.Fatalf("no violation verdict on clause 2.1: %+v", rep.Clauses[*bondClause].Verdicts)
	}

	// Verdicts were persisted under the run.
	rows, err := eng.Store().VerdictsByRun(ctx, rep.RunID)
	if err != nil {
		t.Fatalf("loading verdicts: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("no verdict rows persisted")
	}
}

func TestReviewIsIdempotent(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.IngestCorpus(ctx, lawDoc, "v1"); err != nil {
		t.Fatal(err)
	}

	a, err := eng.ReviewDocument(ctx, tenderDoc)
	if err != nil {
		t.Fatal(err)
	}
	b, err := eng.ReviewDocument(ctx, tenderDoc)
	if err != nil {
		t.Fatal(err)
	}

	if len(a.Clauses) != len(b.Clauses) {
		t.Fatalf("clause counts differ: %d vs %d", len(a.Clauses), len(b.Clauses))
	}
	for i := range a.Clauses {
		av, bv := a.Clauses[i].Verdicts, b.Clauses[i].Verdicts
		if len(av) != len(bv) {
			t.Fatalf("clause %s verdict counts differ", a.Clauses[i].Path)
		}
		for j := range av {
			if av[j].Status != bv[j].Status || av[j].ObligationID != bv[j].ObligationID {
				t.Fatalf("clause %s verdict %d differs: %+v vs %+v",
					a.Clauses[i].Path, j, av[j], bv[j])
			}
		}
	}
	if a.Summary != b.Summary {
		t.Fatalf("summaries differ: %+v vs %+v", a.Summary, b.Summary)
	}
}

func TestNewGenerationSupersedesPrevious(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	v1, err := eng.IngestCorpus(ctx, lawDoc, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if v1.Edges != 0 {
		t.Fatalf("v1 edges = %d, want 0", v1.Edges)
	}

	v2, err := eng.IngestCorpus(ctx, lawDoc, "v2")
	if err != nil {
		t.Fatal(err)
	}
	// Each v2 obligation shares a clause path with a v1 obligation, so each
	// gets a supersedes link backward.
	if v2.Edges != 2 {
		t.Fatalf("v2 edges = %d, want 2", v2.Edges)
	}

	edges, err := eng.Store().EdgesByGeneration(ctx, v2.GenerationID)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range edges {
		if e.Kind != "supersedes" {
			t.Fatalf("unexpected edge kind %q", e.Kind)
		}
	}

	// Reviews default to the newest published generation.
	rep, err := eng.ReviewDocument(ctx, tenderDoc)
	if err != nil {
		t.Fatal(err)
	}
	if rep.CorpusVersion != "v2" {
		t.Fatalf("review ran against %q, want v2", rep.CorpusVersion)
	}

	// Pinning the old version still works.
	rep1, err := eng.ReviewDocument(ctx, tenderDoc, WithCorpusVersion("v1"))
	if err != nil {
		t.Fatal(err)
	}
	if rep1.CorpusVersion != "v1" {
		t.Fatalf("pinned review ran against %q", rep1.CorpusVersion)
	}
}

func TestReviewWithoutPublishedCorpus(t *testing.T) {
	eng := newTestEngine(t)

	if _, err := eng.ReviewDocument(context.Background(), tenderDoc); !errors.Is(err, ErrCorpusNotFound) {
		t.Fatalf("expected ErrCorpusNotFound, got %v", err)
	}
}

func TestIngestWithoutObligations(t *testing.T) {
	eng := newTestEngine(t)
	doc := Document{Name: "notes.txt", Text: "1. Preamble\n\nNothing binding in here."}

	if _, err := eng.IngestCorpus(context.Background(), doc, "v1"); !errors.Is(err, ErrNoObligations) {
		t.Fatalf("expected ErrNoObligations, got %v", err)
	}
}

func TestDuplicateVersionFails(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.IngestCorpus(ctx, lawDoc, "v1"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.IngestCorpus(ctx, lawDoc, "v1"); err == nil {
		t.Fatal("expected error reusing a version label")
	}
}
