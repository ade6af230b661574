// Package speccheck reviews tender documents against versioned regulation
// corpora. Regulations are segmented into clauses, distilled into structured
// obligations and published as immutable generations; tender documents are
// then matched clause by clause against a published generation.
package speccheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tenderlens/speccheck/corpus"
	"github.com/tenderlens/speccheck/extract"
	"github.com/tenderlens/speccheck/graph"
	"github.com/tenderlens/speccheck/llm"
	"github.com/tenderlens/speccheck/matcher"
	"github.com/tenderlens/speccheck/report"
	"github.com/tenderlens/speccheck/segment"
	"github.com/tenderlens/speccheck/store"
)

// Document is plain extracted text handed to the pipeline. Callers own
// text extraction (see textload); the engine never touches the filesystem.
// Name is recorded with generations and review runs for traceability.
type Document struct {
	Name string
	Text string
}

// Engine is the main entry point for the compliance pipeline.
type Engine interface {
	// IngestCorpus segments a regulation document, extracts obligations,
	// builds the relation graph and embeddings, and publishes the result
	// as a new generation under the given version label.
	IngestCorpus(ctx context.Context, doc Document, version string) (*IngestResult, error)

	// ReviewDocument reviews a tender document against a published
	// generation and returns the compliance report.
	ReviewDocument(ctx context.Context, doc Document, opts ...ReviewOption) (*report.Report, error)

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// IngestResult reports the outcome of a corpus ingest.
type IngestResult struct {
	GenerationID int64               `json:"generation_id"`
	Version      string              `json:"version"`
	Clauses      int                 `json:"clauses"`
	Obligations  int                 `json:"obligations"`
	Edges        int                 `json:"edges"`
	Failures     []ExtractionFailure `json:"failures,omitempty"`
}

// ExtractionFailure records a clause whose extraction did not survive
// validation. The rest of the generation is unaffected.
type ExtractionFailure struct {
	ClauseID int64  `json:"clause_id"`
	Path     string `json:"path"`
	Reason   string `json:"reason"`
}

// ReviewOption configures review behavior.
type ReviewOption func(*reviewOptions)

type reviewOptions struct {
	version string
}

// WithCorpusVersion pins the review to a specific published generation
// instead of the latest one.
func WithCorpusVersion(version string) ReviewOption {
	return func(o *reviewOptions) { o.version = version }
}

// Option configures engine construction.
type Option func(*engine)

// WithProviders overrides the LLM providers built from the config. Any nil
// provider keeps the configured one.
func WithProviders(extraction, judgment, embedding llm.Provider) Option {
	return func(e *engine) {
		if extraction != nil {
			e.extractLLM = extraction
		}
		if judgment != nil {
			e.judgeLLM = judgment
		}
		if embedding != nil {
			e.embedLLM = embedding
		}
	}
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg        Config
	store      *store.Store
	extractLLM llm.Provider
	judgeLLM   llm.Provider
	embedLLM   llm.Provider
}

// New creates a new SpecCheck engine with the given configuration.
func New(cfg Config, opts ...Option) (Engine, error) {
	dbPath := cfg.resolveDBPath()

	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}

	s, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	e := &engine{cfg: cfg, store: s}
	for _, o := range opts {
		o(e)
	}

	if e.extractLLM == nil {
		e.extractLLM, err = llm.NewProvider(llm.Config{
			Provider: cfg.Extraction.Provider,
			Model:    cfg.Extraction.Model,
			BaseURL:  cfg.Extraction.BaseURL,
			APIKey:   cfg.Extraction.APIKey,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating extraction provider: %w", err)
		}
	}
	if e.judgeLLM == nil {
		e.judgeLLM, err = llm.NewProvider(llm.Config{
			Provider: cfg.Judgment.Provider,
			Model:    cfg.Judgment.Model,
			BaseURL:  cfg.Judgment.BaseURL,
			APIKey:   cfg.Judgment.APIKey,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating judgment provider: %w", err)
		}
	}
	if e.embedLLM == nil {
		e.embedLLM, err = llm.NewProvider(llm.Config{
			Provider: cfg.Embedding.Provider,
			Model:    cfg.Embedding.Model,
			BaseURL:  cfg.Embedding.BaseURL,
			APIKey:   cfg.Embedding.APIKey,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
	}

	return e, nil
}

// IngestCorpus runs the regulation pipeline and publishes a new generation.
// The generation becomes visible to reviews only after every obligation,
// edge and embedding has been written.
func (e *engine) IngestCorpus(ctx context.Context, doc Document, version string) (*IngestResult, error) {
	filename := doc.Name
	if filename == "" {
		filename = "document"
	}

	start := time.Now()
	clauses := segment.Segment(doc.Text)
	if len(clauses) == 0 {
		return nil, ErrNoClauses
	}
	slog.Info("ingest: segmentation complete",
		"file", filename, "clauses", len(clauses))

	extractor := extract.New(e.extractLLM, extract.Config{
		MaxRetries:  e.cfg.ExtractRetries,
		Concurrency: e.cfg.ExtractConcurrency,
		Timeout:     e.cfg.ExtractTimeout,
	})
	obligations, failures := extractor.ExtractAll(ctx, clauses)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(obligations) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoObligations, filename)
	}
	slog.Info("ingest: extraction complete",
		"file", filename, "obligations", len(obligations),
		"failed_clauses", len(failures), "elapsed", time.Since(start).Round(time.Millisecond))

	genID, err := e.store.CreateGeneration(ctx, version, filename)
	if err != nil {
		return nil, fmt.Errorf("creating generation: %w", err)
	}
	published := false
	defer func() {
		if !published {
			if derr := e.store.DeleteGeneration(context.WithoutCancel(ctx), genID); derr != nil {
				slog.Warn("ingest: discarding failed generation", "generation", genID, "error", derr)
			}
		}
	}()

	rows := make([]store.Obligation, len(obligations))
	for i, o := range obligations {
		rows[i] = store.Obligation{
			SourcePath:  o.SourcePath,
			Subject:     o.Subject,
			Condition:   o.Condition,
			Requirement: o.Requirement,
			Severity:    string(o.Severity),
		}
	}
	ids, err := e.store.InsertObligations(ctx, genID, rows)
	if err != nil {
		return nil, fmt.Errorf("inserting obligations: %w", err)
	}

	edges, err := e.buildEdges(ctx, genID, obligations, ids)
	if err != nil {
		return nil, err
	}
	if err := e.store.InsertEdges(ctx, genID, edges); err != nil {
		return nil, fmt.Errorf("inserting edges: %w", err)
	}
	slog.Info("ingest: graph complete", "file", filename, "edges", len(edges))

	if err := e.embedObligations(ctx, obligations, ids); err != nil {
		return nil, err
	}

	if err := e.store.PublishGeneration(ctx, genID); err != nil {
		return nil, fmt.Errorf("publishing generation: %w", err)
	}
	published = true

	slog.Info("ingest: generation published",
		"file", filename, "version", version, "generation", genID,
		"total_elapsed", time.Since(start).Round(time.Millisecond))

	result := &IngestResult{
		GenerationID: genID,
		Version:      version,
		Clauses:      len(clauses),
		Obligations:  len(ids),
		Edges:        len(edges),
	}
	for _, f := range failures {
		result.Failures = append(result.Failures, ExtractionFailure{
			ClauseID: f.ClauseID,
			Path:     f.Path,
			Reason:   f.Err.Error(),
		})
	}
	return result, nil
}

// buildEdges derives the generation's relation edges: section membership from
// clause paths, dependencies from cross-references, and supersedes links to
// the previous published generation. Every edge is validated through an
// in-memory graph before it is persisted.
func (e *engine) buildEdges(ctx context.Context, genID int64, obligations []extract.Obligation, ids []int64) ([]store.Edge, error) {
	g := graph.New()
	for i, o := range obligations {
		g.AddObligation(graph.Obligation{
			ID:          ids[i],
			SourcePath:  o.SourcePath,
			Subject:     o.Subject,
			Condition:   o.Condition,
			Requirement: o.Requirement,
			Severity:    o.Severity,
		})
	}

	// First obligation per source path wins for lookups.
	byPath := make(map[string]int64, len(obligations))
	for i, o := range obligations {
		if _, ok := byPath[o.SourcePath]; !ok {
			byPath[o.SourcePath] = ids[i]
		}
	}

	prev, err := e.store.PreviousPublishedGeneration(ctx, genID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolving previous generation: %w", err)
	}

	var edges []store.Edge
	seen := make(map[store.Edge]bool)
	add := func(from, to int64, kind graph.RelationKind) {
		if from == to {
			return
		}
		key := store.Edge{FromObligation: from, ToObligation: to, Kind: string(kind)}
		if seen[key] {
			return
		}
		if err := g.AddEdge(graph.Edge{From: from, To: to, Kind: kind}); err != nil {
			slog.Warn("ingest: edge rejected", "from", from, "to", to, "kind", kind, "error", err)
			return
		}
		seen[key] = true
		edges = append(edges, key)
	}

	for i, o := range obligations {
		// Section membership: link to the nearest ancestor clause that
		// produced an obligation.
		for parent := parentPath(o.SourcePath); parent != ""; parent = parentPath(parent) {
			if target, ok := byPath[parent]; ok {
				add(ids[i], target, graph.RelBelongsToSection)
				break
			}
		}

		// Cross-references become dependencies.
		for _, ref := range o.RefPaths {
			if target, ok := byPath[ref]; ok {
				add(ids[i], target, graph.RelDependsOn)
			}
		}

		// An obligation extracted from the same clause path as one in the
		// previous published generation supersedes it.
		if prev != nil {
			old, err := e.store.FindObligationByPath(ctx, prev.ID, o.SourcePath)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("resolving superseded obligation: %w", err)
			}
			add(ids[i], old.ID, graph.RelSupersedes)
		}
	}

	return edges, nil
}

// parentPath strips the last segment of a clause path. "3.2.1" -> "3.2".
func parentPath(path string) string {
	i := strings.LastIndex(path, ".")
	if i < 0 {
		return ""
	}
	return path[:i]
}

// maxEmbedChars is the maximum character length for a single text sent to
// the embedding model, leaving headroom for varied tokenisers.
const maxEmbedChars = 24000

// truncateForEmbed truncates text to maxEmbedChars on a word boundary.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
	}
	return text[:cut]
}

// obligationText is the canonical text embedded for an obligation.
func obligationText(o extract.Obligation) string {
	parts := []string{o.Subject}
	if o.Condition != "" {
		parts = append(parts, o.Condition)
	}
	parts = append(parts, o.Requirement)
	return strings.Join(parts, ". ")
}

// embedObligations generates embeddings in batches. Individual batch
// failures trigger per-text fallback so a single oversized text does not
// cause the entire batch to be lost.
func (e *engine) embedObligations(ctx context.Context, obligations []extract.Obligation, ids []int64) error {
	const batchSize = 32
	var failed int

	for i := 0; i < len(obligations); i += batchSize {
		end := i + batchSize
		if end > len(obligations) {
			end = len(obligations)
		}

		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			texts[j-i] = truncateForEmbed(obligationText(obligations[j]))
		}

		embeddings, err := e.embedLLM.Embed(ctx, texts)
		if err != nil {
			slog.Warn("embedding batch failed, falling back to individual",
				"batch_start", i, "batch_end", end, "error", err)
			for j, text := range texts {
				single, serr := e.embedLLM.Embed(ctx, []string{text})
				if serr != nil || len(single) == 0 || len(single[0]) == 0 {
					slog.Warn("embedding single obligation failed",
						"obligation", ids[i+j], "error", serr)
					failed++
					continue
				}
				if serr := e.store.InsertObligationEmbedding(ctx, ids[i+j], single[0]); serr != nil {
					slog.Warn("storing embedding failed", "obligation", ids[i+j], "error", serr)
					failed++
				}
			}
			continue
		}

		for j, emb := range embeddings {
			if err := e.store.InsertObligationEmbedding(ctx, ids[i+j], emb); err != nil {
				slog.Warn("storing embedding failed", "obligation", ids[i+j], "error", err)
				failed++
			}
		}
	}

	if failed == len(obligations) {
		return fmt.Errorf("%w: all %d obligations failed", ErrEmbeddingFailed, len(obligations))
	}
	if failed > 0 {
		slog.Warn("some embeddings failed", "failed", failed, "total", len(obligations))
	}
	return nil
}

// ReviewDocument reviews a tender document against a published generation.
func (e *engine) ReviewDocument(ctx context.Context, doc Document, opts ...ReviewOption) (*report.Report, error) {
	options := &reviewOptions{}
	for _, o := range opts {
		o(options)
	}
	filename := doc.Name
	if filename == "" {
		filename = "document"
	}

	snap, err := corpus.Load(ctx, e.store, options.version)
	if err != nil {
		return nil, err
	}

	clauses := segment.Segment(doc.Text)
	if len(clauses) == 0 {
		return nil, ErrNoClauses
	}

	start := time.Now()
	m := matcher.New(snap.Graph, snap.Index, e.judgeLLM, e.embedLLM, matcher.Config{
		CandidateLimit: e.cfg.CandidateLimit,
		SearchK:        e.cfg.SearchK,
		GraphDepth:     e.cfg.GraphDepth,
		Concurrency:    e.cfg.ReviewConcurrency,
		JudgeTimeout:   e.cfg.JudgeTimeout,
	})
	verdicts, err := m.Review(ctx, clauses)
	if err != nil {
		return nil, fmt.Errorf("matching: %w", err)
	}
	slog.Info("review: matching complete",
		"file", filename, "clauses", len(clauses), "verdicts", len(verdicts),
		"elapsed", time.Since(start).Round(time.Millisecond))

	rep := report.Build(snap.Version, clauses, verdicts)

	runID, err := e.store.CreateReviewRun(ctx, snap.GenerationID, filename)
	if err != nil {
		return nil, fmt.Errorf("recording review run: %w", err)
	}
	rows := make([]store.VerdictRow, len(verdicts))
	for i, v := range verdicts {
		rows[i] = store.VerdictRow{
			ClauseID:     v.ClauseID,
			ClausePath:   v.ClausePath,
			ObligationID: v.ObligationID,
			Severity:     string(v.ObligationSeverity),
			Status:       string(v.Status),
			Rationale:    v.Rationale,
			Confidence:   v.Confidence,
		}
	}
	if err := e.store.InsertVerdicts(ctx, runID, rows); err != nil {
		return nil, fmt.Errorf("recording verdicts: %w", err)
	}
	rep.RunID = runID

	slog.Info("review: report ready",
		"file", filename, "run", runID, "version", snap.Version,
		"violations", rep.Summary.Violations.Total(), "flagged", rep.Summary.FlaggedClauses)
	return rep, nil
}

// Store returns the underlying store for diagnostic access.
func (e *engine) Store() *store.Store {
	return e.store
}

// Close shuts down the engine.
func (e *engine) Close() error {
	return e.store.Close()
}
