// Package corpus materialises published regulation generations into
// in-memory structures ready for matching.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tenderlens/speccheck/graph"
	"github.com/tenderlens/speccheck/index"
	"github.com/tenderlens/speccheck/store"
)

var (
	// ErrNotFound means no generation matches the requested version.
	ErrNotFound = errors.New("corpus: generation not found")

	// ErrNotPublished means the generation exists but has not been
	// published, so reviews must not see it.
	ErrNotPublished = errors.New("corpus: generation not published")
)

// Snapshot is an immutable view of one published generation. Reviews run
// against a snapshot and never observe a generation that is still being
// ingested.
type Snapshot struct {
	GenerationID int64
	Version      string
	Graph        *graph.Graph
	Index        *index.Index
}

// Load materialises the generation with the given version. An empty version
// selects the most recently published generation. Obligations are loaded in
// their original extraction order, so two loads of the same generation
// produce identical snapshots.
func Load(ctx context.Context, s *store.Store, version string) (*Snapshot, error) {
	gen, err := resolveGeneration(ctx, s, version)
	if err != nil {
		return nil, err
	}

	obs, err := s.ObligationsByGeneration(ctx, gen.ID)
	if err != nil {
		return nil, fmt.Errorf("corpus: loading obligations: %w", err)
	}

	g := graph.New()
	for _, o := range obs {
		g.AddObligation(graph.Obligation{
			ID:          o.ID,
			SourcePath:  o.SourcePath,
			Subject:     o.Subject,
			Condition:   o.Condition,
			Requirement: o.Requirement,
			Severity:    graph.ParseSeverity(o.Severity),
		})
	}

	edges, err := s.EdgesByGeneration(ctx, gen.ID)
	if err != nil {
		return nil, fmt.Errorf("corpus: loading edges: %w", err)
	}
	for _, e := range edges {
		err := g.AddEdge(graph.Edge{
			From: e.FromObligation,
			To:   e.ToObligation,
			Kind: graph.RelationKind(e.Kind),
		})
		if err != nil {
			// Edges were validated at ingest; a rejection here means the
			// stored generation is corrupt.
			return nil, fmt.Errorf("corpus: edge %d->%d (%s): %w",
				e.FromObligation, e.ToObligation, e.Kind, err)
		}
	}

	vecs, err := s.EmbeddingsByGeneration(ctx, gen.ID)
	if err != nil {
		return nil, fmt.Errorf("corpus: loading embeddings: %w", err)
	}
	x := index.New(s.EmbeddingDim())
	for _, o := range obs {
		vec, ok := vecs[o.ID]
		if !ok {
			slog.Warn("corpus: obligation has no embedding", "obligation", o.ID, "path", o.SourcePath)
			continue
		}
		if err := x.Upsert(o.ID, vec, index.KindObligation); err != nil {
			return nil, fmt.Errorf("corpus: indexing obligation %d: %w", o.ID, err)
		}
	}

	slog.Info("corpus loaded",
		"version", gen.Version, "generation", gen.ID,
		"obligations", len(obs), "edges", len(edges), "embeddings", x.Len())

	return &Snapshot{
		GenerationID: gen.ID,
		Version:      gen.Version,
		Graph:        g,
		Index:        x,
	}, nil
}

func resolveGeneration(ctx context.Context, s *store.Store, version string) (*store.Generation, error) {
	if version == "" {
		gen, err := s.LatestPublishedGeneration(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return gen, err
	}

	gen, err := s.GetGenerationByVersion(ctx, version)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, version)
	}
	if err != nil {
		return nil, err
	}
	if gen.Status != store.StatusPublished {
		return nil, fmt.Errorf("%w: %s", ErrNotPublished, version)
	}
	return gen, nil
}
