// Package matcher pairs document clauses with candidate obligations and
// scores compliance for each pair. Candidate retrieval unions structural
// graph hits with semantic nearest neighbours; the compliance call itself is
// a bounded LLM judgment constrained to a fixed four-valued rubric. Clauses
// are matched in parallel; verdict ordering is made deterministic by an
// explicit sort after all tasks join, never by completion order.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tenderlens/speccheck/graph"
	"github.com/tenderlens/speccheck/index"
	"github.com/tenderlens/speccheck/llm"
	"github.com/tenderlens/speccheck/segment"
)

// Status is the four-valued compliance rubric.
type Status string

const (
	StatusCompliant     Status = "compliant"
	StatusViolation     Status = "violation"
	StatusAmbiguous     Status = "ambiguous"
	StatusNotApplicable Status = "not_applicable"
)

// validStatus reports whether a model-supplied status is one of the rubric
// values.
func validStatus(s Status) bool {
	switch s {
	case StatusCompliant, StatusViolation, StatusAmbiguous, StatusNotApplicable:
		return true
	}
	return false
}

var (
	// ErrJudgmentTimeout marks a judgment call that exceeded its per-call
	// budget. The candidate degrades to ambiguous/0; the clause's other
	// candidates are unaffected.
	ErrJudgmentTimeout = errors.New("matcher: judgment call timed out")

	// ErrJudgmentUnparseable marks a judgment response that did not match
	// the rubric schema. Degrades the same way as a timeout.
	ErrJudgmentUnparseable = errors.New("matcher: judgment response unparseable")
)

// Verdict is the compliance judgment for one (clause, obligation) pair.
// Verdicts are immutable once created; re-reviews produce new verdicts under
// a new review-run ID.
type Verdict struct {
	ClauseID           int64          `json:"clause_id"`
	ClausePath         string         `json:"clause_path"`
	ObligationID       int64          `json:"obligation_id"`
	ObligationSeverity graph.Severity `json:"obligation_severity,omitempty"`
	Status             Status         `json:"status"`
	Rationale          string         `json:"rationale"`
	Confidence         float64        `json:"confidence"`
}

// Config controls matching behaviour. Zero values get defaults.
type Config struct {
	CandidateLimit int           // max obligations judged per clause (default 8)
	SearchK        int           // semantic neighbours retrieved per clause (default 5)
	GraphDepth     int           // structural traversal depth (default 2)
	Concurrency    int           // parallel clause tasks (default 8)
	JudgeTimeout   time.Duration // per-judgment budget (default 45s)
}

// Matcher matches clauses of one document against a corpus generation
// snapshot. The graph and index are read-shared across clause tasks.
type Matcher struct {
	graph *graph.Graph
	index *index.Index
	judge llm.Provider
	embed llm.Provider
	cfg   Config
}

// New creates a Matcher over a published generation's graph and index.
func New(g *graph.Graph, x *index.Index, judge, embed llm.Provider, cfg Config) *Matcher {
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 8
	}
	if cfg.SearchK <= 0 {
		cfg.SearchK = 5
	}
	if cfg.GraphDepth <= 0 {
		cfg.GraphDepth = 2
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.JudgeTimeout <= 0 {
		cfg.JudgeTimeout = 45 * time.Second
	}
	return &Matcher{graph: g, index: x, judge: judge, embed: embed, cfg: cfg}
}

// Review matches every clause and returns all verdicts, grouped by clause in
// document order; within a clause, verdicts are sorted by descending
// confidence with ties broken by ascending obligation ID. Every clause
// yields at least one verdict. A cancelled context aborts the run: clauses
// not yet started are skipped and the context error is returned alongside
// the verdicts collected so far.
func (m *Matcher) Review(ctx context.Context, clauses []segment.Clause) ([]Verdict, error) {
	perClause := make([][]Verdict, len(clauses))

	var (
		wg  sync.WaitGroup
		sem = make(chan struct{}, m.cfg.Concurrency)
	)

	start := time.Now()
	for i := range clauses {
		wg.Add(1)
		go func(idx int, clause segment.Clause) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				// Not-yet-started clause skipped on cancellation.
				return
			}

			perClause[idx] = m.matchClause(ctx, clause)
		}(i, clauses[i])
	}
	wg.Wait()

	var verdicts []Verdict
	for _, vs := range perClause {
		verdicts = append(verdicts, vs...)
	}

	slog.Info("matcher: review complete",
		"clauses", len(clauses), "verdicts", len(verdicts),
		"elapsed", time.Since(start).Round(time.Millisecond))

	if err := ctx.Err(); err != nil {
		return verdicts, err
	}
	return verdicts, nil
}

// matchClause retrieves candidates and judges each one. Writes only to its
// own result slot; safe to run concurrently with other clauses.
func (m *Matcher) matchClause(ctx context.Context, clause segment.Clause) []Verdict {
	candidates := m.candidatesFor(ctx, clause)

	if len(candidates) == 0 {
		// Every clause must produce at least one verdict for auditability.
		return []Verdict{{
			ClauseID:   clause.ID,
			ClausePath: clause.Path,
			Status:     StatusNotApplicable,
			Rationale:  "no obligations matched this clause",
			Confidence: 0,
		}}
	}

	verdicts := make([]Verdict, 0, len(candidates))
	for _, ob := range candidates {
		verdicts = append(verdicts, m.judgeCandidate(ctx, clause, ob))
	}

	sort.SliceStable(verdicts, func(i, j int) bool {
		if verdicts[i].Confidence != verdicts[j].Confidence {
			return verdicts[i].Confidence > verdicts[j].Confidence
		}
		return verdicts[i].ObligationID < verdicts[j].ObligationID
	})
	return verdicts
}

// candidatesFor unions structural and semantic candidates, deduplicated by
// obligation ID and capped at the configured limit. Structural hits come
// first (section prefix match, then bounded graph traversal); semantic hits
// follow in ascending distance order, so the cap drops the weakest
// candidates.
func (m *Matcher) candidatesFor(ctx context.Context, clause segment.Clause) []graph.Obligation {
	seen := make(map[int64]bool)
	var candidates []graph.Obligation

	add := func(id int64) {
		if seen[id] || len(candidates) >= m.cfg.CandidateLimit {
			return
		}
		if ob, ok := m.graph.Obligation(id); ok {
			seen[id] = true
			candidates = append(candidates, ob)
		}
	}

	// Structural: obligations filed under the clause's own section path.
	structural := m.graph.ObligationsUnderSection(clause.Path)
	for _, ob := range structural {
		add(ob.ID)
	}
	// ...and their neighbourhood over the non-DAG relations.
	for _, ob := range structural {
		for _, kind := range []graph.RelationKind{graph.RelBelongsToSection, graph.RelDependsOn} {
			for _, id := range m.graph.Neighbors(ob.ID, kind, m.cfg.GraphDepth) {
				add(id)
			}
		}
	}

	// Semantic: nearest obligations by clause embedding. Failure here only
	// narrows retrieval; the clause still gets judged against structural
	// candidates (or falls back to not_applicable).
	embedCtx, cancel := context.WithTimeout(ctx, m.cfg.JudgeTimeout)
	defer cancel()
	vecs, err := m.embed.Embed(embedCtx, []string{clause.Text})
	if err != nil || len(vecs) == 0 {
		slog.Warn("matcher: clause embedding failed, structural candidates only",
			"clause", clause.Path, "error", err)
		return candidates
	}
	hits, err := m.index.Search(vecs[0], m.cfg.SearchK, index.KindObligation)
	if err != nil {
		slog.Warn("matcher: semantic search failed, structural candidates only",
			"clause", clause.Path, "error", err)
		return candidates
	}
	for _, h := range hits {
		add(h.EntityID)
	}

	return candidates
}

// judgeCandidate runs one bounded compliance judgment. Timeouts and
// unparseable responses degrade to ambiguous/0 so a single bad call never
// takes down the clause's other candidates.
func (m *Matcher) judgeCandidate(ctx context.Context, clause segment.Clause, ob graph.Obligation) Verdict {
	base := Verdict{
		ClauseID:           clause.ID,
		ClausePath:         clause.Path,
		ObligationID:       ob.ID,
		ObligationSeverity: ob.Severity,
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.JudgeTimeout)
	defer cancel()

	judged, err := m.callJudge(callCtx, clause, ob)
	if err != nil {
		slog.Warn("matcher: judgment degraded to ambiguous",
			"clause", clause.Path, "obligation", ob.ID, "error", err)
		base.Status = StatusAmbiguous
		base.Rationale = fmt.Sprintf("judgment unavailable: %v", err)
		base.Confidence = 0
		return base
	}

	base.Status = judged.Status
	base.Rationale = judged.Rationale
	base.Confidence = judged.Confidence
	return base
}
