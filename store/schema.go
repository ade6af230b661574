package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Versioned corpus generations; only published ones are reviewable
CREATE TABLE IF NOT EXISTS generations (
    id INTEGER PRIMARY KEY,
    version TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL DEFAULT 'pending',
    source_name TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    published_at DATETIME
);

-- Obligations extracted from regulation clauses
CREATE TABLE IF NOT EXISTS obligations (
    id INTEGER PRIMARY KEY,
    generation_id INTEGER NOT NULL REFERENCES generations(id) ON DELETE CASCADE,
    source_path TEXT NOT NULL,
    subject TEXT NOT NULL,
    condition_text TEXT,
    requirement TEXT NOT NULL,
    severity TEXT NOT NULL,
    position INTEGER NOT NULL
);

-- Relations between obligations. Endpoints may belong to an earlier
-- generation (supersedes edges point backward in time).
CREATE TABLE IF NOT EXISTS edges (
    id INTEGER PRIMARY KEY,
    generation_id INTEGER NOT NULL REFERENCES generations(id) ON DELETE CASCADE,
    from_obligation INTEGER NOT NULL,
    to_obligation INTEGER NOT NULL,
    kind TEXT NOT NULL
);

-- Raw embedding blobs, kept alongside the vec0 mirror so a generation
-- can be rematerialised exactly
CREATE TABLE IF NOT EXISTS obligation_vectors (
    obligation_id INTEGER PRIMARY KEY REFERENCES obligations(id) ON DELETE CASCADE,
    embedding BLOB NOT NULL
);

-- Vector search via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_obligations USING vec0(
    obligation_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- One row per reviewed document
CREATE TABLE IF NOT EXISTS review_runs (
    id TEXT PRIMARY KEY,
    generation_id INTEGER NOT NULL REFERENCES generations(id),
    document_name TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Individual compliance judgments
CREATE TABLE IF NOT EXISTS verdicts (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES review_runs(id) ON DELETE CASCADE,
    clause_id INTEGER NOT NULL,
    clause_path TEXT NOT NULL,
    obligation_id INTEGER NOT NULL,
    severity TEXT NOT NULL,
    status TEXT NOT NULL,
    rationale TEXT,
    confidence REAL NOT NULL
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_obligations_generation ON obligations(generation_id);
CREATE INDEX IF NOT EXISTS idx_obligations_path ON obligations(generation_id, source_path);
CREATE INDEX IF NOT EXISTS idx_edges_generation ON edges(generation_id);
CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_obligation);
CREATE INDEX IF NOT EXISTS idx_verdicts_run ON verdicts(run_id);
`, embeddingDim)
}
