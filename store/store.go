// Package store persists corpus generations, obligations, relations,
// embeddings and review results in SQLite with sqlite-vec.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Generation lifecycle states.
const (
	StatusPending   = "pending"
	StatusPublished = "published"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Generation represents a row in the generations table.
type Generation struct {
	ID          int64  `json:"id"`
	Version     string `json:"version"`
	Status      string `json:"status"`
	SourceName  string `json:"source_name,omitempty"`
	CreatedAt   string `json:"created_at"`
	PublishedAt string `json:"published_at,omitempty"`
}

// Obligation represents a row in the obligations table.
type Obligation struct {
	ID           int64  `json:"id"`
	GenerationID int64  `json:"generation_id"`
	SourcePath   string `json:"source_path"`
	Subject      string `json:"subject"`
	Condition    string `json:"condition,omitempty"`
	Requirement  string `json:"requirement"`
	Severity     string `json:"severity"`
	Position     int    `json:"position"`
}

// Edge represents a row in the edges table.
type Edge struct {
	ID             int64  `json:"id"`
	GenerationID   int64  `json:"generation_id"`
	FromObligation int64  `json:"from_obligation"`
	ToObligation   int64  `json:"to_obligation"`
	Kind           string `json:"kind"`
}

// ReviewRun represents a row in the review_runs table.
type ReviewRun struct {
	ID           string `json:"id"`
	GenerationID int64  `json:"generation_id"`
	DocumentName string `json:"document_name"`
	CreatedAt    string `json:"created_at"`
}

// VerdictRow represents a row in the verdicts table.
type VerdictRow struct {
	ID           int64   `json:"id"`
	RunID        string  `json:"run_id"`
	ClauseID     int64   `json:"clause_id"`
	ClausePath   string  `json:"clause_path"`
	ObligationID int64   `json:"obligation_id"`
	Severity     string  `json:"severity"`
	Status       string  `json:"status"`
	Rationale    string  `json:"rationale,omitempty"`
	Confidence   float64 `json:"confidence"`
}

// VectorMatch is one nearest-neighbour hit from the vec0 table.
type VectorMatch struct {
	ObligationID int64   `json:"obligation_id"`
	Distance     float64 `json:"distance"`
}

// Store wraps the SQLite database for all speccheck persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual table.
func New(dbPath string, embeddingDim int) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Create schema
	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	// Run pending migrations.
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Generation operations ---

// CreateGeneration registers a new pending generation for the given version.
// The version must not exist yet.
func (s *Store) CreateGeneration(ctx context.Context, version, sourceName string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO generations (version, status, source_name) VALUES (?, ?, ?)",
		version, StatusPending, sourceName)
	if err != nil {
		return 0, fmt.Errorf("creating generation %q: %w", version, err)
	}
	return res.LastInsertId()
}

// PublishGeneration flips a pending generation to published. Publishing is
// the single atomic step that makes a generation visible to reviews.
func (s *Store) PublishGeneration(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE generations SET status = ?, published_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, StatusPublished, id, StatusPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("publishing generation %d: not found or not pending", id)
	}
	return nil
}

// DeleteGeneration removes a generation and everything hanging off it. Used
// to discard a pending generation after a failed ingest.
func (s *Store) DeleteGeneration(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_obligations WHERE obligation_id IN (
				SELECT id FROM obligations WHERE generation_id = ?
			)
		`, id); err != nil {
			return fmt.Errorf("deleting generation vectors: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting generation: %w", err)
		}
		return nil
	})
}

// GetGenerationByVersion retrieves a generation by its version label.
func (s *Store) GetGenerationByVersion(ctx context.Context, version string) (*Generation, error) {
	return s.scanGeneration(s.db.QueryRowContext(ctx, `
		SELECT id, version, status, source_name, created_at, COALESCE(published_at, '')
		FROM generations WHERE version = ?
	`, version))
}

// LatestPublishedGeneration returns the most recently published generation,
// or ErrNotFound when nothing has been published yet.
func (s *Store) LatestPublishedGeneration(ctx context.Context) (*Generation, error) {
	return s.scanGeneration(s.db.QueryRowContext(ctx, `
		SELECT id, version, status, source_name, created_at, COALESCE(published_at, '')
		FROM generations WHERE status = ?
		ORDER BY id DESC LIMIT 1
	`, StatusPublished))
}

// PreviousPublishedGeneration returns the newest published generation with an
// ID below the given one. Used to link superseding obligations backward.
func (s *Store) PreviousPublishedGeneration(ctx context.Context, beforeID int64) (*Generation, error) {
	return s.scanGeneration(s.db.QueryRowContext(ctx, `
		SELECT id, version, status, source_name, created_at, COALESCE(published_at, '')
		FROM generations WHERE status = ? AND id < ?
		ORDER BY id DESC LIMIT 1
	`, StatusPublished, beforeID))
}

func (s *Store) scanGeneration(row *sql.Row) (*Generation, error) {
	g := &Generation{}
	err := row.Scan(&g.ID, &g.Version, &g.Status, &g.SourceName, &g.CreatedAt, &g.PublishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// --- Obligation operations ---

// InsertObligations stores the extracted obligations of one generation in a
// single transaction, preserving their order via the position column.
// Returns the assigned IDs in input order.
func (s *Store) InsertObligations(ctx context.Context, genID int64, obs []Obligation) ([]int64, error) {
	ids := make([]int64, len(obs))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO obligations (generation_id, source_path, subject, condition_text,
				requirement, severity, position)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, o := range obs {
			res, err := stmt.ExecContext(ctx,
				genID, o.SourcePath, o.Subject, o.Condition,
				o.Requirement, o.Severity, i)
			if err != nil {
				return err
			}
			ids[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
		}
		return nil
	})

	return ids, err
}

// ObligationsByGeneration returns a generation's obligations in insertion order.
func (s *Store) ObligationsByGeneration(ctx context.Context, genID int64) ([]Obligation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, generation_id, source_path, subject, COALESCE(condition_text, ''),
			requirement, severity, position
		FROM obligations WHERE generation_id = ? ORDER BY position
	`, genID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var obs []Obligation
	for rows.Next() {
		var o Obligation
		if err := rows.Scan(&o.ID, &o.GenerationID, &o.SourcePath, &o.Subject,
			&o.Condition, &o.Requirement, &o.Severity, &o.Position); err != nil {
			return nil, err
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

// GetObligation retrieves one obligation by ID, regardless of generation.
func (s *Store) GetObligation(ctx context.Context, id int64) (*Obligation, error) {
	o := &Obligation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, generation_id, source_path, subject, COALESCE(condition_text, ''),
			requirement, severity, position
		FROM obligations WHERE id = ?
	`, id).Scan(&o.ID, &o.GenerationID, &o.SourcePath, &o.Subject,
		&o.Condition, &o.Requirement, &o.Severity, &o.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// FindObligationByPath returns the obligation a given generation extracted
// from the given clause path, or ErrNotFound.
func (s *Store) FindObligationByPath(ctx context.Context, genID int64, sourcePath string) (*Obligation, error) {
	o := &Obligation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, generation_id, source_path, subject, COALESCE(condition_text, ''),
			requirement, severity, position
		FROM obligations WHERE generation_id = ? AND source_path = ?
		ORDER BY position LIMIT 1
	`, genID, sourcePath).Scan(&o.ID, &o.GenerationID, &o.SourcePath, &o.Subject,
		&o.Condition, &o.Requirement, &o.Severity, &o.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// --- Edge operations ---

// InsertEdges stores a generation's relation edges in one transaction.
func (s *Store) InsertEdges(ctx context.Context, genID int64, edges []Edge) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO edges (generation_id, from_obligation, to_obligation, kind)
			VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range edges {
			if _, err := stmt.ExecContext(ctx, genID, e.FromObligation, e.ToObligation, e.Kind); err != nil {
				return err
			}
		}
		return nil
	})
}

// EdgesByGeneration returns a generation's edges in insertion order.
func (s *Store) EdgesByGeneration(ctx context.Context, genID int64) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, generation_id, from_obligation, to_obligation, kind
		FROM edges WHERE generation_id = ? ORDER BY id
	`, genID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.ID, &e.GenerationID, &e.FromObligation, &e.ToObligation, &e.Kind); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// --- Embedding operations ---

// InsertObligationEmbedding stores an obligation's vector in both the raw
// blob table and the vec0 mirror.
func (s *Store) InsertObligationEmbedding(ctx context.Context, obligationID int64, embedding []float32) error {
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding dimension %d, want %d", len(embedding), s.embeddingDim)
	}
	blob := serializeFloat32(embedding)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO obligation_vectors (obligation_id, embedding) VALUES (?, ?)",
			obligationID, blob); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO vec_obligations (obligation_id, embedding) VALUES (?, ?)",
			obligationID, blob); err != nil {
			return err
		}
		return nil
	})
}

// EmbeddingsByGeneration returns the raw vectors of a generation's
// obligations keyed by obligation ID.
func (s *Store) EmbeddingsByGeneration(ctx context.Context, genID int64) (map[int64][]float32, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.obligation_id, v.embedding
		FROM obligation_vectors v
		JOIN obligations o ON o.id = v.obligation_id
		WHERE o.generation_id = ?
		ORDER BY o.position
	`, genID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]float32)
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := deserializeFloat32(blob)
		if err != nil {
			return nil, fmt.Errorf("obligation %d: %w", id, err)
		}
		out[id] = vec
	}
	return out, rows.Err()
}

// VectorSearch performs a KNN search over obligation embeddings.
func (s *Store) VectorSearch(ctx context.Context, query []float32, k int) ([]VectorMatch, error) {
	if len(query) != s.embeddingDim {
		return nil, fmt.Errorf("query dimension %d, want %d", len(query), s.embeddingDim)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT obligation_id, distance
		FROM vec_obligations
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, serializeFloat32(query), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []VectorMatch
	for rows.Next() {
		var m VectorMatch
		if err := rows.Scan(&m.ObligationID, &m.Distance); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// --- Review operations ---

// CreateReviewRun records a new review of a document against a generation.
func (s *Store) CreateReviewRun(ctx context.Context, genID int64, documentName string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO review_runs (id, generation_id, document_name) VALUES (?, ?, ?)",
		id, genID, documentName)
	if err != nil {
		return "", fmt.Errorf("creating review run: %w", err)
	}
	return id, nil
}

// InsertVerdicts stores a run's verdicts in one transaction.
func (s *Store) InsertVerdicts(ctx context.Context, runID string, verdicts []VerdictRow) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO verdicts (run_id, clause_id, clause_path, obligation_id,
				severity, status, rationale, confidence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, v := range verdicts {
			if _, err := stmt.ExecContext(ctx,
				runID, v.ClauseID, v.ClausePath, v.ObligationID,
				v.Severity, v.Status, v.Rationale, v.Confidence); err != nil {
				return err
			}
		}
		return nil
	})
}

// VerdictsByRun returns a run's verdicts in insertion order.
func (s *Store) VerdictsByRun(ctx context.Context, runID string) ([]VerdictRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, clause_id, clause_path, obligation_id,
			severity, status, COALESCE(rationale, ''), confidence
		FROM verdicts WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VerdictRow
	for rows.Next() {
		var v VerdictRow
		if err := rows.Scan(&v.ID, &v.RunID, &v.ClauseID, &v.ClausePath,
			&v.ObligationID, &v.Severity, &v.Status, &v.Rationale, &v.Confidence); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListReviewRuns returns runs most recent first.
func (s *Store) ListReviewRuns(ctx context.Context) ([]ReviewRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, generation_id, document_name, created_at
		FROM review_runs ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ReviewRun
	for rows.Next() {
		var r ReviewRun
		if err := rows.Scan(&r.ID, &r.GenerationID, &r.DocumentName, &r.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Stats ---

// DBStats holds row counts for the main tables.
type DBStats struct {
	Generations int `json:"generations"`
	Obligations int `json:"obligations"`
	Edges       int `json:"edges"`
	Embeddings  int `json:"embeddings"`
	ReviewRuns  int `json:"review_runs"`
	Verdicts    int `json:"verdicts"`
}

// DBStats returns row counts for the main tables.
func (s *Store) DBStats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	for _, q := range []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM generations", &stats.Generations},
		{"SELECT COUNT(*) FROM obligations", &stats.Obligations},
		{"SELECT COUNT(*) FROM edges", &stats.Edges},
		{"SELECT COUNT(*) FROM obligation_vectors", &stats.Embeddings},
		{"SELECT COUNT(*) FROM review_runs", &stats.ReviewRuns},
		{"SELECT COUNT(*) FROM verdicts", &stats.Verdicts},
	} {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// deserializeFloat32 is the inverse of serializeFloat32.
func deserializeFloat32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
