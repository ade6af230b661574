package speccheck

import (
	"errors"

	"github.com/tenderlens/speccheck/corpus"
	"github.com/tenderlens/speccheck/extract"
	"github.com/tenderlens/speccheck/graph"
	"github.com/tenderlens/speccheck/index"
	"github.com/tenderlens/speccheck/textload"
)

var (
	// ErrNoObligations is returned when extraction yields nothing usable
	// from a regulation document.
	ErrNoObligations = errors.New("speccheck: no obligations extracted")

	// ErrNoClauses is returned when segmentation finds no clauses.
	ErrNoClauses = errors.New("speccheck: no clauses found")

	// ErrEmbeddingFailed is returned when embedding generation fails for
	// every obligation of a generation.
	ErrEmbeddingFailed = errors.New("speccheck: embedding generation failed")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("speccheck: invalid configuration")

	// Re-exported subpackage sentinels so callers only import this package.
	ErrCorpusNotFound     = corpus.ErrNotFound
	ErrCorpusNotPublished = corpus.ErrNotPublished
	ErrExtractionFailed   = extract.ErrExtractionFailed
	ErrCycleRejected      = graph.ErrCycleRejected
	ErrDimensionMismatch  = index.ErrDimensionMismatch
	ErrUnsupportedFormat  = textload.ErrUnsupportedFormat
)
