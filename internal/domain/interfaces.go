package domain

import (
	"context"
)

// ScoredDoc pairs a trial document with its raw lexical score.
type ScoredDoc struct {
	Doc   TrialDoc
	Score float64
}

// LexicalResult is the outcome of one lexical query: the ranked candidate
// documents plus the index-reported total match count.
type LexicalResult struct {
	Total int
	Docs  []ScoredDoc
}

// LexicalSearcher runs filtered BM25 queries over the trial index.
type LexicalSearcher interface {
	// Search returns up to size candidates from offset 0, ranked by the
	// boosted lexical score. An empty query falls back to match-all.
	Search(ctx context.Context, query string, filters SearchFilters, size int) (*LexicalResult, error)

	// FetchByIDs retrieves trial documents by NCT ID, used by the
	// dense-only fallback to hydrate candidates.
	FetchByIDs(ctx context.Context, nctIDs []string) ([]TrialDoc, error)

	// Ping reports backend reachability.
	Ping(ctx context.Context) error
}

// DenseHit is one nearest neighbour from the dense index.
type DenseHit struct {
	NCTID      string
	Similarity float64
}

// DenseSearcher encodes a query and returns the top-k most similar trials.
// A searcher whose artifacts are missing or corrupt reports not ready and
// returns empty results without error.
type DenseSearcher interface {
	Ready() bool
	Search(ctx context.Context, query string, k int) ([]DenseHit, error)
}

// Encoder maps query text to an embedding vector. Implementations must be
// safe for concurrent use.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	ModelName() string
}

// ConceptLinker extracts normalized biomedical concept identifiers (CUIs)
// from free text. Concrete linkers are configuration; a stub returning empty
// sets keeps the core usable without one.
type ConceptLinker interface {
	ExtractCUIs(ctx context.Context, text string) ([]string, error)
	ExtractCUIsMany(ctx context.Context, texts []string) ([]string, error)
}

// CriteriaParser converts eligibility text plus structured trial metadata
// into ParsedCriteria. Parsing is pure given (text, metadata, dictionary).
type CriteriaParser interface {
	Parse(text string, meta *TrialDoc) *ParsedCriteria
}

// Scorer evaluates one parsed trial against a patient profile.
type Scorer interface {
	Score(ctx context.Context, profile *PatientProfile, parsed *ParsedCriteria, meta *TrialDoc, patientCUIs []string) (*FeasibilityResult, error)
}

// Ranker drives the full retrieval, fusion, feasibility and pagination
// pipeline for one request.
type Ranker interface {
	Rank(ctx context.Context, profile *PatientProfile, opts RankOptions) (*SearchResponse, error)
	Search(ctx context.Context, query string, opts RankOptions) (*SearchResponse, error)
}

// TrialRepository serves full trial records from the relational store.
type TrialRepository interface {
	GetTrialDetail(ctx context.Context, nctID string) (*TrialDetail, error)
}
