package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-match-server/internal/domain"
)

type fakeLexical struct {
	result   *domain.LexicalResult
	err      error
	byID     map[string]domain.TrialDoc
	fetchErr error

	gotQuery   string
	gotFilters domain.SearchFilters
	gotSize    int
	gotFetch   []string
}

func (f *fakeLexical) Search(ctx context.Context, query string, filters domain.SearchFilters, size int) (*domain.LexicalResult, error) {
	f.gotQuery = query
	f.gotFilters = filters
	f.gotSize = size
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeLexical) FetchByIDs(ctx context.Context, nctIDs []string) ([]domain.TrialDoc, error) {
	f.gotFetch = nctIDs
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]domain.TrialDoc, 0, len(nctIDs))
	for _, id := range nctIDs {
		if doc, ok := f.byID[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (f *fakeLexical) Ping(ctx context.Context) error { return nil }

type fakeDense struct {
	ready bool
	hits  []domain.DenseHit
	err   error

	gotK int
}

func (f *fakeDense) Ready() bool { return f.ready }

func (f *fakeDense) Search(ctx context.Context, query string, k int) ([]domain.DenseHit, error) {
	f.gotK = k
	return f.hits, f.err
}

type fakeParser struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeParser) Parse(text string, meta *domain.TrialDoc) *domain.ParsedCriteria {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return openCriteria()
}

func (f *fakeParser) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeScorer returns a canned result per NCT id, defaulting to a feasible 50.
type fakeScorer struct {
	results map[string]*domain.FeasibilityResult
	errs    map[string]error
}

func (f *fakeScorer) Score(ctx context.Context, profile *domain.PatientProfile, parsed *domain.ParsedCriteria, meta *domain.TrialDoc, patientCUIs []string) (*domain.FeasibilityResult, error) {
	if err := f.errs[meta.NCTID]; err != nil {
		return nil, err
	}
	if r, ok := f.results[meta.NCTID]; ok {
		return r, nil
	}
	return &domain.FeasibilityResult{Score: 50, IsFeasible: true, Reasons: []string{}}, nil
}

func feasible(score float64) *domain.FeasibilityResult {
	return &domain.FeasibilityResult{Score: score, IsFeasible: true, Reasons: []string{}}
}

func infeasible(reason string) *domain.FeasibilityResult {
	return &domain.FeasibilityResult{Score: 0, IsFeasible: false, Reasons: []string{reason}}
}

func lexDocs(total int, ids ...string) *domain.LexicalResult {
	docs := make([]domain.ScoredDoc, len(ids))
	for i, id := range ids {
		docs[i] = domain.ScoredDoc{
			Doc: domain.TrialDoc{
				NCTID:                  id,
				Title:                  "Trial " + id,
				EligibilityCriteriaRaw: "Inclusion Criteria: adults with measurable disease.",
			},
			Score: float64(len(ids) - i),
		}
	}
	return &domain.LexicalResult{Total: total, Docs: docs}
}

func newTestRanker(t *testing.T, lex domain.LexicalSearcher, dense domain.DenseSearcher, parser domain.CriteriaParser, scorer domain.Scorer) *RankerService {
	t.Helper()
	r, err := NewRankerService(lex, dense, parser, scorer, &fakeLinker{}, testDict(),
		domain.RankingConfig{CandidateSize: 1000}, logrus.New())
	require.NoError(t, err)
	return r
}

func hitIDs(resp *domain.SearchResponse) []string {
	ids := make([]string, len(resp.Hits))
	for i, h := range resp.Hits {
		ids[i] = h.NCTID
	}
	return ids
}

func TestRankBlendsRetrievalAndFeasibility(t *testing.T) {
	lex := &fakeLexical{result: lexDocs(2, "A", "B")}
	scorer := &fakeScorer{results: map[string]*domain.FeasibilityResult{
		"A": feasible(50),
		"B": feasible(100),
	}}
	r := newTestRanker(t, lex, nil, &fakeParser{}, scorer)

	profile := &domain.PatientProfile{Conditions: []string{"NSCLC"}}
	resp, err := r.Rank(context.Background(), profile, domain.DefaultRankOptions())
	require.NoError(t, err)

	// Normalized retrieval: A=1.0, B=0.0. With weight 0.6:
	// A = 0.4*1.0 + 0.6*0.5 = 0.70, B = 0.4*0.0 + 0.6*1.0 = 0.60.
	require.Equal(t, []string{"A", "B"}, hitIDs(resp))
	assert.InDelta(t, 0.70, resp.Hits[0].Score, 1e-9)
	assert.InDelta(t, 0.60, resp.Hits[1].Score, 1e-9)
}

func TestRankFeasibilityWeightBounds(t *testing.T) {
	lex := &fakeLexical{result: lexDocs(2, "A", "B")}
	scorer := &fakeScorer{results: map[string]*domain.FeasibilityResult{
		"A": feasible(50),
		"B": feasible(100),
	}}
	r := newTestRanker(t, lex, nil, &fakeParser{}, scorer)
	profile := &domain.PatientProfile{Conditions: []string{"NSCLC"}}

	// Weight 0: pure retrieval order.
	opts := domain.DefaultRankOptions()
	opts.FeasibilityWeight = 0
	resp, err := r.Rank(context.Background(), profile, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, hitIDs(resp))

	// Weight 1: pure feasibility order.
	opts.FeasibilityWeight = 1
	resp, err = r.Rank(context.Background(), profile, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, hitIDs(resp))
}

func TestRankFusesDenseIntoLexicalOrder(t *testing.T) {
	lex := &fakeLexical{result: lexDocs(4, "A", "B", "C", "D")}
	dense := &fakeDense{ready: true, hits: []domain.DenseHit{
		{NCTID: "C", Similarity: 0.9},
		{NCTID: "A", Similarity: 0.8},
		{NCTID: "E", Similarity: 0.7},
	}}
	r := newTestRanker(t, lex, dense, &fakeParser{}, &fakeScorer{})

	opts := domain.DefaultRankOptions()
	opts.FeasibilityWeight = 0
	profile := &domain.PatientProfile{Conditions: []string{"NSCLC"}}

	resp, err := r.Rank(context.Background(), profile, opts)
	require.NoError(t, err)

	// C moves above B via its dense rank; dense-only E is never admitted.
	assert.Equal(t, []string{"A", "C", "B", "D"}, hitIDs(resp))
	assert.Equal(t, 3000, dense.gotK)
}

func TestRankDenseFallbackWhenLexicalEmpty(t *testing.T) {
	lex := &fakeLexical{
		result: &domain.LexicalResult{Total: 0, Docs: nil},
		byID: map[string]domain.TrialDoc{
			"X": {NCTID: "X", Title: "Trial X"},
			"Y": {NCTID: "Y", Title: "Trial Y"},
		},
	}
	dense := &fakeDense{ready: true, hits: []domain.DenseHit{
		{NCTID: "X", Similarity: 0.9},
		{NCTID: "Y", Similarity: 0.7},
	}}
	r := newTestRanker(t, lex, dense, &fakeParser{}, &fakeScorer{})

	opts := domain.DefaultRankOptions()
	opts.FeasibilityWeight = 0
	profile := &domain.PatientProfile{Conditions: []string{"NSCLC"}}

	resp, err := r.Rank(context.Background(), profile, opts)
	require.NoError(t, err)

	require.Equal(t, []string{"X", "Y"}, hitIDs(resp))
	assert.Equal(t, []string{"X", "Y"}, lex.gotFetch)
	// Similarities min-max normalize to 1.0 and 0.0.
	require.NotNil(t, resp.Hits[0].RetrievalScore)
	assert.Equal(t, 1.0, *resp.Hits[0].RetrievalScore)
	require.NotNil(t, resp.Hits[1].RetrievalScore)
	assert.Equal(t, 0.0, *resp.Hits[1].RetrievalScore)
}

func TestRankDropsInfeasibleKeepsUndetermined(t *testing.T) {
	lex := &fakeLexical{result: lexDocs(3, "A", "B", "C")}
	scorer := &fakeScorer{
		results: map[string]*domain.FeasibilityResult{
			"A": feasible(80),
			"B": infeasible("No condition overlap with trial"),
		},
		errs: map[string]error{
			"C": errors.New("scoring backend hiccup"),
		},
	}
	r := newTestRanker(t, lex, nil, &fakeParser{}, scorer)

	profile := &domain.PatientProfile{Conditions: []string{"NSCLC"}}
	resp, err := r.Rank(context.Background(), profile, domain.DefaultRankOptions())
	require.NoError(t, err)

	// B is proven infeasible and dropped; C stays with feasibility unknown.
	require.Equal(t, []string{"A", "C"}, hitIDs(resp))

	var undetermined domain.TrialHit
	for _, h := range resp.Hits {
		if h.NCTID == "C" {
			undetermined = h
		}
	}
	assert.Nil(t, undetermined.IsFeasible)
	assert.Nil(t, undetermined.FeasibilityScore)
	assert.Equal(t, []string{"scoring backend hiccup"}, undetermined.FeasibilityReasons)
}

func TestRankKeepsTrialsWithoutCriteriaText(t *testing.T) {
	lex := &fakeLexical{result: &domain.LexicalResult{
		Total: 1,
		Docs:  []domain.ScoredDoc{{Doc: domain.TrialDoc{NCTID: "A", Title: "Trial A"}, Score: 2}},
	}}
	// Would mark the trial infeasible if it were ever consulted.
	scorer := &fakeScorer{results: map[string]*domain.FeasibilityResult{
		"A": infeasible("No condition overlap with trial"),
	}}
	parser := &fakeParser{}
	r := newTestRanker(t, lex, nil, parser, scorer)

	profile := &domain.PatientProfile{Conditions: []string{"NSCLC"}}
	resp, err := r.Rank(context.Background(), profile, domain.DefaultRankOptions())
	require.NoError(t, err)

	// Without eligibility text the trial is not scored: it stays in the
	// result set with feasibility undetermined.
	require.Equal(t, []string{"A"}, hitIDs(resp))
	assert.Nil(t, resp.Hits[0].IsFeasible)
	assert.Nil(t, resp.Hits[0].FeasibilityScore)
	assert.Equal(t, []string{"No eligibility criteria available"}, resp.Hits[0].FeasibilityReasons)
	assert.Equal(t, 0, parser.callCount())
}

func TestRankDenseFailureDegradesToLexical(t *testing.T) {
	lex := &fakeLexical{result: lexDocs(2, "A", "B")}
	dense := &fakeDense{ready: true, err: errors.New("encoder down")}
	r := newTestRanker(t, lex, dense, &fakeParser{}, &fakeScorer{})

	profile := &domain.PatientProfile{Conditions: []string{"NSCLC"}}
	resp, err := r.Rank(context.Background(), profile, domain.DefaultRankOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, hitIDs(resp))
}

func TestRankLexicalFailureFatal(t *testing.T) {
	lex := &fakeLexical{err: domain.NewMatchError(domain.ErrLexicalBackend, "search backend unavailable", nil)}
	r := newTestRanker(t, lex, nil, &fakeParser{}, &fakeScorer{})

	profile := &domain.PatientProfile{Conditions: []string{"NSCLC"}}
	_, err := r.Rank(context.Background(), profile, domain.DefaultRankOptions())
	require.Error(t, err)
	assert.True(t, domain.IsLexicalBackend(err))
}

func TestRankEmptyPool(t *testing.T) {
	lex := &fakeLexical{result: &domain.LexicalResult{Total: 0, Docs: nil}}
	r := newTestRanker(t, lex, nil, &fakeParser{}, &fakeScorer{})

	profile := &domain.PatientProfile{Conditions: []string{"NSCLC"}}
	resp, err := r.Rank(context.Background(), profile, domain.DefaultRankOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Total)
	assert.Empty(t, resp.Hits)
}

func TestRankPagination(t *testing.T) {
	lex := &fakeLexical{result: lexDocs(50, "A", "B", "C", "D", "E")}
	r := newTestRanker(t, lex, nil, &fakeParser{}, &fakeScorer{})

	opts := domain.DefaultRankOptions()
	opts.FeasibilityWeight = 0
	opts.Page = 2
	opts.Size = 2
	profile := &domain.PatientProfile{Conditions: []string{"NSCLC"}}

	resp, err := r.Rank(context.Background(), profile, opts)
	require.NoError(t, err)

	assert.Equal(t, 5, resp.Total)
	assert.Equal(t, 2, resp.Page)
	assert.Equal(t, 2, resp.Size)
	assert.Equal(t, []string{"C", "D"}, hitIDs(resp))
	require.NotNil(t, resp.CandidateTotal)
	assert.Equal(t, 5, *resp.CandidateTotal)
	// The index matched more than the candidate pool admitted.
	assert.True(t, resp.Truncated)
}

func TestRankTruncatedFollowsCandidateTotalOption(t *testing.T) {
	lex := &fakeLexical{result: lexDocs(50, "A", "B")}
	r := newTestRanker(t, lex, nil, &fakeParser{}, &fakeScorer{})

	opts := domain.DefaultRankOptions()
	opts.UseCandidateTotal = false
	profile := &domain.PatientProfile{Conditions: []string{"NSCLC"}}

	resp, err := r.Rank(context.Background(), profile, opts)
	require.NoError(t, err)
	assert.Nil(t, resp.CandidateTotal)
	assert.False(t, resp.Truncated)
}

func TestRankPageBeyondEnd(t *testing.T) {
	lex := &fakeLexical{result: lexDocs(2, "A", "B")}
	r := newTestRanker(t, lex, nil, &fakeParser{}, &fakeScorer{})

	opts := domain.DefaultRankOptions()
	opts.Page = 9
	profile := &domain.PatientProfile{Conditions: []string{"NSCLC"}}

	resp, err := r.Rank(context.Background(), profile, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Total)
	assert.Empty(t, resp.Hits)
}

func TestRankValidation(t *testing.T) {
	r := newTestRanker(t, &fakeLexical{result: lexDocs(0)}, nil, &fakeParser{}, &fakeScorer{})
	profile := &domain.PatientProfile{Conditions: []string{"NSCLC"}}

	tests := []struct {
		name   string
		mutate func(*domain.RankOptions)
	}{
		{"size too large", func(o *domain.RankOptions) { o.Size = 200 }},
		{"size negative", func(o *domain.RankOptions) { o.Size = -1 }},
		{"bm25 weight", func(o *domain.RankOptions) { o.BM25Weight = 1.5 }},
		{"feasibility weight", func(o *domain.RankOptions) { o.FeasibilityWeight = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := domain.DefaultRankOptions()
			tt.mutate(&opts)
			_, err := r.Rank(context.Background(), profile, opts)
			require.Error(t, err)
			assert.True(t, domain.IsValidation(err))
		})
	}

	_, err := r.Rank(context.Background(), nil, domain.DefaultRankOptions())
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestRankCancelledContext(t *testing.T) {
	lex := &fakeLexical{result: lexDocs(2, "A", "B")}
	r := newTestRanker(t, lex, nil, &fakeParser{}, &fakeScorer{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	profile := &domain.PatientProfile{Conditions: []string{"NSCLC"}}
	_, err := r.Rank(ctx, profile, domain.DefaultRankOptions())
	require.Error(t, err)

	var merr *domain.MatchError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, domain.ErrCancelled, merr.Code)
}

func TestRankQueryTextAndFilters(t *testing.T) {
	lex := &fakeLexical{result: lexDocs(0)}
	r := newTestRanker(t, lex, nil, &fakeParser{}, &fakeScorer{})

	profile := &domain.PatientProfile{
		Age:                    intPtr(55),
		Sex:                    "female",
		Conditions:             []string{"lung cancer"},
		Biomarkers:             []string{"ERBB2"},
		History:                []string{"smoking"},
		ECOG:                   intPtr(1),
		PriorLines:             intPtr(2),
		DaysSinceLastTreatment: intPtr(30),
	}

	opts := domain.DefaultRankOptions()
	opts.Phase = "Phase 3"
	opts.Country = "France"

	_, err := r.Rank(context.Background(), profile, opts)
	require.NoError(t, err)

	// Conditions and biomarkers normalize to canonical keys in the query.
	assert.Equal(t,
		"with NSCLC. ECOG performance status 1. Biomarkers: HER2. History of smoking. "+
			"2 prior lines of systemic therapy. 30 days since last treatment.",
		lex.gotQuery)

	assert.Equal(t, "Phase 3", lex.gotFilters.Phase)
	assert.Equal(t, "France", lex.gotFilters.Country)
	require.NotNil(t, lex.gotFilters.Age)
	assert.Equal(t, 55, *lex.gotFilters.Age)
	assert.Equal(t, domain.SexFemale, lex.gotFilters.Sex)
	assert.Equal(t, 1000, lex.gotSize)
}

func TestRankUsesCachedParsedCriteria(t *testing.T) {
	doc := domain.TrialDoc{NCTID: "A", ParsedCriteria: openCriteria()}
	lex := &fakeLexical{result: &domain.LexicalResult{
		Total: 1,
		Docs:  []domain.ScoredDoc{{Doc: doc, Score: 1}},
	}}
	parser := &fakeParser{}
	r := newTestRanker(t, lex, nil, parser, &fakeScorer{})

	profile := &domain.PatientProfile{Conditions: []string{"NSCLC"}}
	_, err := r.Rank(context.Background(), profile, domain.DefaultRankOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, parser.callCount())
}

func TestSearchRetrievalOnly(t *testing.T) {
	lex := &fakeLexical{result: lexDocs(7, "A", "B")}
	r := newTestRanker(t, lex, nil, &fakeParser{}, &fakeScorer{})

	resp, err := r.Search(context.Background(), "  melanoma  ", domain.DefaultRankOptions())
	require.NoError(t, err)

	assert.Equal(t, "melanoma", lex.gotQuery)
	// Small pages still retrieve a pool large enough for the boost layer.
	assert.Equal(t, minSearchPool, lex.gotSize)

	assert.Equal(t, 7, resp.Total)
	assert.Nil(t, resp.CandidateTotal)
	assert.False(t, resp.Truncated)
	require.Equal(t, []string{"A", "B"}, hitIDs(resp))

	// Retrieval-only: feasibility stays unset, score is normalized retrieval.
	assert.Nil(t, resp.Hits[0].IsFeasible)
	assert.Equal(t, 1.0, resp.Hits[0].Score)
	assert.Equal(t, 0.0, resp.Hits[1].Score)
}

func TestSearchUsesConfiguredMinPool(t *testing.T) {
	lex := &fakeLexical{result: lexDocs(0)}
	r, err := NewRankerService(lex, nil, &fakeParser{}, &fakeScorer{}, &fakeLinker{}, testDict(),
		domain.RankingConfig{CandidateSize: 1000, MinSearchPool: 200}, logrus.New())
	require.NoError(t, err)

	_, err = r.Search(context.Background(), "melanoma", domain.DefaultRankOptions())
	require.NoError(t, err)
	assert.Equal(t, 200, lex.gotSize)
}

func TestSearchValidatesOptions(t *testing.T) {
	r := newTestRanker(t, &fakeLexical{result: lexDocs(0)}, nil, &fakeParser{}, &fakeScorer{})

	opts := domain.DefaultRankOptions()
	opts.Size = 500
	_, err := r.Search(context.Background(), "melanoma", opts)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestBuildQueryTextEmptyProfile(t *testing.T) {
	assert.Equal(t, "", buildQueryText(&domain.PatientProfile{}))
}
