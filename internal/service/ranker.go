package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/trial-match-server/internal/domain"
	"github.com/trial-match-server/internal/search"
	"github.com/trial-match-server/pkg/synonyms"
)

const (
	// minSearchPool keeps free-text search pools large enough for the
	// boost layer to matter even on page one.
	minSearchPool = 50

	maxPageSize          = 100
	defaultParsedLRUSize = 4096
	defaultParallelism   = 8
)

// RankerService drives the full pipeline: profile normalization, hybrid
// retrieval, rank fusion, feasibility evaluation, blending and pagination.
type RankerService struct {
	lexical    domain.LexicalSearcher
	dense      domain.DenseSearcher
	parser     domain.CriteriaParser
	scorer     domain.Scorer
	linker     domain.ConceptLinker
	conditions *synonyms.ConditionNormalizer
	biomarkers *synonyms.BiomarkerNormalizer
	parsedLRU  *lru.Cache[string, *domain.ParsedCriteria]
	cfg        domain.RankingConfig
	logger     *logrus.Logger
}

// NewRankerService wires the pipeline components together.
func NewRankerService(
	lexical domain.LexicalSearcher,
	dense domain.DenseSearcher,
	parser domain.CriteriaParser,
	scorer domain.Scorer,
	linker domain.ConceptLinker,
	dict *synonyms.Dictionary,
	cfg domain.RankingConfig,
	logger *logrus.Logger,
) (*RankerService, error) {
	parsedLRU, err := lru.New[string, *domain.ParsedCriteria](defaultParsedLRUSize)
	if err != nil {
		return nil, fmt.Errorf("creating parsed criteria cache: %w", err)
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = search.DefaultRRFK
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.MinSearchPool <= 0 {
		cfg.MinSearchPool = minSearchPool
	}
	return &RankerService{
		lexical:    lexical,
		dense:      dense,
		parser:     parser,
		scorer:     scorer,
		linker:     linker,
		conditions: synonyms.NewConditionNormalizer(dict),
		biomarkers: synonyms.NewBiomarkerNormalizer(dict),
		parsedLRU:  parsedLRU,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Rank implements domain.Ranker.
func (s *RankerService) Rank(ctx context.Context, profile *domain.PatientProfile, opts domain.RankOptions) (*domain.SearchResponse, error) {
	if profile == nil {
		return nil, domain.NewValidationError("profile", "patient profile is required", nil)
	}
	if err := validateOptions(&opts, s.cfg); err != nil {
		return nil, err
	}

	normalized := s.normalizeProfile(profile)
	query := buildQueryText(normalized)
	filters := buildFilters(normalized, opts)

	candidates, lexTotal, err := s.retrieve(ctx, query, filters, opts.CandidateSize)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &domain.SearchResponse{Total: 0, Page: opts.Page, Size: opts.Size, Hits: []domain.TrialHit{}}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, domain.NewMatchError(domain.ErrCancelled, "request cancelled", err)
	}

	patientCUIs := s.patientCUIs(ctx, normalized)
	hits, err := s.evaluate(ctx, normalized, candidates, patientCUIs)
	if err != nil {
		return nil, err
	}

	blendScores(hits, opts.FeasibilityWeight)
	kept := dropInfeasible(hits)

	sort.SliceStable(kept, func(a, b int) bool {
		return kept[a].hit.Score > kept[b].hit.Score
	})

	return paginate(kept, opts, lexTotal, len(candidates)), nil
}

// Search implements domain.Ranker. It runs the same retrieval pipeline over
// a free-text query without feasibility evaluation.
func (s *RankerService) Search(ctx context.Context, query string, opts domain.RankOptions) (*domain.SearchResponse, error) {
	if err := validateOptions(&opts, s.cfg); err != nil {
		return nil, err
	}
	// Free-text search never reports candidate accounting.
	opts.UseCandidateTotal = false

	pool := opts.Page * opts.Size
	if pool < s.cfg.MinSearchPool {
		pool = s.cfg.MinSearchPool
	}

	filters := domain.SearchFilters{
		Phase:     opts.Phase,
		Status:    opts.OverallStatus,
		Condition: opts.Condition,
		Country:   opts.Country,
	}

	candidates, lexTotal, err := s.retrieve(ctx, strings.TrimSpace(query), filters, pool)
	if err != nil {
		return nil, err
	}

	hits := make([]candidateHit, 0, len(candidates))
	for _, sd := range candidates {
		hits = append(hits, candidateHit{hit: toHit(sd.Doc), raw: sd.Score})
	}
	blendScores(hits, 0)

	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].hit.Score > hits[b].hit.Score
	})

	resp := paginate(hits, opts, lexTotal, len(candidates))
	resp.Total = lexTotal
	return resp, nil
}

// retrieve runs the lexical and dense queries in parallel and fuses the
// results. A lexical failure is fatal; a silent dense skip is not.
func (s *RankerService) retrieve(ctx context.Context, query string, filters domain.SearchFilters, candidateSize int) ([]domain.ScoredDoc, int, error) {
	var (
		lexResult *domain.LexicalResult
		denseHits []domain.DenseHit
	)

	denseReady := s.dense != nil && s.dense.Ready() && query != ""
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		res, err := s.lexical.Search(gctx, query, filters, candidateSize)
		if err != nil {
			return err
		}
		lexResult = res
		return nil
	})
	if denseReady {
		g.Go(func() error {
			k := 3 * candidateSize
			if k < candidateSize {
				k = candidateSize
			}
			hits, err := s.dense.Search(gctx, query, k)
			if err != nil {
				// Dense failures degrade to lexical-only.
				if s.logger != nil {
					s.logger.WithError(err).Warn("dense search failed, continuing lexical-only")
				}
				return nil
			}
			denseHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	if len(lexResult.Docs) > 0 {
		fused := search.FuseRRF(lexResult.Docs, denseHits, s.cfg.RRFK)
		return fused, lexResult.Total, nil
	}

	// Dense-only fallback: hydrate dense neighbours from the lexical store
	// and score them by normalized similarity.
	if denseReady && len(denseHits) > 0 {
		return s.denseFallback(ctx, denseHits)
	}

	return nil, lexResult.Total, nil
}

func (s *RankerService) denseFallback(ctx context.Context, denseHits []domain.DenseHit) ([]domain.ScoredDoc, int, error) {
	ids := make([]string, len(denseHits))
	sims := make([]float64, len(denseHits))
	for i, h := range denseHits {
		ids[i] = h.NCTID
		sims[i] = h.Similarity
	}
	norm := search.MinMaxNormalize(sims)

	docs, err := s.lexical.FetchByIDs(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	byID := make(map[string]domain.TrialDoc, len(docs))
	for _, d := range docs {
		byID[d.NCTID] = d
	}

	out := make([]domain.ScoredDoc, 0, len(denseHits))
	for i, h := range denseHits {
		doc, ok := byID[h.NCTID]
		if !ok {
			continue
		}
		out = append(out, domain.ScoredDoc{Doc: doc, Score: norm[i]})
	}
	return out, len(out), nil
}

// candidateHit carries one candidate through evaluation and blending.
type candidateHit struct {
	hit domain.TrialHit
	raw float64
}

// evaluate runs feasibility scoring for each candidate with bounded
// parallelism. Per-candidate parse or score failures keep the candidate
// with undetermined feasibility.
func (s *RankerService) evaluate(ctx context.Context, profile *domain.PatientProfile, candidates []domain.ScoredDoc, patientCUIs []string) ([]candidateHit, error) {
	hits := make([]candidateHit, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)

	for i := range candidates {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return domain.NewMatchError(domain.ErrCancelled, "request cancelled", err)
			}
			sd := candidates[i]
			ch := candidateHit{hit: toHit(sd.Doc), raw: sd.Score}

			// Nothing to evaluate: feasibility stays undetermined and
			// the candidate survives on retrieval alone.
			if sd.Doc.ParsedCriteria == nil && sd.Doc.CriteriaText() == "" {
				ch.hit.FeasibilityReasons = []string{"No eligibility criteria available"}
				hits[i] = ch
				return nil
			}

			parsed, err := s.parsedCriteria(&sd.Doc)
			if err != nil {
				ch.hit.FeasibilityReasons = []string{shortReason(err)}
				hits[i] = ch
				return nil
			}

			result, err := s.scorer.Score(gctx, profile, parsed, &sd.Doc, patientCUIs)
			if err != nil {
				ch.hit.FeasibilityReasons = []string{shortReason(err)}
				hits[i] = ch
				return nil
			}

			score := result.Score
			feasible := result.IsFeasible
			ch.hit.FeasibilityScore = &score
			ch.hit.IsFeasible = &feasible
			ch.hit.FeasibilityReasons = result.Reasons
			ch.hit.ParsedCriteria = result.ParsedCriteria
			hits[i] = ch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return hits, nil
}

// parsedCriteria prefers the cached parse on the document, then the LRU,
// then parses on the fly.
func (s *RankerService) parsedCriteria(doc *domain.TrialDoc) (parsed *domain.ParsedCriteria, err error) {
	if doc.ParsedCriteria != nil {
		return doc.ParsedCriteria, nil
	}
	if cached, ok := s.parsedLRU.Get(doc.NCTID); ok {
		return cached, nil
	}
	defer func() {
		if r := recover(); r != nil {
			parsed = nil
			err = domain.NewMatchError(domain.ErrParse, fmt.Sprintf("criteria parse panic: %v", r), nil)
		}
	}()
	parsed = s.parser.Parse(doc.CriteriaText(), doc)
	s.parsedLRU.Add(doc.NCTID, parsed)
	return parsed, nil
}

// patientCUIs computes the patient's concept ids once per request. Linker
// failures degrade to the scorer's substring fallback.
func (s *RankerService) patientCUIs(ctx context.Context, profile *domain.PatientProfile) []string {
	if s.linker == nil || len(profile.Conditions) == 0 {
		return []string{}
	}
	cuis, err := s.linker.ExtractCUIsMany(ctx, profile.Conditions)
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Debug("patient CUI extraction failed")
		}
		return []string{}
	}
	return cuis
}

// normalizeProfile returns a copy with conditions and biomarkers mapped to
// canonical dictionary keys, originals kept when unmapped.
func (s *RankerService) normalizeProfile(profile *domain.PatientProfile) *domain.PatientProfile {
	out := *profile
	out.Conditions = s.conditions.NormalizeList(profile.Conditions)
	out.Biomarkers = s.biomarkers.NormalizeList(profile.Biomarkers)
	return &out
}

// buildQueryText concatenates short phrases from the populated profile
// fields. Age and sex feed the filters instead of the query text.
func buildQueryText(profile *domain.PatientProfile) string {
	parts := []string{}
	if len(profile.Conditions) > 0 {
		parts = append(parts, "with "+strings.Join(profile.Conditions, ", ")+".")
	}
	if profile.ECOG != nil {
		parts = append(parts, fmt.Sprintf("ECOG performance status %d.", *profile.ECOG))
	}
	if len(profile.Biomarkers) > 0 {
		parts = append(parts, "Biomarkers: "+strings.Join(profile.Biomarkers, ", ")+".")
	}
	if len(profile.History) > 0 {
		parts = append(parts, "History of "+strings.Join(profile.History, ", ")+".")
	}
	if profile.PriorLines != nil {
		parts = append(parts, fmt.Sprintf("%d prior lines of systemic therapy.", *profile.PriorLines))
	}
	if profile.DaysSinceLastTreatment != nil {
		parts = append(parts, fmt.Sprintf("%d days since last treatment.", *profile.DaysSinceLastTreatment))
	}
	return strings.Join(parts, " ")
}

func buildFilters(profile *domain.PatientProfile, opts domain.RankOptions) domain.SearchFilters {
	return domain.SearchFilters{
		Phase:     opts.Phase,
		Status:    opts.OverallStatus,
		Condition: opts.Condition,
		Country:   opts.Country,
		Age:       profile.Age,
		Sex:       domain.ParsePatientSex(profile.Sex),
	}
}

func validateOptions(opts *domain.RankOptions, cfg domain.RankingConfig) error {
	defaults := domain.DefaultRankOptions()
	if opts.Page <= 0 {
		opts.Page = defaults.Page
	}
	if opts.Size == 0 {
		opts.Size = defaults.Size
	}
	if opts.Size < 1 || opts.Size > maxPageSize {
		return domain.NewValidationError("size", fmt.Sprintf("must be between 1 and %d", maxPageSize), opts.Size)
	}
	if opts.CandidateSize <= 0 {
		opts.CandidateSize = cfg.CandidateSize
	}
	if opts.CandidateSize <= 0 {
		opts.CandidateSize = defaults.CandidateSize
	}
	if opts.BM25Weight < 0 || opts.BM25Weight > 1 {
		return domain.NewValidationError("bm25_weight", "must be in [0, 1]", opts.BM25Weight)
	}
	if opts.FeasibilityWeight < 0 || opts.FeasibilityWeight > 1 {
		return domain.NewValidationError("feasibility_weight", "must be in [0, 1]", opts.FeasibilityWeight)
	}
	return nil
}

// blendScores min-max-normalizes retrieval scores across the candidate set
// and mixes in feasibility. Candidates with undetermined feasibility
// contribute zero on the feasibility side but stay in the list.
func blendScores(hits []candidateHit, feasibilityWeight float64) {
	if len(hits) == 0 {
		return
	}
	raw := make([]float64, len(hits))
	for i := range hits {
		raw[i] = hits[i].raw
	}
	norm := search.MinMaxNormalize(raw)

	for i := range hits {
		retrieval := norm[i]
		hits[i].hit.RetrievalScoreRaw = ptrFloat(hits[i].raw)
		hits[i].hit.RetrievalScore = ptrFloat(retrieval)

		feas := 0.0
		if hits[i].hit.FeasibilityScore != nil {
			feas = *hits[i].hit.FeasibilityScore / 100.0
		}
		hits[i].hit.Score = (1-feasibilityWeight)*retrieval + feasibilityWeight*feas
	}
}

// dropInfeasible removes candidates proven infeasible; undetermined ones
// are kept.
func dropInfeasible(hits []candidateHit) []candidateHit {
	out := make([]candidateHit, 0, len(hits))
	for _, h := range hits {
		if h.hit.IsFeasible != nil && !*h.hit.IsFeasible {
			continue
		}
		out = append(out, h)
	}
	return out
}

func paginate(hits []candidateHit, opts domain.RankOptions, lexTotal, candidateCount int) *domain.SearchResponse {
	start := (opts.Page - 1) * opts.Size
	end := start + opts.Size
	if start > len(hits) {
		start = len(hits)
	}
	if end > len(hits) {
		end = len(hits)
	}

	page := make([]domain.TrialHit, 0, end-start)
	for _, h := range hits[start:end] {
		page = append(page, h.hit)
	}

	resp := &domain.SearchResponse{
		Total:     len(hits),
		Page:      opts.Page,
		Size:      opts.Size,
		Hits:      page,
		Truncated: opts.UseCandidateTotal && lexTotal > candidateCount,
	}
	if opts.UseCandidateTotal {
		remaining := len(hits)
		resp.CandidateTotal = &remaining
	}
	return resp
}

func toHit(doc domain.TrialDoc) domain.TrialHit {
	locations := make([]string, 0, len(doc.Locations))
	for _, l := range doc.Locations {
		parts := []string{}
		if l.FacilityName != "" {
			parts = append(parts, l.FacilityName)
		}
		if l.City != "" {
			parts = append(parts, l.City)
		}
		if l.Country != "" {
			parts = append(parts, l.Country)
		}
		if len(parts) > 0 {
			locations = append(locations, strings.Join(parts, ", "))
		}
	}
	return domain.TrialHit{
		NCTID:                  doc.NCTID,
		Title:                  doc.Title,
		BriefSummary:           doc.BriefSummary,
		Phase:                  doc.Phase,
		OverallStatus:          doc.OverallStatus,
		Conditions:             doc.Conditions,
		ConditionsCUIs:         doc.ConditionsCUIs,
		StudyType:              doc.StudyType,
		Locations:              locations,
		FeasibilityReasons:     []string{},
		EligibilityCriteriaRaw: doc.EligibilityCriteriaRaw,
		MinAgeYears:            doc.MinAgeYears,
		MaxAgeYears:            doc.MaxAgeYears,
		Sex:                    doc.Sex,
	}
}

func ptrFloat(v float64) *float64 { return &v }

// shortReason trims an error to its leading message for per-candidate
// feasibility reasons.
func shortReason(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
