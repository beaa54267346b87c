package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trial-match-server/internal/domain"
	"github.com/trial-match-server/internal/feedback"
)

// rankRequest is the body of POST /api/v1/rank. Weights are pointers so an
// explicit zero is distinguishable from an absent field.
type rankRequest struct {
	Profile *domain.PatientProfile `json:"profile" binding:"required"`
	Options *rankOptionsPayload    `json:"options"`
}

type rankOptionsPayload struct {
	Phase             string   `json:"phase"`
	OverallStatus     string   `json:"overall_status"`
	Condition         string   `json:"condition"`
	Country           string   `json:"country"`
	BM25Weight        *float64 `json:"bm25_weight"`
	FeasibilityWeight *float64 `json:"feasibility_weight"`
	CandidateSize     int      `json:"candidate_size"`
	Page              int      `json:"page"`
	Size              int      `json:"size"`
}

// parseRequest is the body of POST /api/v1/criteria/parse.
type parseRequest struct {
	Text string           `json:"text"`
	Meta *domain.TrialDoc `json:"meta"`
}

// scoreRequest is the body of POST /api/v1/feasibility/score.
type scoreRequest struct {
	Profile     *domain.PatientProfile `json:"profile" binding:"required"`
	Parsed      *domain.ParsedCriteria `json:"parsed_criteria"`
	Meta        *domain.TrialDoc       `json:"meta"`
	PatientCUIs []string               `json:"patient_cuis"`
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{}

	if s.deps.Lexical != nil {
		if err := s.deps.Lexical.Ping(c.Request.Context()); err != nil {
			checks["lexical"] = "down"
			status = http.StatusServiceUnavailable
		} else {
			checks["lexical"] = "up"
		}
	}
	if s.deps.Dense != nil {
		if s.deps.Dense.Ready() {
			checks["dense"] = "ready"
		} else {
			checks["dense"] = "not_ready"
		}
	}

	c.JSON(status, gin.H{
		"status":    map[bool]string{true: "healthy", false: "degraded"}[status == http.StatusOK],
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

func (s *Server) handleRank(c *gin.Context) {
	var req rankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, domain.NewValidationError("body", err.Error(), nil))
		return
	}

	opts := domain.DefaultRankOptions()
	// A configured weight replaces the built-in default; an explicit
	// request value still wins in the merge below.
	if w := s.cfg.Ranking.FeasibilityWeight; w > 0 {
		opts.FeasibilityWeight = w
	}
	if req.Options != nil {
		opts = mergeOptions(opts, req.Options)
	}

	resp, err := s.deps.Ranker.Rank(c.Request.Context(), req.Profile, opts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSearch(c *gin.Context) {
	opts := domain.DefaultRankOptions()
	opts.UseCandidateTotal = false
	opts.Phase = c.Query("phase")
	opts.OverallStatus = c.Query("status")
	opts.Condition = c.Query("condition")
	opts.Country = c.Query("country")

	if v := c.Query("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			s.writeError(c, domain.NewValidationError("page", "must be a positive integer", v))
			return
		}
		opts.Page = page
	}
	if v := c.Query("size"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size < 1 {
			s.writeError(c, domain.NewValidationError("size", "must be a positive integer", v))
			return
		}
		opts.Size = size
	}

	resp, err := s.deps.Ranker.Search(c.Request.Context(), c.Query("q"), opts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTrialDetail(c *gin.Context) {
	if s.deps.Repository == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trial catalog not configured"})
		return
	}
	detail, err := s.deps.Repository.GetTrialDetail(c.Request.Context(), c.Param("nct_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) handleParseCriteria(c *gin.Context) {
	var req parseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, domain.NewValidationError("body", err.Error(), nil))
		return
	}
	text := req.Text
	if text == "" && req.Meta != nil {
		text = req.Meta.CriteriaText()
	}
	if text == "" {
		s.writeError(c, domain.NewValidationError("text", "criteria text is required", nil))
		return
	}
	c.JSON(http.StatusOK, s.deps.Parser.Parse(text, req.Meta))
}

func (s *Server) handleScoreFeasibility(c *gin.Context) {
	var req scoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, domain.NewValidationError("body", err.Error(), nil))
		return
	}

	parsed := req.Parsed
	if parsed == nil {
		if req.Meta == nil {
			s.writeError(c, domain.NewValidationError("parsed_criteria", "parsed criteria or trial metadata required", nil))
			return
		}
		parsed = s.deps.Parser.Parse(req.Meta.CriteriaText(), req.Meta)
	}

	result, err := s.deps.Scorer.Score(c.Request.Context(), req.Profile, parsed, req.Meta, req.PatientCUIs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSaveFeedback(c *gin.Context) {
	if s.deps.Feedback == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feedback store not configured"})
		return
	}
	var fb feedback.Feedback
	if err := c.ShouldBindJSON(&fb); err != nil {
		s.writeError(c, domain.NewValidationError("body", err.Error(), nil))
		return
	}
	if fb.NCTID == "" {
		s.writeError(c, domain.NewValidationError("nct_id", "nct_id is required", nil))
		return
	}
	if !fb.Verdict.Valid() {
		s.writeError(c, domain.NewValidationError("verdict", "must be agree, disagree or uncertain", fb.Verdict))
		return
	}
	if err := s.deps.Feedback.Save(c.Request.Context(), &fb); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, fb)
}

func (s *Server) handleListFeedback(c *gin.Context) {
	if s.deps.Feedback == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feedback store not configured"})
		return
	}
	limit := 50
	offset := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	entries, err := s.deps.Feedback.List(c.Request.Context(), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	total, err := s.deps.Feedback.Count(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []*feedback.Feedback{}
	}
	c.JSON(http.StatusOK, gin.H{
		"total":   total,
		"limit":   limit,
		"offset":  offset,
		"entries": entries,
	})
}

// mergeOptions overlays the request options onto the defaults. Pointer
// weights let an explicit zero override the default.
func mergeOptions(defaults domain.RankOptions, req *rankOptionsPayload) domain.RankOptions {
	out := defaults
	out.Phase = req.Phase
	out.OverallStatus = req.OverallStatus
	out.Condition = req.Condition
	out.Country = req.Country
	if req.BM25Weight != nil {
		out.BM25Weight = *req.BM25Weight
	}
	if req.FeasibilityWeight != nil {
		out.FeasibilityWeight = *req.FeasibilityWeight
	}
	if req.CandidateSize > 0 {
		out.CandidateSize = req.CandidateSize
	}
	if req.Page > 0 {
		out.Page = req.Page
	}
	if req.Size > 0 {
		out.Size = req.Size
	}
	return out
}

// writeError maps the failure taxonomy onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	correlationID := c.GetString("correlation_id")

	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":          ve.Message,
			"field":          ve.Field,
			"correlation_id": correlationID,
		})
		return
	}

	var me *domain.MatchError
	if errors.As(err, &me) {
		status := http.StatusInternalServerError
		switch me.Code {
		case domain.ErrValidation:
			status = http.StatusBadRequest
		case domain.ErrNoResults:
			status = http.StatusNotFound
		case domain.ErrLexicalBackend:
			status = http.StatusBadGateway
		case domain.ErrCancelled:
			status = http.StatusRequestTimeout
		}
		c.JSON(status, gin.H{
			"error":          me.Message,
			"code":           me.Code,
			"correlation_id": correlationID,
		})
		return
	}

	s.log.WithError(err).Error("unhandled request error")
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":          "internal server error",
		"correlation_id": correlationID,
	})
}
