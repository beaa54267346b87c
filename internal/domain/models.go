package domain

import "strings"

// Location is a single trial site.
type Location struct {
	FacilityName string `json:"facility_name,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	Country      string `json:"country,omitempty"`
}

// TrialDoc is a trial document as stored in the lexical index. It is
// read-only at request time; ingestion owns its lifecycle.
type TrialDoc struct {
	NCTID                  string          `json:"nct_id"`
	Title                  string          `json:"title,omitempty"`
	BriefSummary           string          `json:"brief_summary,omitempty"`
	DetailedDescription    string          `json:"detailed_description,omitempty"`
	Conditions             []string        `json:"conditions,omitempty"`
	ConditionsCUIs         []string        `json:"conditions_cuis,omitempty"`
	Phase                  string          `json:"phase,omitempty"`
	OverallStatus          string          `json:"overall_status,omitempty"`
	StudyType              string          `json:"study_type,omitempty"`
	MinAgeYears            *float64        `json:"min_age_years,omitempty"`
	MaxAgeYears            *float64        `json:"max_age_years,omitempty"`
	Sex                    string          `json:"sex,omitempty"`
	Locations              []Location      `json:"locations,omitempty"`
	CriteriaInclusion      string          `json:"criteria_inclusion,omitempty"`
	CriteriaExclusion      string          `json:"criteria_exclusion,omitempty"`
	EligibilityCriteriaRaw string          `json:"eligibility_criteria_raw,omitempty"`
	ParsedCriteria         *ParsedCriteria `json:"parsed_criteria,omitempty"`
}

// CriteriaText assembles a single block for the criteria parser from the raw
// eligibility text plus any separate inclusion/exclusion blocks.
func (d *TrialDoc) CriteriaText() string {
	parts := make([]string, 0, 3)
	if d.EligibilityCriteriaRaw != "" {
		parts = append(parts, d.EligibilityCriteriaRaw)
	}
	if d.CriteriaInclusion != "" {
		parts = append(parts, "Inclusion: "+d.CriteriaInclusion)
	}
	if d.CriteriaExclusion != "" {
		parts = append(parts, "Exclusion: "+d.CriteriaExclusion)
	}
	return joinNonEmpty(parts, "\n")
}

func joinNonEmpty(parts []string, sep string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += sep
		}
		out += p
	}
	return out
}

// AgeRange is an inclusive age window in years.
type AgeRange struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

// Contains reports whether age falls inside the window.
func (r AgeRange) Contains(age float64) bool {
	return r.Lo <= age && age <= r.Hi
}

// LabRule is a single lab threshold requirement, e.g. Creatinine < 1.5.
type LabRule struct {
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
	Unit     string   `json:"unit,omitempty"`
}

// TherapyLines bounds the allowed count of prior systemic therapy lines.
type TherapyLines struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Contains reports whether n falls inside [Min, Max].
func (t TherapyLines) Contains(n int) bool {
	return t.Min <= n && n <= t.Max
}

// Temporal carries washout requirements extracted from criteria text, in days.
type Temporal struct {
	ChemoWashoutDays   *int `json:"chemo_washout_days,omitempty"`
	SurgeryWashoutDays *int `json:"surgery_washout_days,omitempty"`
}

// ParsedCriteria is the structured form of a trial's eligibility criteria.
// It is produced by the criteria parser, cached per trial in the lexical
// index, and treated as immutable afterwards.
type ParsedCriteria struct {
	AgeRange       AgeRange           `json:"age_range"`
	Sex            Sex                `json:"sex"`
	Conditions     []string           `json:"conditions"`
	Biomarkers     []string           `json:"biomarkers"`
	ECOGAllowed    []int              `json:"ecog_allowed"`
	Labs           map[string]LabRule `json:"labs"`
	Temporal       Temporal           `json:"temporal"`
	LinesOfTherapy TherapyLines       `json:"lines_of_therapy"`
	Exclusions     []string           `json:"exclusions"`
	ConditionsCUIs []string           `json:"conditions_cuis,omitempty"`
}

// WithTrialMetadata returns a copy with the trial's structured fields
// overlaid: numeric age bounds and sex replace the parsed values, structured
// conditions are unioned in, and condition CUIs attach verbatim. Condition
// keys flagged as exclusions are not re-admitted. Cached parses are shared
// across requests, so the receiver is never mutated.
func (pc *ParsedCriteria) WithTrialMetadata(meta *TrialDoc) *ParsedCriteria {
	if meta == nil {
		return pc
	}
	out := *pc
	out.Conditions = append([]string{}, pc.Conditions...)

	if meta.MinAgeYears != nil {
		out.AgeRange.Lo = clampAgeBound(*meta.MinAgeYears)
	}
	if meta.MaxAgeYears != nil {
		out.AgeRange.Hi = clampAgeBound(*meta.MaxAgeYears)
	}
	if out.AgeRange.Lo > out.AgeRange.Hi {
		out.AgeRange.Hi = MaxAgeCeil
	}
	if meta.Sex != "" {
		out.Sex = ParseSex(meta.Sex)
	}

	excluded := make(map[string]struct{}, len(out.Exclusions))
	for _, f := range out.Exclusions {
		excluded[f] = struct{}{}
	}
	seen := make(map[string]struct{}, len(out.Conditions))
	for _, c := range out.Conditions {
		seen[c] = struct{}{}
	}
	for _, c := range meta.Conditions {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		if _, bad := excluded[c]; bad {
			continue
		}
		seen[c] = struct{}{}
		out.Conditions = append(out.Conditions, c)
	}

	if len(meta.ConditionsCUIs) > 0 {
		out.ConditionsCUIs = append([]string{}, meta.ConditionsCUIs...)
	}
	return &out
}

func clampAgeBound(v float64) float64 {
	if v < MinAgeFloor {
		return MinAgeFloor
	}
	if v > MaxAgeCeil {
		return MaxAgeCeil
	}
	return v
}

// PatientProfile is the structured patient input for ranking requests.
// Pointer fields distinguish "absent" from zero values.
type PatientProfile struct {
	Age                    *int                `json:"age,omitempty"`
	Sex                    string              `json:"sex,omitempty"`
	Conditions             []string            `json:"conditions,omitempty"`
	Biomarkers             []string            `json:"biomarkers,omitempty"`
	History                []string            `json:"history,omitempty"`
	ECOG                   *int                `json:"ecog,omitempty"`
	PriorLines             *int                `json:"prior_lines,omitempty"`
	DaysSinceLastTreatment *int                `json:"days_since_last_treatment,omitempty"`
	Labs                   map[string]*float64 `json:"labs,omitempty"`
}

// FeasibilityResult is the outcome of evaluating one trial against a profile.
type FeasibilityResult struct {
	Score          float64         `json:"score"`
	IsFeasible     bool            `json:"is_feasible"`
	Reasons        []string        `json:"reasons"`
	ParsedCriteria *ParsedCriteria `json:"parsed_criteria,omitempty"`
}

// TrialHit is one ranked trial in a search or rank response. Feasibility
// fields stay nil when the trial was not (or could not be) evaluated.
type TrialHit struct {
	NCTID                  string          `json:"nct_id"`
	Title                  string          `json:"title,omitempty"`
	BriefSummary           string          `json:"brief_summary,omitempty"`
	Phase                  string          `json:"phase,omitempty"`
	OverallStatus          string          `json:"overall_status,omitempty"`
	Conditions             []string        `json:"conditions"`
	ConditionsCUIs         []string        `json:"conditions_cuis"`
	StudyType              string          `json:"study_type,omitempty"`
	Locations              []string        `json:"locations"`
	Score                  float64         `json:"score"`
	RetrievalScore         *float64        `json:"retrieval_score,omitempty"`
	RetrievalScoreRaw      *float64        `json:"retrieval_score_raw,omitempty"`
	FeasibilityScore       *float64        `json:"feasibility_score,omitempty"`
	FeasibilityReasons     []string        `json:"feasibility_reasons"`
	IsFeasible             *bool           `json:"is_feasible,omitempty"`
	EligibilityCriteriaRaw string          `json:"eligibility_criteria_raw,omitempty"`
	ParsedCriteria         *ParsedCriteria `json:"parsed_criteria,omitempty"`
	MinAgeYears            *float64        `json:"min_age_years,omitempty"`
	MaxAgeYears            *float64        `json:"max_age_years,omitempty"`
	Sex                    string          `json:"sex,omitempty"`
}

// SearchResponse is a page of ranked trials.
type SearchResponse struct {
	Total          int        `json:"total"`
	Page           int        `json:"page"`
	Size           int        `json:"size"`
	Hits           []TrialHit `json:"hits"`
	CandidateTotal *int       `json:"candidate_total,omitempty"`
	Truncated      bool       `json:"truncated"`
}

// RankOptions are the recognized tuning knobs for Rank and Search.
// BM25Weight is accepted for API compatibility; rank fusion uses RRF.
type RankOptions struct {
	Phase             string  `json:"phase,omitempty"`
	OverallStatus     string  `json:"overall_status,omitempty"`
	Condition         string  `json:"condition,omitempty"`
	Country           string  `json:"country,omitempty"`
	BM25Weight        float64 `json:"bm25_weight"`
	FeasibilityWeight float64 `json:"feasibility_weight"`
	CandidateSize     int     `json:"candidate_size,omitempty"`
	Page              int     `json:"page"`
	Size              int     `json:"size"`
	UseCandidateTotal bool    `json:"use_candidate_total,omitempty"`
}

// DefaultRankOptions returns the option defaults for /rank.
func DefaultRankOptions() RankOptions {
	return RankOptions{
		BM25Weight:        0.5,
		FeasibilityWeight: 0.6,
		CandidateSize:     1000,
		Page:              1,
		Size:              20,
		UseCandidateTotal: true,
	}
}

// SearchFilters are the AND-combined boolean filters of the lexical query.
type SearchFilters struct {
	Phase     string
	Status    string
	Condition string
	Country   string
	Age       *int
	Sex       Sex
}

// TrialDetail is the full relational record for one trial, served by the
// trial repository for detail lookups.
type TrialDetail struct {
	NCTID                  string     `json:"nct_id"`
	Title                  string     `json:"title,omitempty"`
	OfficialTitle          string     `json:"official_title,omitempty"`
	BriefSummary           string     `json:"brief_summary,omitempty"`
	DetailedDescription    string     `json:"detailed_description,omitempty"`
	Conditions             []string   `json:"conditions"`
	Interventions          []string   `json:"interventions"`
	StudyType              string     `json:"study_type,omitempty"`
	Phase                  string     `json:"phase,omitempty"`
	OverallStatus          string     `json:"overall_status,omitempty"`
	MinAgeYears            *int       `json:"min_age_years,omitempty"`
	MaxAgeYears            *int       `json:"max_age_years,omitempty"`
	Sex                    string     `json:"sex,omitempty"`
	HealthyVolunteers      *bool      `json:"healthy_volunteers,omitempty"`
	EnrollmentActual       *int       `json:"enrollment_actual,omitempty"`
	EnrollmentTarget       *int       `json:"enrollment_target,omitempty"`
	StartDate              string     `json:"start_date,omitempty"`
	PrimaryCompletionDate  string     `json:"primary_completion_date,omitempty"`
	CompletionDate         string     `json:"completion_date,omitempty"`
	LastUpdated            string     `json:"last_updated,omitempty"`
	Locations              []Location `json:"locations"`
	CriteriaInclusion      string     `json:"criteria_inclusion,omitempty"`
	CriteriaExclusion      string     `json:"criteria_exclusion,omitempty"`
	EligibilityCriteriaRaw string     `json:"eligibility_criteria_raw,omitempty"`
}
