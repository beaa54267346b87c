package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/trial-match-server/internal/domain"
	"github.com/trial-match-server/pkg/synonyms"
)

// Rule weights. Condition relevance dominates; demographic gates contribute
// little but can veto.
const (
	weightCondition       = 40.0
	weightConditionUnsure = 5.0
	weightBiomarker       = 25.0
	weightECOG            = 15.0
	weightLabEach         = 5.0
	weightLabCap          = 15.0
	weightAge             = 5.0
	weightSex             = 5.0
	weightWashout         = 5.0
	weightLines           = 10.0
	scoreCeil             = 100.0
)

// FeasibilityScorerService evaluates a parsed trial against a patient
// profile. Scoring is deterministic; the only external dependency is the
// concept linker, consulted when the caller did not precompute patient CUIs.
type FeasibilityScorerService struct {
	linker     domain.ConceptLinker
	normalizer *synonyms.BiomarkerNormalizer
	logger     *logrus.Logger
}

// NewFeasibilityScorerService creates a scorer. The linker may be a stub.
func NewFeasibilityScorerService(linker domain.ConceptLinker, normalizer *synonyms.BiomarkerNormalizer, logger *logrus.Logger) *FeasibilityScorerService {
	return &FeasibilityScorerService{linker: linker, normalizer: normalizer, logger: logger}
}

// Score implements domain.Scorer.
func (s *FeasibilityScorerService) Score(ctx context.Context, profile *domain.PatientProfile, parsed *domain.ParsedCriteria, meta *domain.TrialDoc, patientCUIs []string) (*domain.FeasibilityResult, error) {
	if profile == nil {
		return nil, domain.NewValidationError("profile", "patient profile is required", nil)
	}
	if parsed == nil {
		return nil, domain.NewMatchError(domain.ErrScore, "parsed criteria missing", nil)
	}

	// Structured trial fields override the parsed values, also when the
	// parse came from the per-trial cache.
	parsed = parsed.WithTrialMetadata(meta)

	result := &domain.FeasibilityResult{
		IsFeasible:     true,
		Reasons:        []string{},
		ParsedCriteria: parsed,
	}

	// 1. Hard exclusions short-circuit everything else.
	if flag, hit := s.hardExclusion(profile, parsed); hit {
		result.Score = 0
		result.IsFeasible = false
		result.Reasons = []string{"Hard Exclusion: " + flag}
		return result, nil
	}

	score := 0.0
	score += s.scoreCondition(ctx, profile, parsed, patientCUIs, result)
	score += s.scoreBiomarkers(profile, parsed, result)
	score += s.scoreECOG(profile, parsed, result)
	score += s.scoreLabs(profile, parsed, result)
	score += s.scoreAge(profile, parsed, result)
	score += s.scoreSex(profile, parsed, result)
	score += s.scoreWashout(profile, parsed, result)
	score += s.scoreLines(profile, parsed, result)

	if score > scoreCeil {
		score = scoreCeil
	}
	if !result.IsFeasible {
		score = 0
	}
	result.Score = score
	return result, nil
}

// hardExclusion reports the first exclusion flag present in the patient's
// conditions or history.
func (s *FeasibilityScorerService) hardExclusion(profile *domain.PatientProfile, parsed *domain.ParsedCriteria) (string, bool) {
	if len(parsed.Exclusions) == 0 {
		return "", false
	}
	patient := make([]string, 0, len(profile.Conditions)+len(profile.History))
	for _, c := range profile.Conditions {
		patient = append(patient, strings.ToLower(strings.TrimSpace(c)))
	}
	for _, h := range profile.History {
		patient = append(patient, strings.ToLower(strings.TrimSpace(h)))
	}
	for _, flag := range parsed.Exclusions {
		// Flags compare both verbatim and with underscores as spaces, so
		// "CNS_Mets" matches a history entry of "cns mets".
		lower := strings.ToLower(flag)
		spaced := strings.ReplaceAll(lower, "_", " ")
		for _, p := range patient {
			if p == "" {
				continue
			}
			if p == lower || p == spaced || strings.Contains(p, spaced) {
				return flag, true
			}
		}
	}
	return "", false
}

func (s *FeasibilityScorerService) scoreCondition(ctx context.Context, profile *domain.PatientProfile, parsed *domain.ParsedCriteria, patientCUIs []string, result *domain.FeasibilityResult) float64 {
	if len(profile.Conditions) == 0 {
		result.Reasons = append(result.Reasons, "No patient conditions given, relevance unclear")
		return weightConditionUnsure
	}

	if patientCUIs == nil && s.linker != nil {
		cuis, err := s.linker.ExtractCUIsMany(ctx, profile.Conditions)
		if err == nil {
			patientCUIs = cuis
		} else if s.logger != nil {
			s.logger.WithError(err).Debug("concept linker unavailable, using substring condition match")
		}
	}

	if len(patientCUIs) > 0 && len(parsed.ConditionsCUIs) > 0 {
		trialCUIs := make(map[string]struct{}, len(parsed.ConditionsCUIs))
		for _, c := range parsed.ConditionsCUIs {
			trialCUIs[c] = struct{}{}
		}
		for _, c := range patientCUIs {
			if _, hit := trialCUIs[c]; hit {
				result.Reasons = append(result.Reasons, "Condition match (concept overlap)")
				return weightCondition
			}
		}
	}

	// Substring fallback covers dictionaries and vocabularies the linker
	// does not know.
	for _, pc := range profile.Conditions {
		p := strings.ToLower(strings.TrimSpace(pc))
		if p == "" {
			continue
		}
		for _, tc := range parsed.Conditions {
			t := strings.ToLower(tc)
			if strings.Contains(t, p) || strings.Contains(p, t) {
				result.Reasons = append(result.Reasons, fmt.Sprintf("Condition match: %s", pc))
				return weightCondition
			}
		}
	}

	result.IsFeasible = false
	result.Reasons = append(result.Reasons, "No condition overlap with trial")
	return 0
}

func (s *FeasibilityScorerService) scoreBiomarkers(profile *domain.PatientProfile, parsed *domain.ParsedCriteria, result *domain.FeasibilityResult) float64 {
	if len(profile.Biomarkers) == 0 || len(parsed.Biomarkers) == 0 {
		return 0
	}
	trial := make(map[string]struct{}, len(parsed.Biomarkers))
	for _, b := range parsed.Biomarkers {
		trial[strings.ToLower(b)] = struct{}{}
	}
	for _, b := range profile.Biomarkers {
		key := b
		if s.normalizer != nil {
			if k, ok := s.normalizer.Normalize(b); ok {
				key = k
			}
		}
		if _, hit := trial[strings.ToLower(key)]; hit {
			result.Reasons = append(result.Reasons, fmt.Sprintf("Biomarker match: %s", key))
			return weightBiomarker
		}
	}
	return 0
}

func (s *FeasibilityScorerService) scoreECOG(profile *domain.PatientProfile, parsed *domain.ParsedCriteria, result *domain.FeasibilityResult) float64 {
	if len(parsed.ECOGAllowed) == 0 || profile.ECOG == nil {
		return 0
	}
	for _, v := range parsed.ECOGAllowed {
		if v == *profile.ECOG {
			result.Reasons = append(result.Reasons, fmt.Sprintf("ECOG %d within allowed set", *profile.ECOG))
			return weightECOG
		}
	}
	result.IsFeasible = false
	result.Reasons = append(result.Reasons, fmt.Sprintf("ECOG %d outside allowed set %v", *profile.ECOG, parsed.ECOGAllowed))
	return 0
}

func (s *FeasibilityScorerService) scoreLabs(profile *domain.PatientProfile, parsed *domain.ParsedCriteria, result *domain.FeasibilityResult) float64 {
	if len(parsed.Labs) == 0 || len(profile.Labs) == 0 {
		return 0
	}
	total := 0.0
	for _, lab := range sortedLabKeys(parsed.Labs) {
		rule := parsed.Labs[lab]
		value, present := profile.Labs[lab]
		if !present || value == nil {
			continue
		}
		if rule.Operator.Compare(*value, rule.Value) {
			if total < weightLabCap {
				total += weightLabEach
			}
			result.Reasons = append(result.Reasons, fmt.Sprintf("Lab %s %g %s %g passes", lab, *value, rule.Operator, rule.Value))
			continue
		}
		result.IsFeasible = false
		result.Reasons = append(result.Reasons, fmt.Sprintf("Lab %s %g fails requirement %s %g", lab, *value, rule.Operator, rule.Value))
	}
	if total > weightLabCap {
		total = weightLabCap
	}
	return total
}

func sortedLabKeys(labs map[string]domain.LabRule) []string {
	keys := make([]string, 0, len(labs))
	for k := range labs {
		keys = append(keys, k)
	}
	// Deterministic rule order keeps reasons stable across runs.
	sort.Strings(keys)
	return keys
}

func (s *FeasibilityScorerService) scoreAge(profile *domain.PatientProfile, parsed *domain.ParsedCriteria, result *domain.FeasibilityResult) float64 {
	if profile.Age == nil {
		return 0
	}
	age := float64(*profile.Age)
	if parsed.AgeRange.Contains(age) {
		result.Reasons = append(result.Reasons, fmt.Sprintf("Age %d within [%g, %g]", *profile.Age, parsed.AgeRange.Lo, parsed.AgeRange.Hi))
		return weightAge
	}
	result.IsFeasible = false
	result.Reasons = append(result.Reasons, fmt.Sprintf("Age %d outside [%g, %g]", *profile.Age, parsed.AgeRange.Lo, parsed.AgeRange.Hi))
	return 0
}

func (s *FeasibilityScorerService) scoreSex(profile *domain.PatientProfile, parsed *domain.ParsedCriteria, result *domain.FeasibilityResult) float64 {
	patient := domain.ParsePatientSex(profile.Sex)
	if patient == domain.SexUnknown {
		return 0
	}
	if parsed.Sex == domain.SexAll || parsed.Sex == patient {
		result.Reasons = append(result.Reasons, "Sex eligible")
		return weightSex
	}
	result.IsFeasible = false
	result.Reasons = append(result.Reasons, fmt.Sprintf("Trial restricted to %s", parsed.Sex))
	return 0
}

func (s *FeasibilityScorerService) scoreWashout(profile *domain.PatientProfile, parsed *domain.ParsedCriteria, result *domain.FeasibilityResult) float64 {
	if profile.DaysSinceLastTreatment == nil || parsed.Temporal.ChemoWashoutDays == nil {
		return 0
	}
	required := *parsed.Temporal.ChemoWashoutDays
	if *profile.DaysSinceLastTreatment >= required {
		result.Reasons = append(result.Reasons, fmt.Sprintf("Washout satisfied (%d >= %d days)", *profile.DaysSinceLastTreatment, required))
		return weightWashout
	}
	result.IsFeasible = false
	result.Reasons = append(result.Reasons, fmt.Sprintf("Washout not met (%d < %d days)", *profile.DaysSinceLastTreatment, required))
	return 0
}

func (s *FeasibilityScorerService) scoreLines(profile *domain.PatientProfile, parsed *domain.ParsedCriteria, result *domain.FeasibilityResult) float64 {
	if profile.PriorLines == nil {
		return 0
	}
	if parsed.LinesOfTherapy.Contains(*profile.PriorLines) {
		result.Reasons = append(result.Reasons, fmt.Sprintf("%d prior lines within [%d, %d]", *profile.PriorLines, parsed.LinesOfTherapy.Min, parsed.LinesOfTherapy.Max))
		return weightLines
	}
	result.IsFeasible = false
	result.Reasons = append(result.Reasons, fmt.Sprintf("%d prior lines outside [%d, %d]", *profile.PriorLines, parsed.LinesOfTherapy.Min, parsed.LinesOfTherapy.Max))
	return 0
}
