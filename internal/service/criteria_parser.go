// Package service implements the clinical matching core: criteria parsing,
// feasibility scoring and the retrieval/rerank pipeline.
package service

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/trial-match-server/internal/domain"
	"github.com/trial-match-server/pkg/synonyms"
)

// Patterns are compiled once at package init. All of them run against
// lowercased text.
var (
	exclusionHeadingRe = regexp.MustCompile(`exclusion criteria`)

	ageMinRe = regexp.MustCompile(`(?:≥|>=|at least|age)\s*:?\s*(\d{1,3})\s*(?:years|yrs|y\.o\.|yo)\b`)
	ageMaxRe = regexp.MustCompile(`(?:≤|<=|up to|younger than)\s*:?\s*(\d{1,3})\s*(?:years|yrs|y\.o\.|yo)\b`)

	femaleRe = regexp.MustCompile(`\b(?:women|woman|female|females)\b`)
	maleRe   = regexp.MustCompile(`\b(?:men|man|male|males)\b`)

	ecogPrefix  = `ecog(?:\s*(?:performance\s*status|performance|ps))?\s*(?:status)?\s*(?:score)?\s*(?:of)?\s*`
	ecogRangeRe = regexp.MustCompile(ecogPrefix + `(\d)\s*(?:-|–|to)\s*(\d)`)
	ecogUpperRe = regexp.MustCompile(ecogPrefix + `(?:≤|<=|less than or equal to|no more than|up to)\s*(\d)`)
	ecogListRe  = regexp.MustCompile(ecogPrefix + `(\d(?:\s*(?:,|or|/)\s*\d)+|\d)\b`)

	labOperatorRe = regexp.MustCompile(`(>=|<=|≥|≤|>|<|=|at least|greater than or equal to|less than or equal to|greater than|less than|no more than)\s*(\d+(?:\.\d+)?)\s*(x\s*uln|g/dl|mg/dl|/mm3|/mcl|/ul|10\^9/l|iu/l|u/l|ml/min|%)?`)

	washoutRe = regexp.MustCompile(`(\d+)\s*(days?|weeks?|months?)\s+(?:since|from|after|following)\s+(?:the\s+)?(?:last\s+|prior\s+|previous\s+)?(?:\w+\s+)?(chemotherapy|chemo|treatment|therapy|surgery|operation)`)

	linesNaiveRe = regexp.MustCompile(`treatment[\s-]?na[iï]ve|therapy[\s-]?na[iï]ve|chemo(?:therapy)?[\s-]?na[iï]ve|treatment[\s-]?free|no prior (?:systemic\s+)?(?:therapy|treatment|chemotherapy)`)
	linesMinRe   = regexp.MustCompile(`(?:received|at least|≥|>=)\s*(\d+)\s*(?:prior\s+)?(?:lines?|regimens?)`)
	linesMaxRe   = regexp.MustCompile(`(?:no more than|up to|≤|<=|maximum of)\s*(\d+)\s*(?:prior\s+)?(?:lines?|regimens?)`)
)

// exclusionPatterns maps each canonical exclusion flag to its trigger
// pattern. Flags are scanned over the full text, not just the exclusion
// half, since many protocols fold exclusions into one block.
var exclusionPatterns = []struct {
	flag    string
	pattern *regexp.Regexp
}{
	{domain.ExclusionCNSMets, regexp.MustCompile(`(?:brain|cns)\s+metastas|leptomeningeal`)},
	{domain.ExclusionHIV, regexp.MustCompile(`\bhiv\b|human immunodeficiency`)},
	{domain.ExclusionHepatitis, regexp.MustCompile(`hepatitis\s*[abc]?\b|\bhbv\b|\bhcv\b`)},
	{domain.ExclusionPregnancy, regexp.MustCompile(`pregnan|breast[\s-]?feeding|lactat`)},
	{domain.ExclusionPriorMalignancy, regexp.MustCompile(`(?:prior|previous|other|second|concurrent)\s+malignanc`)},
	{domain.ExclusionCardiacDysfunction, regexp.MustCompile(`(?:cardiac|heart)\s+(?:failure|dysfunction|disease)|myocardial\s+infarction|unstable\s+angina|congestive\s+heart|\bnyha\b|qtc?\s+prolong|arrhythmia`)},
	{domain.ExclusionRenalDysfunction, regexp.MustCompile(`renal\s+(?:failure|impairment|insufficiency|dysfunction)|kidney\s+failure|dialysis`)},
	{domain.ExclusionHepaticDysfunction, regexp.MustCompile(`hepatic\s+(?:failure|impairment|insufficiency|dysfunction)|liver\s+failure|cirrhosis|child[\s-]pugh`)},
	{domain.ExclusionPulmonaryDysfunction, regexp.MustCompile(`pulmonary\s+(?:fibrosis|dysfunction|disease)|interstitial\s+lung|pneumonitis|\bcopd\b`)},
	{domain.ExclusionAutoimmuneDisease, regexp.MustCompile(`autoimmune`)},
	{domain.ExclusionActiveInfection, regexp.MustCompile(`active\s+(?:\w+\s+)?infection|uncontrolled\s+infection`)},
	{domain.ExclusionBleedingDisorder, regexp.MustCompile(`bleeding\s+(?:disorder|diathesis)|coagulopathy|hemorrhag`)},
	{domain.ExclusionSeizureDisorder, regexp.MustCompile(`seizure|epilep`)},
}

// labWindow is how far past a lab surface form the threshold expression may
// start. Criteria lines keep the value close to the analyte name.
const labWindow = 48

// CriteriaParserService turns free-text eligibility criteria plus structured
// trial metadata into ParsedCriteria. Parsing is deterministic and pure given
// the text, the metadata and the loaded dictionary.
type CriteriaParserService struct {
	dict   *synonyms.Dictionary
	logger *logrus.Logger
}

// NewCriteriaParserService creates a parser over the given dictionary.
func NewCriteriaParserService(dict *synonyms.Dictionary, logger *logrus.Logger) *CriteriaParserService {
	return &CriteriaParserService{dict: dict, logger: logger}
}

// Parse implements domain.CriteriaParser.
func (p *CriteriaParserService) Parse(text string, meta *domain.TrialDoc) *domain.ParsedCriteria {
	lower := strings.ToLower(text)
	inclusion, _ := splitCriteria(lower)
	full := lower

	parsed := &domain.ParsedCriteria{
		AgeRange:       domain.AgeRange{Lo: domain.MinAgeFloor, Hi: domain.MaxAgeCeil},
		Sex:            domain.SexAll,
		Conditions:     []string{},
		Biomarkers:     []string{},
		ECOGAllowed:    []int{},
		Labs:           map[string]domain.LabRule{},
		LinesOfTherapy: domain.TherapyLines{Min: 0, Max: domain.MaxTherapyLines},
		Exclusions:     []string{},
	}

	p.parseAge(full, parsed)
	p.parseSex(full, parsed)
	p.parseConditions(inclusion, parsed)
	p.parseBiomarkers(inclusion, parsed)
	p.parseECOG(full, parsed)
	p.parseLabs(inclusion, parsed)
	p.parseTemporal(full, parsed)
	p.parseLines(full, parsed)
	p.parseExclusions(full, parsed)

	parsed = parsed.WithTrialMetadata(meta)

	// A key flagged as an exclusion must not survive as a target condition.
	parsed.Conditions = removeExcluded(parsed.Conditions, parsed.Exclusions)

	return parsed
}

// splitCriteria separates inclusion from exclusion text at the first
// "exclusion criteria" heading. Without one the whole text is inclusion.
func splitCriteria(lower string) (inclusion, exclusion string) {
	loc := exclusionHeadingRe.FindStringIndex(lower)
	if loc == nil {
		return lower, ""
	}
	return lower[:loc[0]], lower[loc[1]:]
}

func (p *CriteriaParserService) parseAge(text string, parsed *domain.ParsedCriteria) {
	if m := ageMinRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			parsed.AgeRange.Lo = clampAge(v)
		}
	}
	if m := ageMaxRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			parsed.AgeRange.Hi = clampAge(v)
		}
	}
	// A parsed max below the min is noise from the text, not a constraint.
	if parsed.AgeRange.Lo > parsed.AgeRange.Hi {
		parsed.AgeRange.Hi = domain.MaxAgeCeil
	}
}

func clampAge(v float64) float64 {
	if v < domain.MinAgeFloor {
		return domain.MinAgeFloor
	}
	if v > domain.MaxAgeCeil {
		return domain.MaxAgeCeil
	}
	return v
}

func (p *CriteriaParserService) parseSex(text string, parsed *domain.ParsedCriteria) {
	female := femaleRe.MatchString(text)
	male := maleRe.MatchString(text)
	switch {
	case female && !male:
		parsed.Sex = domain.SexFemale
	case male && !female:
		parsed.Sex = domain.SexMale
	default:
		parsed.Sex = domain.SexAll
	}
}

func (p *CriteriaParserService) parseConditions(inclusion string, parsed *domain.ParsedCriteria) {
	for _, e := range p.dict.Conditions() {
		if e.MatchesText(inclusion) {
			parsed.Conditions = append(parsed.Conditions, e.Key)
		}
	}
}

func (p *CriteriaParserService) parseBiomarkers(inclusion string, parsed *domain.ParsedCriteria) {
	for _, e := range p.dict.Biomarkers() {
		if e.MatchesText(inclusion) {
			parsed.Biomarkers = append(parsed.Biomarkers, synonyms.CleanKey(e.Key))
		}
	}
}

func (p *CriteriaParserService) parseECOG(text string, parsed *domain.ParsedCriteria) {
	allowed := map[int]struct{}{}

	for _, m := range ecogRangeRe.FindAllStringSubmatch(text, -1) {
		lo, _ := strconv.Atoi(m[1])
		hi, _ := strconv.Atoi(m[2])
		for v := lo; v <= hi; v++ {
			if v >= 0 && v <= 5 {
				allowed[v] = struct{}{}
			}
		}
	}
	for _, m := range ecogUpperRe.FindAllStringSubmatch(text, -1) {
		hi, _ := strconv.Atoi(m[1])
		for v := 0; v <= hi && v <= 5; v++ {
			allowed[v] = struct{}{}
		}
	}
	for _, m := range ecogListRe.FindAllStringSubmatch(text, -1) {
		for _, tok := range regexp.MustCompile(`\d`).FindAllString(m[1], -1) {
			v, _ := strconv.Atoi(tok)
			if v >= 0 && v <= 5 {
				allowed[v] = struct{}{}
			}
		}
	}

	if len(allowed) == 0 {
		return
	}
	out := make([]int, 0, len(allowed))
	for v := range allowed {
		out = append(out, v)
	}
	sort.Ints(out)
	parsed.ECOGAllowed = out
}

func (p *CriteriaParserService) parseLabs(inclusion string, parsed *domain.ParsedCriteria) {
	for _, e := range p.dict.Labs() {
		term, pos := e.FindTerm(inclusion)
		if pos < 0 {
			continue
		}
		start := pos + len(term)
		end := start + labWindow
		if end > len(inclusion) {
			end = len(inclusion)
		}
		m := labOperatorRe.FindStringSubmatch(inclusion[start:end])
		if m == nil {
			continue
		}
		value, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		rule := domain.LabRule{
			Operator: normalizeOperator(m[1]),
			Value:    value,
			Unit:     strings.TrimSpace(m[3]),
		}
		if !rule.Operator.Valid() {
			continue
		}
		parsed.Labs[synonyms.CleanKey(e.Key)] = rule
	}
}

func normalizeOperator(raw string) domain.Operator {
	switch strings.TrimSpace(raw) {
	case ">=", "≥", "at least", "greater than or equal to":
		return domain.OpGE
	case "<=", "≤", "no more than", "less than or equal to":
		return domain.OpLE
	case ">", "greater than":
		return domain.OpGT
	case "<", "less than":
		return domain.OpLT
	case "=":
		return domain.OpEQ
	}
	return domain.Operator(raw)
}

func (p *CriteriaParserService) parseTemporal(text string, parsed *domain.ParsedCriteria) {
	for _, m := range washoutRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		days := n
		switch {
		case strings.HasPrefix(m[2], "week"):
			days = n * 7
		case strings.HasPrefix(m[2], "month"):
			days = n * 30
		}
		switch m[3] {
		case "surgery", "operation":
			if parsed.Temporal.SurgeryWashoutDays == nil {
				parsed.Temporal.SurgeryWashoutDays = &days
			}
		default:
			if parsed.Temporal.ChemoWashoutDays == nil {
				parsed.Temporal.ChemoWashoutDays = &days
			}
		}
	}
}

func (p *CriteriaParserService) parseLines(text string, parsed *domain.ParsedCriteria) {
	if linesNaiveRe.MatchString(text) {
		parsed.LinesOfTherapy.Max = 0
		return
	}
	if m := linesMinRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			parsed.LinesOfTherapy.Min = v
		}
	}
	if m := linesMaxRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			parsed.LinesOfTherapy.Max = v
		}
	}
}

func (p *CriteriaParserService) parseExclusions(text string, parsed *domain.ParsedCriteria) {
	for _, ep := range exclusionPatterns {
		if ep.pattern.MatchString(text) {
			parsed.Exclusions = append(parsed.Exclusions, ep.flag)
		}
	}
}

func removeExcluded(conditions, exclusions []string) []string {
	if len(exclusions) == 0 {
		return conditions
	}
	flagged := make(map[string]struct{}, len(exclusions))
	for _, f := range exclusions {
		flagged[f] = struct{}{}
	}
	out := conditions[:0]
	for _, c := range conditions {
		if _, bad := flagged[c]; bad {
			continue
		}
		out = append(out, c)
	}
	return out
}
