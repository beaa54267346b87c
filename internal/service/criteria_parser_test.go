package service

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-match-server/internal/domain"
	"github.com/trial-match-server/pkg/synonyms"
)

func testDict() *synonyms.Dictionary {
	return synonyms.New(map[string][]string{
		"NSCLC":            {"NSCLC", "non small cell lung cancer", "non-small cell lung cancer", "lung cancer"},
		"Breast_Cancer":    {"breast cancer", "breast carcinoma"},
		"Melanoma":         {"melanoma"},
		"EGFR_Gene":        {"EGFR", "epidermal growth factor receptor"},
		"HER2_Receptor":    {"HER2", "ERBB2"},
		"PDL1_Score":       {"PD-L1", "PDL1"},
		"Creatinine_Level": {"creatinine", "serum creatinine"},
		"Platelet_Count":   {"platelets", "platelet count"},
		"Hemoglobin_Level": {"hemoglobin", "hgb"},
	})
}

func newTestParser() *CriteriaParserService {
	logger := logrus.New()
	return NewCriteriaParserService(testDict(), logger)
}

func TestParseDefaults(t *testing.T) {
	p := newTestParser()

	parsed := p.Parse("", nil)
	assert.Equal(t, 0.0, parsed.AgeRange.Lo)
	assert.Equal(t, 120.0, parsed.AgeRange.Hi)
	assert.Equal(t, domain.SexAll, parsed.Sex)
	assert.Empty(t, parsed.Conditions)
	assert.Empty(t, parsed.Biomarkers)
	assert.Empty(t, parsed.ECOGAllowed)
	assert.Empty(t, parsed.Labs)
	assert.Equal(t, 0, parsed.LinesOfTherapy.Min)
	assert.Equal(t, domain.MaxTherapyLines, parsed.LinesOfTherapy.Max)
	assert.Empty(t, parsed.Exclusions)
}

func TestParseAgeBounds(t *testing.T) {
	p := newTestParser()

	tests := []struct {
		name string
		text string
		lo   float64
		hi   float64
	}{
		{"symbolic", "age >= 18 years and <= 75 years", 18, 75},
		{"unicode", "≥ 18 years, ≤ 70 years", 18, 70},
		{"words", "at least 21 years of age, up to 80 yrs", 21, 80},
		{"age keyword", "age: 18 years or older", 18, 120},
		{"younger than", "younger than 65 years", 0, 65},
		{"yo unit", "at least 18 yo", 18, 120},
		{"clamped", "at least 300 years", 120, 120},
		{"none", "adult patients", 0, 120},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := p.Parse(tt.text, nil)
			assert.Equal(t, tt.lo, parsed.AgeRange.Lo)
			assert.Equal(t, tt.hi, parsed.AgeRange.Hi)
		})
	}
}

func TestParseAgeMinAboveMaxDiscardsMax(t *testing.T) {
	p := newTestParser()
	parsed := p.Parse("at least 60 years, up to 40 years", nil)
	assert.Equal(t, 60.0, parsed.AgeRange.Lo)
	assert.Equal(t, 120.0, parsed.AgeRange.Hi)
}

func TestParseSexTokens(t *testing.T) {
	p := newTestParser()

	assert.Equal(t, domain.SexFemale, p.Parse("postmenopausal women with breast cancer", nil).Sex)
	assert.Equal(t, domain.SexMale, p.Parse("men with prostate conditions", nil).Sex)
	assert.Equal(t, domain.SexAll, p.Parse("men and women are eligible", nil).Sex)
	// "female" must not trigger the male pattern.
	assert.Equal(t, domain.SexFemale, p.Parse("female participants only", nil).Sex)
}

func TestParseConditionsInclusionHalfOnly(t *testing.T) {
	p := newTestParser()

	text := "Inclusion Criteria: histologically confirmed non small cell lung cancer.\n" +
		"Exclusion Criteria: prior melanoma."
	parsed := p.Parse(text, nil)

	assert.Contains(t, parsed.Conditions, "NSCLC")
	assert.NotContains(t, parsed.Conditions, "Melanoma")
}

func TestParseBiomarkers(t *testing.T) {
	p := newTestParser()

	parsed := p.Parse("EGFR mutation positive, PD-L1 expression >= 50%", nil)
	assert.Contains(t, parsed.Biomarkers, "EGFR")
	assert.Contains(t, parsed.Biomarkers, "PDL1")
	// Clean keys only, no suffixes.
	assert.NotContains(t, parsed.Biomarkers, "EGFR_Gene")
}

func TestParseECOGPatterns(t *testing.T) {
	p := newTestParser()

	tests := []struct {
		name string
		text string
		want []int
	}{
		{"range", "ECOG performance status 0-1", []int{0, 1}},
		{"range to", "ECOG 0 to 2", []int{0, 1, 2}},
		{"upper bound", "ECOG <= 2", []int{0, 1, 2}},
		{"unicode upper", "ECOG ≤ 1", []int{0, 1}},
		{"list", "ECOG 0 or 1", []int{0, 1}},
		{"single", "ECOG of 2", []int{2}},
		{"none", "good performance status", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := p.Parse(tt.text, nil)
			if tt.want == nil {
				assert.Empty(t, parsed.ECOGAllowed)
			} else {
				assert.Equal(t, tt.want, parsed.ECOGAllowed)
			}
		})
	}
}

func TestParseECOGValuesLimited(t *testing.T) {
	p := newTestParser()
	parsed := p.Parse("ecog 7", nil)
	for _, v := range parsed.ECOGAllowed {
		assert.LessOrEqual(t, v, 5)
	}
}

func TestParseLabs(t *testing.T) {
	p := newTestParser()

	parsed := p.Parse("serum creatinine < 1.5 mg/dl and platelets >= 100 required", nil)

	require.Contains(t, parsed.Labs, "Creatinine")
	rule := parsed.Labs["Creatinine"]
	assert.Equal(t, domain.OpLT, rule.Operator)
	assert.Equal(t, 1.5, rule.Value)
	assert.Equal(t, "mg/dl", rule.Unit)

	require.Contains(t, parsed.Labs, "Platelet")
	assert.Equal(t, domain.OpGE, parsed.Labs["Platelet"].Operator)
	assert.Equal(t, 100.0, parsed.Labs["Platelet"].Value)
}

func TestParseLabsWordOperators(t *testing.T) {
	p := newTestParser()

	parsed := p.Parse("hemoglobin at least 9 g/dl", nil)
	require.Contains(t, parsed.Labs, "Hemoglobin")
	assert.Equal(t, domain.OpGE, parsed.Labs["Hemoglobin"].Operator)
	assert.Equal(t, 9.0, parsed.Labs["Hemoglobin"].Value)
}

func TestParseLabsRequiresNearbyThreshold(t *testing.T) {
	p := newTestParser()

	// Lab name with no threshold in the window stays out.
	parsed := p.Parse("creatinine will be monitored during the study but there is no numeric threshold until much later >= 2", nil)
	assert.NotContains(t, parsed.Labs, "Creatinine")
}

func TestParseTemporalWashouts(t *testing.T) {
	p := newTestParser()

	parsed := p.Parse("at least 28 days since chemotherapy and 4 weeks since surgery", nil)
	require.NotNil(t, parsed.Temporal.ChemoWashoutDays)
	assert.Equal(t, 28, *parsed.Temporal.ChemoWashoutDays)
	require.NotNil(t, parsed.Temporal.SurgeryWashoutDays)
	assert.Equal(t, 28, *parsed.Temporal.SurgeryWashoutDays)
}

func TestParseTemporalMonths(t *testing.T) {
	p := newTestParser()

	parsed := p.Parse("3 months since last treatment", nil)
	require.NotNil(t, parsed.Temporal.ChemoWashoutDays)
	assert.Equal(t, 90, *parsed.Temporal.ChemoWashoutDays)
	assert.Nil(t, parsed.Temporal.SurgeryWashoutDays)
}

func TestParseLinesOfTherapy(t *testing.T) {
	p := newTestParser()

	tests := []struct {
		name string
		text string
		min  int
		max  int
	}{
		{"naive", "treatment-naive patients only", 0, 0},
		{"naive unicode", "therapy-naïve participants", 0, 0},
		{"no prior", "no prior systemic therapy allowed", 0, 0},
		{"min", "received at least 2 prior lines of therapy", 2, domain.MaxTherapyLines},
		{"max", "no more than 3 prior lines", 0, 3},
		{"both", "received 1 prior line is required, up to 4 prior lines permitted", 1, 4},
		{"none", "any number of prior therapies", 0, domain.MaxTherapyLines},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := p.Parse(tt.text, nil)
			assert.Equal(t, tt.min, parsed.LinesOfTherapy.Min)
			assert.Equal(t, tt.max, parsed.LinesOfTherapy.Max)
		})
	}
}

func TestParseExclusionFlags(t *testing.T) {
	p := newTestParser()

	tests := []struct {
		text string
		flag string
	}{
		{"patients with brain metastases are excluded", domain.ExclusionCNSMets},
		{"known HIV infection", domain.ExclusionHIV},
		{"active hepatitis b or c", domain.ExclusionHepatitis},
		{"pregnant or breast-feeding", domain.ExclusionPregnancy},
		{"prior malignancy within 5 years", domain.ExclusionPriorMalignancy},
		{"congestive heart failure NYHA class III", domain.ExclusionCardiacDysfunction},
		{"renal failure requiring dialysis", domain.ExclusionRenalDysfunction},
		{"hepatic impairment or cirrhosis", domain.ExclusionHepaticDysfunction},
		{"interstitial lung disease or pneumonitis", domain.ExclusionPulmonaryDysfunction},
		{"active autoimmune disease", domain.ExclusionAutoimmuneDisease},
		{"uncontrolled infection", domain.ExclusionActiveInfection},
		{"known bleeding diathesis", domain.ExclusionBleedingDisorder},
		{"history of seizure disorder", domain.ExclusionSeizureDisorder},
	}
	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			parsed := p.Parse(tt.text, nil)
			assert.Contains(t, parsed.Exclusions, tt.flag)
		})
	}
}

func TestParseExclusionsScanFullText(t *testing.T) {
	p := newTestParser()

	text := "Inclusion Criteria: adults with melanoma.\nExclusion Criteria: known HIV infection."
	parsed := p.Parse(text, nil)
	assert.Contains(t, parsed.Exclusions, domain.ExclusionHIV)
}

func TestParseMetadataOverrides(t *testing.T) {
	p := newTestParser()

	minAge := 25.0
	maxAge := 70.0
	meta := &domain.TrialDoc{
		MinAgeYears:    &minAge,
		MaxAgeYears:    &maxAge,
		Sex:            "FEMALE",
		Conditions:     []string{"Triple Negative Breast Cancer"},
		ConditionsCUIs: []string{"C0278601"},
	}

	parsed := p.Parse("age >= 18 years, men and women with breast cancer", meta)

	// Structured ages and sex replace the parsed values.
	assert.Equal(t, 25.0, parsed.AgeRange.Lo)
	assert.Equal(t, 70.0, parsed.AgeRange.Hi)
	assert.Equal(t, domain.SexFemale, parsed.Sex)

	// Structured conditions union with parsed; CUIs attach verbatim.
	assert.Contains(t, parsed.Conditions, "Breast_Cancer")
	assert.Contains(t, parsed.Conditions, "Triple Negative Breast Cancer")
	assert.Equal(t, []string{"C0278601"}, parsed.ConditionsCUIs)
}

func TestParseConditionExclusionDisjointness(t *testing.T) {
	p := newTestParser()

	// Structured metadata names a condition that also appears as an
	// exclusion flag; the flag wins.
	meta := &domain.TrialDoc{Conditions: []string{domain.ExclusionHepatitis}}
	parsed := p.Parse("patients with hepatitis b excluded", meta)

	assert.Contains(t, parsed.Exclusions, domain.ExclusionHepatitis)
	assert.NotContains(t, parsed.Conditions, domain.ExclusionHepatitis)
}

func TestParseDeterminism(t *testing.T) {
	p := newTestParser()
	text := "Inclusion Criteria: adults >= 18 years with non small cell lung cancer, " +
		"EGFR positive, ECOG 0-1, creatinine < 1.5, at least 28 days since chemotherapy. " +
		"Exclusion Criteria: brain metastases, pregnant women."

	first := p.Parse(text, nil)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, p.Parse(text, nil))
	}
}
