package domain

import "strings"

// Sex is the trial-side or patient-side sex constraint.
type Sex string

const (
	SexMale    Sex = "Male"
	SexFemale  Sex = "Female"
	SexAll     Sex = "All"
	SexUnknown Sex = ""
)

// ParseSex maps free-form or index values (MALE/FEMALE/ALL, m/f) onto the
// canonical Sex constants. Unrecognized values map to SexAll for trial
// records and should map to SexUnknown for patients via ParsePatientSex.
func ParseSex(s string) Sex {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MALE", "M":
		return SexMale
	case "FEMALE", "F":
		return SexFemale
	default:
		return SexAll
	}
}

// ParsePatientSex is like ParseSex but treats unknown values as unconstrained
// rather than "All", since an absent patient sex must not fail the sex gate.
func ParsePatientSex(s string) Sex {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MALE", "M":
		return SexMale
	case "FEMALE", "F":
		return SexFemale
	case "ALL":
		return SexAll
	default:
		return SexUnknown
	}
}

// Operator is a normalized lab-threshold comparison operator.
type Operator string

const (
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpEQ Operator = "="
	OpGE Operator = ">="
	OpGT Operator = ">"
)

// Valid reports whether the operator is one of the five normalized forms.
func (o Operator) Valid() bool {
	switch o {
	case OpLT, OpLE, OpEQ, OpGE, OpGT:
		return true
	}
	return false
}

// Compare evaluates "value <op> threshold".
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpLT:
		return value < threshold
	case OpLE:
		return value <= threshold
	case OpEQ:
		return value == threshold
	case OpGE:
		return value >= threshold
	case OpGT:
		return value > threshold
	}
	return false
}

// Canonical exclusion flags recognized by the criteria parser.
const (
	ExclusionCNSMets              = "CNS_Mets"
	ExclusionHIV                  = "HIV"
	ExclusionHepatitis            = "Hepatitis"
	ExclusionPregnancy            = "Pregnancy"
	ExclusionPriorMalignancy      = "Prior_Malignancy"
	ExclusionCardiacDysfunction   = "Cardiac_Dysfunction"
	ExclusionRenalDysfunction     = "Renal_Dysfunction"
	ExclusionHepaticDysfunction   = "Hepatic_Dysfunction"
	ExclusionPulmonaryDysfunction = "Pulmonary_Dysfunction"
	ExclusionAutoimmuneDisease    = "Autoimmune_Disease"
	ExclusionActiveInfection      = "Active_Infection"
	ExclusionBleedingDisorder     = "Bleeding_Disorder"
	ExclusionSeizureDisorder      = "Seizure_Disorder"
)

// Age bounds applied when a trial record or criteria text carries none.
const (
	MinAgeFloor = 0
	MaxAgeCeil  = 120
)

// MaxTherapyLines is the open upper bound for lines-of-therapy rules.
const MaxTherapyLines = 999
