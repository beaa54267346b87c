// Package feedback stores clinician verdicts on trial match suggestions.
// The verdicts feed periodic review of the feasibility rules.
package feedback

import (
	"context"
	"io"
	"time"
)

// Verdict is the clinician's judgement of a suggested match.
type Verdict string

const (
	VerdictAgree     Verdict = "agree"
	VerdictDisagree  Verdict = "disagree"
	VerdictUncertain Verdict = "uncertain"
)

// Valid reports whether the verdict is one of the recognized values.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictAgree, VerdictDisagree, VerdictUncertain:
		return true
	}
	return false
}

// Feedback is one clinician verdict on a (trial, patient profile) match.
// ProfileDigest is a stable hash of the anonymized profile, so no patient
// data is stored here.
type Feedback struct {
	ID                int64     `json:"id,omitempty"`
	NCTID             string    `json:"nct_id"`
	ProfileDigest     string    `json:"profile_digest"`
	SuggestedFeasible bool      `json:"suggested_feasible"`
	SuggestedScore    float64   `json:"suggested_score"`
	Verdict           Verdict   `json:"verdict"`
	Reasons           string    `json:"reasons,omitempty"`
	Notes             string    `json:"notes,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Store defines the feedback storage operations.
type Store interface {
	// Save stores or updates a verdict. A second verdict for the same
	// (nct_id, profile_digest) replaces the first.
	Save(ctx context.Context, feedback *Feedback) error

	// Get retrieves the verdict for one trial and profile digest. An
	// empty digest returns the most recent verdict for the trial.
	Get(ctx context.Context, nctID, profileDigest string) (*Feedback, error)

	// List returns feedback entries, newest first, with pagination.
	List(ctx context.Context, limit, offset int) ([]*Feedback, error)

	// Count returns the total number of feedback entries.
	Count(ctx context.Context) (int64, error)

	// Delete removes a feedback entry by ID.
	Delete(ctx context.Context, id int64) error

	// ExportJSON exports all feedback to a JSON writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON imports feedback from a JSON reader. Returns the number
	// of imported and skipped entries.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	// Close closes the store and releases resources.
	Close() error
}

// Export is the JSON export envelope.
type Export struct {
	Version    string      `json:"version"`
	ExportedAt time.Time   `json:"exported_at"`
	Count      int         `json:"count"`
	Feedback   []*Feedback `json:"feedback"`
}
