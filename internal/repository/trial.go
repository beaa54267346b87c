// Package repository serves full trial records from the relational store.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/trial-match-server/internal/domain"
)

// TrialRepository reads trial detail records. The catalog is write-owned by
// the ingestion pipeline; this repository is read-only.
type TrialRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewTrialRepository creates a new trial repository.
func NewTrialRepository(db *pgxpool.Pool, logger *logrus.Logger) *TrialRepository {
	return &TrialRepository{
		db:  db,
		log: logger,
	}
}

// GetTrialDetail retrieves the full record for one trial, including sites
// and eligibility text.
func (r *TrialRepository) GetTrialDetail(ctx context.Context, nctID string) (*domain.TrialDetail, error) {
	query := `
		SELECT nct_id, title, official_title, brief_summary, detailed_description,
			   conditions, interventions, study_type, phase, overall_status,
			   min_age_years, max_age_years, sex, healthy_volunteers,
			   enrollment_actual, enrollment_target,
			   start_date, primary_completion_date, completion_date, last_updated,
			   criteria_inclusion, criteria_exclusion, eligibility_criteria_raw
		FROM trials
		WHERE nct_id = $1`

	var detail domain.TrialDetail
	var startDate, primaryCompletion, completion, lastUpdated *time.Time

	err := r.db.QueryRow(ctx, query, nctID).Scan(
		&detail.NCTID,
		&detail.Title,
		&detail.OfficialTitle,
		&detail.BriefSummary,
		&detail.DetailedDescription,
		&detail.Conditions,
		&detail.Interventions,
		&detail.StudyType,
		&detail.Phase,
		&detail.OverallStatus,
		&detail.MinAgeYears,
		&detail.MaxAgeYears,
		&detail.Sex,
		&detail.HealthyVolunteers,
		&detail.EnrollmentActual,
		&detail.EnrollmentTarget,
		&startDate,
		&primaryCompletion,
		&completion,
		&lastUpdated,
		&detail.CriteriaInclusion,
		&detail.CriteriaExclusion,
		&detail.EligibilityCriteriaRaw,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewMatchError(domain.ErrNoResults, fmt.Sprintf("trial %s not found", nctID), nil)
	}
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"nct_id": nctID,
			"error":  err,
		}).Error("Failed to load trial detail")
		return nil, fmt.Errorf("loading trial %s: %w", nctID, err)
	}

	detail.StartDate = formatDate(startDate)
	detail.PrimaryCompletionDate = formatDate(primaryCompletion)
	detail.CompletionDate = formatDate(completion)
	detail.LastUpdated = formatDate(lastUpdated)

	locations, err := r.getLocations(ctx, nctID)
	if err != nil {
		return nil, err
	}
	detail.Locations = locations

	if detail.Conditions == nil {
		detail.Conditions = []string{}
	}
	if detail.Interventions == nil {
		detail.Interventions = []string{}
	}

	return &detail, nil
}

// formatDate renders a nullable timestamp as an ISO date, empty when absent.
func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func (r *TrialRepository) getLocations(ctx context.Context, nctID string) ([]domain.Location, error) {
	query := `
		SELECT facility_name, city, state, country
		FROM trial_sites
		WHERE nct_id = $1
		ORDER BY country, city, facility_name`

	rows, err := r.db.Query(ctx, query, nctID)
	if err != nil {
		return nil, fmt.Errorf("loading sites for %s: %w", nctID, err)
	}
	defer rows.Close()

	locations := []domain.Location{}
	for rows.Next() {
		var loc domain.Location
		if err := rows.Scan(&loc.FacilityName, &loc.City, &loc.State, &loc.Country); err != nil {
			return nil, fmt.Errorf("scanning site for %s: %w", nctID, err)
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading sites for %s: %w", nctID, err)
	}
	return locations, nil
}
