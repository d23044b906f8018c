package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/irt-reconciliation-engine/internal/domain"
)

// ReferralRepository reads and maintains the referral pool in PostgreSQL.
type ReferralRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewReferralRepository creates a new referral repository
func NewReferralRepository(db *pgxpool.Pool, logger *logrus.Logger) *ReferralRepository {
	return &ReferralRepository{
		db:  db,
		log: logger,
	}
}

const referralColumns = `id, study_id, first_name, last_name, date_of_birth,
	appointment_date, consent_signed_date, site_number, site_name, status, updated_at`

func scanReferral(row pgx.Row) (*domain.CandidateReferral, error) {
	var referral domain.CandidateReferral
	err := row.Scan(
		&referral.ID,
		&referral.StudyID,
		&referral.FirstName,
		&referral.LastName,
		&referral.DateOfBirth,
		&referral.AppointmentDate,
		&referral.ConsentSignedDate,
		&referral.SiteNumber,
		&referral.SiteName,
		&referral.Status,
		&referral.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	referral.UpdatedAt = referral.UpdatedAt.UTC()
	return &referral, nil
}

// ListCandidates returns the study's referral pool, most recently updated first.
// It implements domain.CandidateSource.
func (r *ReferralRepository) ListCandidates(ctx context.Context, studyID string) ([]domain.CandidateReferral, error) {
	query := `
		SELECT ` + referralColumns + `
		FROM referrals
		WHERE study_id = $1
		ORDER BY updated_at DESC, id`

	rows, err := r.db.Query(ctx, query, studyID)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"study_id": studyID,
			"error":    err,
		}).Error("Failed to list referrals")
		return nil, fmt.Errorf("listing referrals: %w", err)
	}
	defer rows.Close()

	pool := make([]domain.CandidateReferral, 0)
	for rows.Next() {
		referral, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning referral: %w", err)
		}
		pool = append(pool, *referral)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating referrals: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"study_id":  studyID,
		"pool_size": len(pool),
	}).Debug("Referral pool loaded")

	return pool, nil
}

// GetByID retrieves a referral by its ID
func (r *ReferralRepository) GetByID(ctx context.Context, id string) (*domain.CandidateReferral, error) {
	query := `
		SELECT ` + referralColumns + `
		FROM referrals
		WHERE id = $1`

	referral, err := scanReferral(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("referral not found: %w", domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"referral_id": id,
			"error":       err,
		}).Error("Failed to get referral by ID")
		return nil, fmt.Errorf("getting referral by ID: %w", err)
	}

	return referral, nil
}

// Upsert inserts a referral or replaces the stored copy with the same ID.
func (r *ReferralRepository) Upsert(ctx context.Context, referral *domain.CandidateReferral) error {
	if referral.ID == "" || referral.StudyID == "" {
		return domain.NewValidationError("referral", "id and study_id are required", referral.ID)
	}
	if referral.UpdatedAt.IsZero() {
		referral.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO referrals (
			id, study_id, first_name, last_name, date_of_birth,
			appointment_date, consent_signed_date, site_number, site_name, status, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (id) DO UPDATE SET
			study_id = EXCLUDED.study_id,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			date_of_birth = EXCLUDED.date_of_birth,
			appointment_date = EXCLUDED.appointment_date,
			consent_signed_date = EXCLUDED.consent_signed_date,
			site_number = EXCLUDED.site_number,
			site_name = EXCLUDED.site_name,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Exec(ctx, query,
		referral.ID,
		referral.StudyID,
		referral.FirstName,
		referral.LastName,
		referral.DateOfBirth,
		referral.AppointmentDate,
		referral.ConsentSignedDate,
		referral.SiteNumber,
		referral.SiteName,
		referral.Status,
		referral.UpdatedAt,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"referral_id": referral.ID,
			"study_id":    referral.StudyID,
			"error":       err,
		}).Error("Failed to upsert referral")
		return fmt.Errorf("upserting referral: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"referral_id": referral.ID,
		"study_id":    referral.StudyID,
	}).Info("Referral saved")

	return nil
}
