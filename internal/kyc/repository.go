package kyc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles database operations for verification cases
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new verification case repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const caseColumns = `
	id, user_id, external_verification_id, provider, status, level,
	first_name, last_name, email, phone_number, date_of_birth, country,
	address_line, city, postal_code, document_type, document_number,
	verification_url, attempt_count, requires_manual_review,
	risk_assessment, metadata, rejection_reason, reviewed_by, review_notes,
	submitted_at, completed_at, expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*VerificationCase, error) {
	c := &VerificationCase{}
	err := row.Scan(
		&c.ID, &c.UserID, &c.ExternalVerificationID, &c.Provider, &c.Status, &c.Level,
		&c.FirstName, &c.LastName, &c.Email, &c.PhoneNumber, &c.DateOfBirth, &c.Country,
		&c.AddressLine, &c.City, &c.PostalCode, &c.DocumentType, &c.DocumentNumber,
		&c.VerificationURL, &c.AttemptCount, &c.RequiresManualReview,
		&c.RiskAssessment, &c.Metadata, &c.RejectionReason, &c.ReviewedBy, &c.ReviewNotes,
		&c.SubmittedAt, &c.CompletedAt, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ========================================
// CASE OPERATIONS
// ========================================

// CreateCase inserts a new verification case record
func (r *Repository) CreateCase(ctx context.Context, c *VerificationCase) error {
	query := `
		INSERT INTO verification_cases (
			id, user_id, external_verification_id, provider, status, level,
			first_name, last_name, email, phone_number, date_of_birth, country,
			address_line, city, postal_code, document_type, document_number,
			verification_url, attempt_count, requires_manual_review,
			risk_assessment, metadata, rejection_reason, reviewed_by, review_notes,
			submitted_at, completed_at, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28,
			NOW(), NOW()
		)
	`

	_, err := r.db.Exec(ctx, query,
		c.ID, c.UserID, c.ExternalVerificationID, c.Provider, c.Status, c.Level,
		c.FirstName, c.LastName, c.Email, c.PhoneNumber, c.DateOfBirth, c.Country,
		c.AddressLine, c.City, c.PostalCode, c.DocumentType, c.DocumentNumber,
		c.VerificationURL, c.AttemptCount, c.RequiresManualReview,
		c.RiskAssessment, c.Metadata, c.RejectionReason, c.ReviewedBy, c.ReviewNotes,
		c.SubmittedAt, c.CompletedAt, c.ExpiresAt,
	)

	return err
}

// GetCase gets a verification case by ID
func (r *Repository) GetCase(ctx context.Context, caseID uuid.UUID) (*VerificationCase, error) {
	query := `SELECT` + caseColumns + `
		FROM verification_cases
		WHERE id = $1
	`

	return scanCase(r.db.QueryRow(ctx, query, caseID))
}

// GetCaseByExternalID gets a verification case by the provider's session ID
func (r *Repository) GetCaseByExternalID(ctx context.Context, externalID string) (*VerificationCase, error) {
	query := `SELECT` + caseColumns + `
		FROM verification_cases
		WHERE external_verification_id = $1
	`

	return scanCase(r.db.QueryRow(ctx, query, externalID))
}

// GetLatestCaseByUser gets the most recent verification case for a user
func (r *Repository) GetLatestCaseByUser(ctx context.Context, userID uuid.UUID) (*VerificationCase, error) {
	query := `SELECT` + caseColumns + `
		FROM verification_cases
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	return scanCase(r.db.QueryRow(ctx, query, userID))
}

// GetLatestApprovedCase gets the most recent approved case for a user
func (r *Repository) GetLatestApprovedCase(ctx context.Context, userID uuid.UUID) (*VerificationCase, error) {
	query := `SELECT` + caseColumns + `
		FROM verification_cases
		WHERE user_id = $1 AND status = 'approved'
		ORDER BY completed_at DESC NULLS LAST
		LIMIT 1
	`

	return scanCase(r.db.QueryRow(ctx, query, userID))
}

// GetActiveCase gets the user's case still in flight (pending or in progress)
func (r *Repository) GetActiveCase(ctx context.Context, userID uuid.UUID) (*VerificationCase, error) {
	query := `SELECT` + caseColumns + `
		FROM verification_cases
		WHERE user_id = $1 AND status IN ('pending', 'in_progress')
		ORDER BY created_at DESC
		LIMIT 1
	`

	return scanCase(r.db.QueryRow(ctx, query, userID))
}

// ListCases lists verification cases matching the filter, newest first,
// with the total count for pagination
func (r *Repository) ListCases(ctx context.Context, filter CaseFilter, limit, offset int) ([]*VerificationCase, int64, error) {
	conditions := []string{}
	args := []any{}

	if filter.Status != nil {
		args = append(args, *filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Level != nil {
		args = append(args, *filter.Level)
		conditions = append(conditions, fmt.Sprintf("level = $%d", len(args)))
	}
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64
	countQuery := `SELECT COUNT(*) FROM verification_cases` + where
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := `SELECT` + caseColumns + `
		FROM verification_cases` + where + fmt.Sprintf(`
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var cases []*VerificationCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		cases = append(cases, c)
	}

	return cases, total, rows.Err()
}

// CountByStatus returns case counts grouped by status
func (r *Repository) CountByStatus(ctx context.Context) (map[CaseStatus]int64, error) {
	query := `
		SELECT status, COUNT(*)
		FROM verification_cases
		GROUP BY status
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[CaseStatus]int64)
	for rows.Next() {
		var status CaseStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

// ListOverdueActive lists in-flight cases whose session deadline has passed
func (r *Repository) ListOverdueActive(ctx context.Context, now time.Time, limit int) ([]*VerificationCase, error) {
	query := `SELECT` + caseColumns + `
		FROM verification_cases
		WHERE status IN ('pending', 'in_progress') AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*VerificationCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}

	return cases, rows.Err()
}

// ========================================
// SERIALIZED MUTATIONS
// ========================================

// UpdateCaseByID applies a mutation to a case while holding its row lock.
// Concurrent mutations of the same case serialize on the lock, so apply
// always sees the latest committed record. An error from apply rolls the
// transaction back and is returned unchanged.
func (r *Repository) UpdateCaseByID(ctx context.Context, caseID uuid.UUID, apply func(*VerificationCase) error) (*VerificationCase, error) {
	return r.updateCase(ctx, "id", caseID, apply)
}

// UpdateCaseByExternalID is UpdateCaseByID keyed by the provider's session ID.
func (r *Repository) UpdateCaseByExternalID(ctx context.Context, externalID string, apply func(*VerificationCase) error) (*VerificationCase, error) {
	return r.updateCase(ctx, "external_verification_id", externalID, apply)
}

func (r *Repository) updateCase(ctx context.Context, keyColumn string, key any, apply func(*VerificationCase) error) (*VerificationCase, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `SELECT` + caseColumns + `
		FROM verification_cases
		WHERE ` + keyColumn + ` = $1
		FOR UPDATE
	`

	c, err := scanCase(tx.QueryRow(ctx, query, key))
	if err != nil {
		return nil, err
	}

	if err := apply(c); err != nil {
		return nil, err
	}

	update := `
		UPDATE verification_cases
		SET external_verification_id = $1, status = $2, level = $3,
		    phone_number = $4, date_of_birth = $5, country = $6,
		    address_line = $7, city = $8, postal_code = $9,
		    document_type = $10, document_number = $11,
		    verification_url = $12, attempt_count = $13, requires_manual_review = $14,
		    risk_assessment = $15, metadata = $16, rejection_reason = $17,
		    reviewed_by = $18, review_notes = $19,
		    submitted_at = $20, completed_at = $21, expires_at = $22, updated_at = NOW()
		WHERE id = $23
	`

	_, err = tx.Exec(ctx, update,
		c.ExternalVerificationID, c.Status, c.Level,
		c.PhoneNumber, c.DateOfBirth, c.Country,
		c.AddressLine, c.City, c.PostalCode,
		c.DocumentType, c.DocumentNumber,
		c.VerificationURL, c.AttemptCount, c.RequiresManualReview,
		c.RiskAssessment, c.Metadata, c.RejectionReason,
		c.ReviewedBy, c.ReviewNotes,
		c.SubmittedAt, c.CompletedAt, c.ExpiresAt,
		c.ID,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return c, nil
}
