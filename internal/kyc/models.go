package kyc

import (
	"time"

	"github.com/google/uuid"
)

// CaseStatus represents the status of a verification case
type CaseStatus string

const (
	StatusPending        CaseStatus = "pending"
	StatusInProgress     CaseStatus = "in_progress"
	StatusApproved       CaseStatus = "approved"
	StatusRejected       CaseStatus = "rejected"
	StatusExpired        CaseStatus = "expired"
	StatusRequiresReview CaseStatus = "requires_review"
)

// Valid reports whether the status is a known case status.
func (s CaseStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusApproved, StatusRejected, StatusExpired, StatusRequiresReview:
		return true
	}
	return false
}

// Terminal reports whether the status ends the case lifecycle.
func (s CaseStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Active reports whether the case is in flight before provider completion.
func (s CaseStatus) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// VerificationLevel represents the assurance tier of a case
type VerificationLevel string

const (
	LevelNone         VerificationLevel = "none"
	LevelBasic        VerificationLevel = "basic"
	LevelIntermediate VerificationLevel = "intermediate"
	LevelAdvanced     VerificationLevel = "advanced"
)

// levelRanks defines the single total order used everywhere levels are
// compared. Basic < Intermediate < Advanced.
var levelRanks = map[VerificationLevel]int{
	LevelBasic:        1,
	LevelIntermediate: 2,
	LevelAdvanced:     3,
}

// Rank returns the ordinal position of the level; 0 for none/unknown.
func (l VerificationLevel) Rank() int {
	return levelRanks[l]
}

// Valid reports whether the level is a known assurance tier.
func (l VerificationLevel) Valid() bool {
	return l.Rank() > 0
}

// Meets reports whether the level satisfies the required tier.
func (l VerificationLevel) Meets(required VerificationLevel) bool {
	return l.Rank() >= required.Rank()
}

// RiskLevel represents the provider's risk tier for a case
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskAssessment carries the provider's risk signals for a case.
type RiskAssessment struct {
	RiskLevel RiskLevel `json:"risk_level"`
	Score     float64   `json:"score"`
	Flags     []string  `json:"flags,omitempty"`
}

// VerificationCase is one user's identity-verification attempt record.
type VerificationCase struct {
	ID                     uuid.UUID         `json:"id" db:"id"`
	UserID                 uuid.UUID         `json:"user_id" db:"user_id"`
	ExternalVerificationID *string           `json:"external_verification_id,omitempty" db:"external_verification_id"`
	Provider               string            `json:"provider" db:"provider"`
	Status                 CaseStatus        `json:"status" db:"status"`
	Level                  VerificationLevel `json:"level" db:"level"`

	FirstName      string  `json:"first_name" db:"first_name"`
	LastName       string  `json:"last_name" db:"last_name"`
	Email          string  `json:"email" db:"email"`
	PhoneNumber    *string `json:"phone_number,omitempty" db:"phone_number"`
	DateOfBirth    *string `json:"date_of_birth,omitempty" db:"date_of_birth"` // YYYY-MM-DD
	Country        *string `json:"country,omitempty" db:"country"`
	AddressLine    *string `json:"address_line,omitempty" db:"address_line"`
	City           *string `json:"city,omitempty" db:"city"`
	PostalCode     *string `json:"postal_code,omitempty" db:"postal_code"`
	DocumentType   *string `json:"document_type,omitempty" db:"document_type"`
	DocumentNumber *string `json:"document_number,omitempty" db:"document_number"`

	VerificationURL      *string                `json:"verification_url,omitempty" db:"verification_url"`
	AttemptCount         int                    `json:"attempt_count" db:"attempt_count"`
	RequiresManualReview bool                   `json:"requires_manual_review" db:"requires_manual_review"`
	RiskAssessment       *RiskAssessment        `json:"risk_assessment,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	RejectionReason      *string                `json:"rejection_reason,omitempty" db:"rejection_reason"`
	ReviewedBy           *uuid.UUID             `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewNotes          *string                `json:"review_notes,omitempty" db:"review_notes"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty" db:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// ApprovalExpired reports whether the case's approval has lapsed. Absence
// of expires_at means the approval never expires. Expiry is derived at
// read time; the stored status is not touched.
func (c *VerificationCase) ApprovalExpired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// mergeMetadata unions src into a copy of dst; src wins on key conflicts.
// Metadata is the only webhook field that merges — risk assessment and
// rejection reason overwrite.
func mergeMetadata(dst, src map[string]interface{}) map[string]interface{} {
	if len(src) == 0 {
		return dst
	}
	merged := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		merged[k] = v
	}
	for k, v := range src {
		merged[k] = v
	}
	return merged
}

// applyWebhook returns a copy of the case with the webhook payload applied.
// The transition is idempotent: re-applying the same payload yields the
// same record, and completed_at is never advanced once set. A high risk
// level or an explicit review request escalates the case regardless of the
// provider's reported status.
func applyWebhook(c VerificationCase, payload *WebhookRequest, now time.Time) VerificationCase {
	c.Status = payload.Status

	if payload.RejectionReason != nil {
		c.RejectionReason = payload.RejectionReason
	}
	if payload.RiskAssessment != nil {
		c.RiskAssessment = payload.RiskAssessment
	}
	c.Metadata = mergeMetadata(c.Metadata, payload.Metadata)

	// Escalation takes priority over the provider's reported status.
	escalate := payload.RequiresReview ||
		(payload.RiskAssessment != nil && payload.RiskAssessment.RiskLevel == RiskHigh)
	if escalate {
		c.Status = StatusRequiresReview
		c.RequiresManualReview = true
	}

	// completed_at tracks the post-escalation status: stamped once when the
	// case closes, never advanced on redelivery, and cleared again if the
	// provider re-opens or escalates a previously closed case.
	if c.Status.Terminal() {
		if c.CompletedAt == nil {
			completed := now
			c.CompletedAt = &completed
		}
	} else {
		c.CompletedAt = nil
	}

	return c
}

// applyUpdate returns a copy of the case with the mutable-field patch
// applied. Only set fields overwrite; metadata merges.
func applyUpdate(c VerificationCase, req *UpdateCaseRequest) VerificationCase {
	if req.PhoneNumber != nil {
		c.PhoneNumber = req.PhoneNumber
	}
	if req.DateOfBirth != nil {
		c.DateOfBirth = req.DateOfBirth
	}
	if req.Country != nil {
		c.Country = req.Country
	}
	if req.AddressLine != nil {
		c.AddressLine = req.AddressLine
	}
	if req.City != nil {
		c.City = req.City
	}
	if req.PostalCode != nil {
		c.PostalCode = req.PostalCode
	}
	if req.DocumentType != nil {
		c.DocumentType = req.DocumentType
	}
	if req.DocumentNumber != nil {
		c.DocumentNumber = req.DocumentNumber
	}
	c.Metadata = mergeMetadata(c.Metadata, req.Metadata)
	return c
}

// ========================================
// REQUEST/RESPONSE TYPES
// ========================================

// InitiateVerificationRequest starts a new verification case for a user.
type InitiateVerificationRequest struct {
	UserID      uuid.UUID              `json:"user_id" binding:"required"`
	FirstName   string                 `json:"first_name" binding:"required"`
	LastName    string                 `json:"last_name" binding:"required"`
	Email       string                 `json:"email" binding:"required,email"`
	PhoneNumber *string                `json:"phone_number,omitempty"`
	DateOfBirth *string                `json:"date_of_birth,omitempty"` // YYYY-MM-DD
	Country     *string                `json:"country,omitempty" binding:"omitempty,country_code"`
	Level       VerificationLevel      `json:"level,omitempty" binding:"omitempty,assurance_level"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// UpdateCaseRequest patches mutable case fields. Rejected once the case is
// approved.
type UpdateCaseRequest struct {
	PhoneNumber    *string                `json:"phone_number,omitempty"`
	DateOfBirth    *string                `json:"date_of_birth,omitempty"`
	Country        *string                `json:"country,omitempty"`
	AddressLine    *string                `json:"address_line,omitempty"`
	City           *string                `json:"city,omitempty"`
	PostalCode     *string                `json:"postal_code,omitempty"`
	DocumentType   *string                `json:"document_type,omitempty"`
	DocumentNumber *string                `json:"document_number,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ManualReviewRequest finalizes an escalated case.
type ManualReviewRequest struct {
	Decision CaseStatus `json:"decision" binding:"required,oneof=approved rejected"`
	Notes    string     `json:"notes,omitempty"`
}

// WebhookRequest is the provider callback body.
type WebhookRequest struct {
	ExternalVerificationID string                 `json:"external_verification_id" binding:"required"`
	Status                 CaseStatus             `json:"status" binding:"required"`
	RejectionReason        *string                `json:"rejection_reason,omitempty"`
	RiskAssessment         *RiskAssessment        `json:"risk_assessment,omitempty"`
	Metadata               map[string]interface{} `json:"metadata,omitempty"`
	RequiresReview         bool                   `json:"requires_review,omitempty"`
	Signature              string                 `json:"signature,omitempty"`
	Timestamp              string                 `json:"timestamp,omitempty"`
}

// VerificationStatusResponse answers "is this user currently verified".
type VerificationStatusResponse struct {
	UserID      uuid.UUID         `json:"user_id"`
	Verified    bool              `json:"verified"`
	Level       VerificationLevel `json:"level"`
	CanTransact bool              `json:"can_transact"`
}

// CaseFilter narrows case listings.
type CaseFilter struct {
	Status *CaseStatus
	Level  *VerificationLevel
	UserID *uuid.UUID
}

// CaseStats aggregates case counts by status.
type CaseStats struct {
	Total    int64                `json:"total"`
	ByStatus map[CaseStatus]int64 `json:"by_status"`
}
