package kyc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/verifid/kyc-service/pkg/common"
	"github.com/verifid/kyc-service/pkg/config"
	"github.com/verifid/kyc-service/pkg/logger"
	"go.uber.org/zap"
)

// RepositoryInterface defines the persistence contract the engine needs.
type RepositoryInterface interface {
	CreateCase(ctx context.Context, c *VerificationCase) error
	GetCase(ctx context.Context, caseID uuid.UUID) (*VerificationCase, error)
	GetCaseByExternalID(ctx context.Context, externalID string) (*VerificationCase, error)
	GetLatestCaseByUser(ctx context.Context, userID uuid.UUID) (*VerificationCase, error)
	GetLatestApprovedCase(ctx context.Context, userID uuid.UUID) (*VerificationCase, error)
	GetActiveCase(ctx context.Context, userID uuid.UUID) (*VerificationCase, error)
	ListCases(ctx context.Context, filter CaseFilter, limit, offset int) ([]*VerificationCase, int64, error)
	CountByStatus(ctx context.Context) (map[CaseStatus]int64, error)
	ListOverdueActive(ctx context.Context, now time.Time, limit int) ([]*VerificationCase, error)
	UpdateCaseByID(ctx context.Context, caseID uuid.UUID, apply func(*VerificationCase) error) (*VerificationCase, error)
	UpdateCaseByExternalID(ctx context.Context, externalID string, apply func(*VerificationCase) error) (*VerificationCase, error)
}

// StatusCache is the slice of the cache layer used for the
// verification-status query. A nil cache disables caching.
type StatusCache interface {
	Get(ctx context.Context, key string, result interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Service owns the verification case lifecycle: initiation, webhook
// application, manual review, retry, expiration evaluation and the
// verification-status query.
type Service struct {
	repo     RepositoryInterface
	provider ProviderGateway
	events   *EventEmitter
	cache    StatusCache
	cfg      *config.KYCConfig
	now      func() time.Time
}

// NewService creates a new verification lifecycle service. events and cache
// may be nil; both degrade to no-ops.
func NewService(repo RepositoryInterface, provider ProviderGateway, events *EventEmitter, cache StatusCache, cfg *config.KYCConfig) *Service {
	return &Service{
		repo:     repo,
		provider: provider,
		events:   events,
		cache:    cache,
		cfg:      cfg,
		now:      time.Now,
	}
}

const sweepBatchSize = 100

// repoError maps storage errors onto the API error taxonomy. Errors raised
// by mutation closures are already AppErrors and pass through unchanged.
func repoError(err error, notFoundMessage string) error {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return common.NewNotFoundError(notFoundMessage, err)
	}
	return common.NewInternalServerError("storage operation failed")
}

// providerError maps gateway failures: an application-level rejection from
// the provider is a bad-gateway condition, anything else (timeout, DNS,
// connection refused) is service-unavailable. Neither is retried here.
func providerError(err error) error {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return common.NewUpstreamRejectedError("identity provider rejected the request", err)
	}
	return common.NewUpstreamUnavailableError("identity provider is unavailable", err)
}

// ========================================
// LIFECYCLE TRANSITIONS
// ========================================

// Initiate opens a provider session and creates a new verification case.
// Conflicts when the user already has an active case or an unexpired
// approval. Provider failure leaves no partial record behind.
func (s *Service) Initiate(ctx context.Context, req *InitiateVerificationRequest) (*VerificationCase, error) {
	level := req.Level
	if level == "" {
		level = LevelBasic
	}
	if !level.Valid() {
		return nil, common.NewValidationError(fmt.Sprintf("unknown verification level %q", level))
	}

	active, err := s.repo.GetActiveCase(ctx, req.UserID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, repoError(err, "")
	}
	if active != nil {
		return nil, common.NewConflictError("a verification is already in progress for this user")
	}

	approved, err := s.repo.GetLatestApprovedCase(ctx, req.UserID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, repoError(err, "")
	}
	if approved != nil && !approved.ApprovalExpired(s.now()) {
		return nil, common.NewConflictError("user is already verified")
	}

	subject := Subject{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Email:       req.Email,
		PhoneNumber: req.PhoneNumber,
		DateOfBirth: req.DateOfBirth,
		Country:     req.Country,
	}

	start := s.now()
	session, err := s.provider.OpenSession(ctx, subject, level)
	observeProviderRequest(s.provider.Name(), "open_session", start, err)
	if err != nil {
		return nil, providerError(err)
	}

	now := s.now()
	c := &VerificationCase{
		ID:                     uuid.New(),
		UserID:                 req.UserID,
		ExternalVerificationID: &session.ExternalID,
		Provider:               s.provider.Name(),
		Status:                 StatusPending,
		Level:                  level,
		FirstName:              req.FirstName,
		LastName:               req.LastName,
		Email:                  req.Email,
		PhoneNumber:            req.PhoneNumber,
		DateOfBirth:            req.DateOfBirth,
		Country:                req.Country,
		VerificationURL:        &session.VerificationURL,
		AttemptCount:           1,
		Metadata:               req.Metadata,
		SubmittedAt:            &now,
		ExpiresAt:              session.ExpiresAt,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if err := s.repo.CreateCase(ctx, c); err != nil {
		// A concurrent initiation can win the one-active-case-per-user
		// index between the check above and this insert.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, common.NewConflictError("a verification is already in progress for this user")
		}
		logger.ErrorContext(ctx, "failed to persist verification case",
			zap.String("user_id", req.UserID.String()),
			zap.Error(err),
		)
		return nil, common.NewInternalServerError("failed to create verification case")
	}

	recordCaseInitiated(c.Provider, c.Level)
	s.events.CaseInitiated(ctx, c)
	s.invalidateStatus(ctx, c.UserID)

	logger.InfoContext(ctx, "verification initiated",
		zap.String("case_id", c.ID.String()),
		zap.String("user_id", c.UserID.String()),
		zap.String("level", string(level)),
	)

	return c, nil
}

// ApplyWebhook applies a provider callback to the case it references. The
// transition is idempotent under redelivery; events fire on every
// application because payload fields may change even when status does not.
func (s *Service) ApplyWebhook(ctx context.Context, payload *WebhookRequest) (*VerificationCase, error) {
	if !payload.Status.Valid() {
		return nil, common.NewValidationError(fmt.Sprintf("unknown case status %q", payload.Status))
	}

	var previous CaseStatus
	c, err := s.repo.UpdateCaseByExternalID(ctx, payload.ExternalVerificationID, func(c *VerificationCase) error {
		previous = c.Status
		*c = applyWebhook(*c, payload, s.now())
		s.applyApprovalExpiry(c)
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			recordWebhook("unknown_case")
		}
		return nil, repoError(err, "verification not found")
	}

	recordWebhook("applied")
	recordTransition(previous, c.Status, "webhook")
	s.events.CaseStatusChanged(ctx, c, previous)
	s.invalidateStatus(ctx, c.UserID)

	logger.InfoContext(ctx, "webhook applied",
		zap.String("case_id", c.ID.String()),
		zap.String("old_status", string(previous)),
		zap.String("new_status", string(c.Status)),
	)

	return c, nil
}

// ManualReview finalizes an escalated case with a human decision.
func (s *Service) ManualReview(ctx context.Context, caseID, reviewerID uuid.UUID, req *ManualReviewRequest) (*VerificationCase, error) {
	if req.Decision != StatusApproved && req.Decision != StatusRejected {
		return nil, common.NewValidationError("review decision must be approved or rejected")
	}

	var previous CaseStatus
	c, err := s.repo.UpdateCaseByID(ctx, caseID, func(c *VerificationCase) error {
		if !c.RequiresManualReview {
			return common.NewInvalidTransitionError("case is not awaiting manual review")
		}

		previous = c.Status
		completed := s.now()
		c.Status = req.Decision
		c.ReviewedBy = &reviewerID
		c.RequiresManualReview = false
		c.CompletedAt = &completed
		if req.Notes != "" {
			notes := req.Notes
			c.ReviewNotes = &notes
		}
		s.applyApprovalExpiry(c)
		return nil
	})
	if err != nil {
		return nil, repoError(err, "case not found")
	}

	recordManualReview(c.Status)
	recordTransition(previous, c.Status, "manual_review")
	s.events.CaseReviewed(ctx, c, previous)
	s.invalidateStatus(ctx, c.UserID)

	logger.InfoContext(ctx, "manual review completed",
		zap.String("case_id", c.ID.String()),
		zap.String("decision", string(c.Status)),
		zap.String("reviewed_by", reviewerID.String()),
	)

	return c, nil
}

// Retry re-opens a rejected or expired case with a fresh provider session.
// The old session is cancelled best-effort. The provider call runs under
// the case's row lock so a late webhook for the old session serializes with
// the swap.
func (s *Service) Retry(ctx context.Context, caseID uuid.UUID) (*VerificationCase, error) {
	var previous CaseStatus
	c, err := s.repo.UpdateCaseByID(ctx, caseID, func(c *VerificationCase) error {
		if c.Status != StatusRejected && c.Status != StatusExpired {
			return common.NewInvalidTransitionError(fmt.Sprintf("cannot retry a case in status %q", c.Status))
		}
		if c.AttemptCount >= s.cfg.MaxAttempts {
			return common.NewInvalidTransitionError("maximum verification attempts reached")
		}

		if c.ExternalVerificationID != nil {
			start := s.now()
			err := s.provider.CancelSession(ctx, *c.ExternalVerificationID)
			observeProviderRequest(s.provider.Name(), "cancel_session", start, err)
			if err != nil {
				logger.WarnContext(ctx, "failed to cancel previous provider session",
					zap.String("case_id", c.ID.String()),
					zap.String("external_id", *c.ExternalVerificationID),
					zap.Error(err),
				)
			}
		}

		start := s.now()
		session, err := s.provider.OpenSession(ctx, c.subject(), c.Level)
		observeProviderRequest(s.provider.Name(), "open_session", start, err)
		if err != nil {
			return providerError(err)
		}

		previous = c.Status
		now := s.now()
		c.ExternalVerificationID = &session.ExternalID
		c.VerificationURL = &session.VerificationURL
		c.Status = StatusPending
		c.SubmittedAt = &now
		c.AttemptCount++
		c.ExpiresAt = session.ExpiresAt
		c.CompletedAt = nil
		c.RejectionReason = nil
		return nil
	})
	if err != nil {
		return nil, repoError(err, "case not found")
	}

	recordTransition(previous, c.Status, "retry")
	s.events.CaseRetried(ctx, c)
	s.invalidateStatus(ctx, c.UserID)

	logger.InfoContext(ctx, "verification retried",
		zap.String("case_id", c.ID.String()),
		zap.Int("attempt_count", c.AttemptCount),
	)

	return c, nil
}

// UpdateCase patches mutable case fields. Rejected once the case is
// approved.
func (s *Service) UpdateCase(ctx context.Context, caseID uuid.UUID, req *UpdateCaseRequest) (*VerificationCase, error) {
	c, err := s.repo.UpdateCaseByID(ctx, caseID, func(c *VerificationCase) error {
		if c.Status == StatusApproved {
			return common.NewInvalidTransitionError("cannot update an approved case")
		}
		*c = applyUpdate(*c, req)
		return nil
	})
	if err != nil {
		return nil, repoError(err, "case not found")
	}

	s.invalidateStatus(ctx, c.UserID)
	return c, nil
}

// ========================================
// QUERIES
// ========================================

// GetCase returns a case by ID.
func (s *Service) GetCase(ctx context.Context, caseID uuid.UUID) (*VerificationCase, error) {
	c, err := s.repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, repoError(err, "case not found")
	}
	return c, nil
}

// GetLatestCaseByUser returns the user's most recent case.
func (s *Service) GetLatestCaseByUser(ctx context.Context, userID uuid.UUID) (*VerificationCase, error) {
	c, err := s.repo.GetLatestCaseByUser(ctx, userID)
	if err != nil {
		return nil, repoError(err, "no verification case found for user")
	}
	return c, nil
}

// ListCases lists cases matching the filter, newest first.
func (s *Service) ListCases(ctx context.Context, filter CaseFilter, limit, offset int) ([]*VerificationCase, int64, error) {
	cases, total, err := s.repo.ListCases(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, repoError(err, "")
	}
	return cases, total, nil
}

// Stats returns aggregate case counts by status.
func (s *Service) Stats(ctx context.Context) (*CaseStats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, repoError(err, "")
	}

	stats := &CaseStats{ByStatus: counts}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// effectiveLevel returns the user's current assurance level. Expiry is
// evaluated here, at read time: a lapsed approval reports none while its
// stored status stays approved until some other transition touches it.
func (s *Service) effectiveLevel(ctx context.Context, userID uuid.UUID) (VerificationLevel, error) {
	c, err := s.repo.GetLatestApprovedCase(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LevelNone, nil
		}
		return LevelNone, repoError(err, "")
	}
	if c.ApprovalExpired(s.now()) {
		return LevelNone, nil
	}
	return c.Level, nil
}

// IsVerified reports whether the user currently holds an unexpired approval
// at or above requiredLevel. Pass an empty level to accept any tier.
func (s *Service) IsVerified(ctx context.Context, userID uuid.UUID, requiredLevel VerificationLevel) (bool, error) {
	level, err := s.effectiveLevel(ctx, userID)
	if err != nil {
		return false, err
	}
	if level == LevelNone {
		return false, nil
	}
	if requiredLevel != "" && !level.Meets(requiredLevel) {
		return false, nil
	}
	return true, nil
}

// GetVerificationLevel returns the user's effective level, or none when
// unverified or expired.
func (s *Service) GetVerificationLevel(ctx context.Context, userID uuid.UUID) (VerificationLevel, error) {
	return s.effectiveLevel(ctx, userID)
}

// VerificationStatus answers the access-control query, cached briefly when
// a cache is wired. A user is verified while an unexpired approval stands;
// they can transact only while their latest case is also that approval, so
// a fresh rejection or escalation suspends transacting without voiding the
// standing approval.
func (s *Service) VerificationStatus(ctx context.Context, userID uuid.UUID) (*VerificationStatusResponse, error) {
	cacheKey := statusCacheKey(userID)
	if s.cache != nil {
		var cached VerificationStatusResponse
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	level, err := s.effectiveLevel(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp := &VerificationStatusResponse{
		UserID:   userID,
		Verified: level != LevelNone,
		Level:    level,
	}

	if resp.Verified {
		latest, err := s.repo.GetLatestCaseByUser(ctx, userID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, repoError(err, "")
		}
		resp.CanTransact = latest != nil && latest.Status == StatusApproved
	}

	if s.cache != nil && s.cfg.StatusCacheTTL > 0 {
		ttl := time.Duration(s.cfg.StatusCacheTTL) * time.Second
		if err := s.cache.Set(ctx, cacheKey, resp, ttl); err != nil {
			logger.WarnContext(ctx, "failed to cache verification status", zap.Error(err))
		}
	}

	return resp, nil
}

// ========================================
// EXPIRATION SWEEP
// ========================================

var errSweepSkip = errors.New("case no longer overdue")

// ExpireOverdueCases marks overdue in-flight cases expired and emits the
// expiry events. It exists for the optional sweep worker; the read path
// never depends on it because expiry is evaluated lazily at query time.
func (s *Service) ExpireOverdueCases(ctx context.Context) (int, error) {
	overdue, err := s.repo.ListOverdueActive(ctx, s.now(), sweepBatchSize)
	if err != nil {
		return 0, repoError(err, "")
	}

	expired := 0
	for _, candidate := range overdue {
		var previous CaseStatus
		c, err := s.repo.UpdateCaseByID(ctx, candidate.ID, func(c *VerificationCase) error {
			// Re-check under the lock; a webhook may have landed since the scan.
			if !c.Status.Active() || c.ExpiresAt == nil || c.ExpiresAt.After(s.now()) {
				return errSweepSkip
			}
			previous = c.Status
			c.Status = StatusExpired
			return nil
		})
		if err != nil {
			if errors.Is(err, errSweepSkip) {
				continue
			}
			logger.WarnContext(ctx, "failed to expire overdue case",
				zap.String("case_id", candidate.ID.String()),
				zap.Error(err),
			)
			continue
		}

		expired++
		casesExpiredTotal.Inc()
		recordTransition(previous, StatusExpired, "sweep")
		s.events.CaseStatusChanged(ctx, c, previous)
		s.invalidateStatus(ctx, c.UserID)
	}

	if expired > 0 {
		logger.InfoContext(ctx, "expired overdue cases", zap.Int("count", expired))
	}
	return expired, nil
}

// applyApprovalExpiry derives the approval's policy expiry from its stable
// completion time, keeping redelivered webhooks idempotent. An approval
// supersedes any session deadline carried in expires_at.
func (s *Service) applyApprovalExpiry(c *VerificationCase) {
	if c.Status != StatusApproved || c.CompletedAt == nil {
		return
	}
	if s.cfg.ApprovalTTLDays <= 0 {
		c.ExpiresAt = nil
		return
	}
	expires := c.CompletedAt.AddDate(0, 0, s.cfg.ApprovalTTLDays)
	c.ExpiresAt = &expires
}

func statusCacheKey(userID uuid.UUID) string {
	return "kyc:status:" + userID.String()
}

func (s *Service) invalidateStatus(ctx context.Context, userID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, statusCacheKey(userID)); err != nil {
		logger.WarnContext(ctx, "failed to invalidate verification status cache",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
}
