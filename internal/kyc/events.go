package kyc

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/verifid/kyc-service/pkg/eventbus"
	"github.com/verifid/kyc-service/pkg/logger"
	"go.uber.org/zap"
)

const eventSource = "kyc-service"

// Publisher is the slice of the event bus the emitter needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *eventbus.Event) error
}

// CaseEventPayload is the data carried by every case lifecycle event. The
// external verification ID lets consumers correlate with the provider
// session; the rejection reason rides along so rejected-case consumers do
// not have to fetch the case.
type CaseEventPayload struct {
	CaseID                 uuid.UUID         `json:"case_id"`
	UserID                 uuid.UUID         `json:"user_id"`
	ExternalVerificationID *string           `json:"external_verification_id,omitempty"`
	Status                 CaseStatus        `json:"status"`
	PreviousStatus         CaseStatus        `json:"previous_status,omitempty"`
	Level                  VerificationLevel `json:"level"`
	Provider               string            `json:"provider"`
	AttemptCount           int               `json:"attempt_count"`
	RejectionReason        *string           `json:"rejection_reason,omitempty"`
	ReviewedBy             *uuid.UUID        `json:"reviewed_by,omitempty"`
	OccurredAt             time.Time         `json:"occurred_at"`
}

// EventEmitter publishes case lifecycle events. Publishing is best-effort:
// a broker outage never fails the originating transition. A nil emitter or
// nil publisher is a no-op, so event wiring stays optional.
type EventEmitter struct {
	bus Publisher
}

// NewEventEmitter creates an emitter over the given publisher.
func NewEventEmitter(bus Publisher) *EventEmitter {
	return &EventEmitter{bus: bus}
}

// CaseInitiated signals a freshly created case.
func (e *EventEmitter) CaseInitiated(ctx context.Context, c *VerificationCase) {
	e.emit(ctx, eventbus.SubjectCaseInitiated, c, c.Status)
}

// CaseStatusChanged signals a status transition, alongside the more
// specific subject for terminal outcomes. It fires even when the status is
// unchanged: a redelivered webhook may still have updated payload fields,
// so consumers dedupe on their side rather than the emitter suppressing.
func (e *EventEmitter) CaseStatusChanged(ctx context.Context, c *VerificationCase, previous CaseStatus) {
	e.emit(ctx, eventbus.SubjectCaseStatusChange, c, previous)

	switch c.Status {
	case StatusApproved:
		e.emit(ctx, eventbus.SubjectCaseApproved, c, previous)
	case StatusRejected:
		e.emit(ctx, eventbus.SubjectCaseRejected, c, previous)
	case StatusExpired:
		e.emit(ctx, eventbus.SubjectCaseExpired, c, previous)
	}
}

// CaseReviewed signals a manual review decision.
func (e *EventEmitter) CaseReviewed(ctx context.Context, c *VerificationCase, previous CaseStatus) {
	e.emit(ctx, eventbus.SubjectCaseReviewed, c, previous)
	e.CaseStatusChanged(ctx, c, previous)
}

// CaseRetried signals a user-initiated retry producing a new case.
func (e *EventEmitter) CaseRetried(ctx context.Context, c *VerificationCase) {
	e.emit(ctx, eventbus.SubjectCaseRetried, c, c.Status)
}

func (e *EventEmitter) emit(ctx context.Context, subject string, c *VerificationCase, previous CaseStatus) {
	if e == nil || e.bus == nil {
		return
	}

	payload := CaseEventPayload{
		CaseID:                 c.ID,
		UserID:                 c.UserID,
		ExternalVerificationID: c.ExternalVerificationID,
		Status:                 c.Status,
		Level:                  c.Level,
		Provider:               c.Provider,
		AttemptCount:           c.AttemptCount,
		RejectionReason:        c.RejectionReason,
		ReviewedBy:             c.ReviewedBy,
		OccurredAt:             time.Now().UTC(),
	}
	if previous != c.Status {
		payload.PreviousStatus = previous
	}

	event, err := eventbus.NewEvent(subject, eventSource, payload)
	if err != nil {
		logger.WarnContext(ctx, "failed to build case event",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}

	if err := e.bus.Publish(ctx, subject, event); err != nil {
		logger.WarnContext(ctx, "failed to publish case event",
			zap.String("subject", subject),
			zap.String("case_id", c.ID.String()),
			zap.Error(err),
		)
	}
}
