package kyc

import (
	"context"
	"fmt"
	"time"
)

// Subject carries the applicant data handed to the provider when a
// verification session is opened.
type Subject struct {
	FirstName   string
	LastName    string
	Email       string
	PhoneNumber *string
	DateOfBirth *string
	Country     *string
}

// ProviderSession is the provider's response to opening a session.
type ProviderSession struct {
	ExternalID      string
	VerificationURL string
	ExpiresAt       *time.Time
}

// ProviderStatus is the provider's current view of a session.
type ProviderStatus struct {
	ExternalID      string
	Status          CaseStatus
	RejectionReason *string
	Raw             map[string]interface{}
}

// ProviderGateway abstracts the external identity-verification provider.
// Implementations translate provider payloads to and from the engine's
// neutral shapes. Calls are synchronous with a bounded timeout; the engine
// never retries them itself — retry is a user-initiated transition.
type ProviderGateway interface {
	Name() string
	OpenSession(ctx context.Context, subject Subject, level VerificationLevel) (*ProviderSession, error)
	FetchStatus(ctx context.Context, externalID string) (*ProviderStatus, error)
	CancelSession(ctx context.Context, externalID string) error
}

// ProviderError is an application-level rejection from the provider,
// carrying its error payload. Transport failures are returned as plain
// wrapped errors instead.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider rejected request: HTTP %d: %s", e.StatusCode, e.Body)
}

// subject extracts the provider-facing applicant data from a case.
func (c *VerificationCase) subject() Subject {
	return Subject{
		FirstName:   c.FirstName,
		LastName:    c.LastName,
		Email:       c.Email,
		PhoneNumber: c.PhoneNumber,
		DateOfBirth: c.DateOfBirth,
		Country:     c.Country,
	}
}
