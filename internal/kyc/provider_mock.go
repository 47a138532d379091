package kyc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockProvider is an in-process provider gateway for development and
// tests. Sessions never progress on their own; drive them with webhook
// calls.
type MockProvider struct {
	mu       sync.Mutex
	sessions map[string]VerificationLevel
	ttl      time.Duration
}

// NewMockProvider creates a mock provider. Sessions expire after ttl when
// ttl is positive.
func NewMockProvider(ttl time.Duration) *MockProvider {
	return &MockProvider{
		sessions: make(map[string]VerificationLevel),
		ttl:      ttl,
	}
}

// Name returns the provider name.
func (p *MockProvider) Name() string {
	return "mock"
}

// OpenSession creates a new fake session.
func (p *MockProvider) OpenSession(_ context.Context, _ Subject, level VerificationLevel) (*ProviderSession, error) {
	id := "mock-" + uuid.New().String()

	p.mu.Lock()
	p.sessions[id] = level
	p.mu.Unlock()

	session := &ProviderSession{
		ExternalID:      id,
		VerificationURL: fmt.Sprintf("https://verify.example.test/sessions/%s", id),
	}
	if p.ttl > 0 {
		expires := time.Now().Add(p.ttl)
		session.ExpiresAt = &expires
	}
	return session, nil
}

// FetchStatus reports pending for any known session.
func (p *MockProvider) FetchStatus(_ context.Context, externalID string) (*ProviderStatus, error) {
	p.mu.Lock()
	_, ok := p.sessions[externalID]
	p.mu.Unlock()

	if !ok {
		return nil, &ProviderError{StatusCode: 404, Body: "unknown session"}
	}
	return &ProviderStatus{ExternalID: externalID, Status: StatusPending}, nil
}

// CancelSession removes the session.
func (p *MockProvider) CancelSession(_ context.Context, externalID string) error {
	p.mu.Lock()
	delete(p.sessions, externalID)
	p.mu.Unlock()
	return nil
}
