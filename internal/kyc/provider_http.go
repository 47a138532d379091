package kyc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/verifid/kyc-service/pkg/config"
	"github.com/verifid/kyc-service/pkg/logger"
	"go.uber.org/zap"
)

// HostedProvider talks to a hosted identity-verification provider over
// HTTP. Sessions are created server-side; the user completes document and
// liveness checks at the returned verification URL and the provider
// reports results through the webhook.
type HostedProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHostedProvider creates a provider gateway for the configured hosted
// provider. Credentials are validated by config.Load before this point.
func NewHostedProvider(cfg *config.KYCConfig) *HostedProvider {
	return &HostedProvider{
		name:    cfg.Provider,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: cfg.Timeout(),
		},
	}
}

// Name returns the configured provider name.
func (p *HostedProvider) Name() string {
	return p.name
}

type hostedSessionRequest struct {
	FirstName   string  `json:"first_name"`
	LastName    string  `json:"last_name"`
	Email       string  `json:"email"`
	PhoneNumber *string `json:"phone_number,omitempty"`
	DateOfBirth *string `json:"date_of_birth,omitempty"`
	Country     *string `json:"country,omitempty"`
	Level       string  `json:"level"`
}

type hostedSessionResponse struct {
	ID              string     `json:"id"`
	VerificationURL string     `json:"verification_url"`
	Status          string     `json:"status"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// OpenSession creates a new verification session for the subject.
func (p *HostedProvider) OpenSession(ctx context.Context, subject Subject, level VerificationLevel) (*ProviderSession, error) {
	payload := hostedSessionRequest{
		FirstName:   subject.FirstName,
		LastName:    subject.LastName,
		Email:       subject.Email,
		PhoneNumber: subject.PhoneNumber,
		DateOfBirth: subject.DateOfBirth,
		Country:     subject.Country,
		Level:       string(level),
	}

	var resp hostedSessionResponse
	if err := p.do(ctx, http.MethodPost, "/v1/sessions", payload, &resp); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "provider session opened",
		zap.String("provider", p.name),
		zap.String("external_id", resp.ID),
	)

	return &ProviderSession{
		ExternalID:      resp.ID,
		VerificationURL: resp.VerificationURL,
		ExpiresAt:       resp.ExpiresAt,
	}, nil
}

type hostedStatusResponse struct {
	ID              string                 `json:"id"`
	Status          string                 `json:"status"`
	RejectionReason *string                `json:"rejection_reason,omitempty"`
	Checks          map[string]interface{} `json:"checks,omitempty"`
}

// FetchStatus retrieves the provider's current view of a session.
func (p *HostedProvider) FetchStatus(ctx context.Context, externalID string) (*ProviderStatus, error) {
	var resp hostedStatusResponse
	if err := p.do(ctx, http.MethodGet, "/v1/sessions/"+externalID, nil, &resp); err != nil {
		return nil, err
	}

	return &ProviderStatus{
		ExternalID:      resp.ID,
		Status:          mapHostedStatus(resp.Status),
		RejectionReason: resp.RejectionReason,
		Raw:             resp.Checks,
	}, nil
}

// CancelSession aborts a session the user will not complete.
func (p *HostedProvider) CancelSession(ctx context.Context, externalID string) error {
	return p.do(ctx, http.MethodDelete, "/v1/sessions/"+externalID, nil, nil)
}

// do performs a single bounded-timeout request. Transport failures are
// returned wrapped; non-2xx responses become ProviderError. There is no
// automatic retry here: session creation is not idempotent.
func (p *HostedProvider) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal provider request: %w", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return &ProviderError{StatusCode: resp.StatusCode, Body: buf.String()}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode provider response: %w", err)
		}
	}

	return nil
}

// mapHostedStatus translates the provider's status vocabulary to the
// engine's case statuses.
func mapHostedStatus(status string) CaseStatus {
	switch status {
	case "created", "pending":
		return StatusPending
	case "started", "processing", "in_progress":
		return StatusInProgress
	case "approved", "clear", "passed":
		return StatusApproved
	case "rejected", "declined", "failed":
		return StatusRejected
	case "expired", "abandoned":
		return StatusExpired
	default:
		return StatusRequiresReview
	}
}
