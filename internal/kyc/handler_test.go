package kyc

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/verifid/kyc-service/pkg/models"
)

// ============================================================================
// HELPERS
// ============================================================================

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	RegisterValidators()
	os.Exit(m.Run())
}

func setupTestContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	c.Request = req

	return c, w
}

func setUserContext(c *gin.Context, userID uuid.UUID, role models.UserRole) {
	c.Set("user_id", userID)
	c.Set("user_role", role)
	c.Set("user_email", "test@example.com")
}

func parseResponse(w *httptest.ResponseRecorder) map[string]interface{} {
	var response map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &response)
	return response
}

func createTestHandler(mockRepo *MockRepository, mockGateway *MockGateway) *Handler {
	cfg := testConfig()
	service := NewService(mockRepo, mockGateway, nil, nil, cfg)
	return NewHandler(service, cfg)
}

func signBody(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	if timestamp != "" {
		mac.Write([]byte(timestamp + "."))
	}
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// ============================================================================
// Webhook tests
// ============================================================================

func TestHandler_HandleWebhook_ValidSignature(t *testing.T) {
	mockRepo := new(MockRepository)
	handler := createTestHandler(mockRepo, new(MockGateway))

	stored := createTestCase(uuid.New(), StatusInProgress)
	externalID := *stored.ExternalVerificationID
	mockRepo.On("UpdateCaseByExternalID", mock.Anything, externalID).Return(stored, nil)

	body := mustJSON(t, WebhookRequest{ExternalVerificationID: externalID, Status: StatusApproved})
	c, w := setupTestContext("POST", "/webhooks/kyc", body)
	c.Request.Header.Set(HeaderWebhookSignature, signBody(testWebhookSecret, body, "1735689600"))
	c.Request.Header.Set(HeaderWebhookTimestamp, "1735689600")

	handler.HandleWebhook(c)

	assert.Equal(t, http.StatusOK, w.Code)
	response := parseResponse(w)
	assert.True(t, response["success"].(bool))
	data := response["data"].(map[string]interface{})
	assert.Equal(t, "processed", data["status"])
	assert.Equal(t, "approved", data["case_status"])
	mockRepo.AssertExpectations(t)
}

func TestHandler_HandleWebhook_BadSignatureShortCircuits(t *testing.T) {
	mockRepo := new(MockRepository)
	handler := createTestHandler(mockRepo, new(MockGateway))

	body := mustJSON(t, WebhookRequest{ExternalVerificationID: "v1", Status: StatusApproved})
	c, w := setupTestContext("POST", "/webhooks/kyc", body)
	c.Request.Header.Set(HeaderWebhookSignature, "deadbeef")

	handler.HandleWebhook(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	// No lookup happened, so the response cannot reveal whether v1 exists.
	mockRepo.AssertNotCalled(t, "UpdateCaseByExternalID", mock.Anything, mock.Anything)
}

func TestHandler_HandleWebhook_MissingSignature(t *testing.T) {
	mockRepo := new(MockRepository)
	handler := createTestHandler(mockRepo, new(MockGateway))

	body := mustJSON(t, WebhookRequest{ExternalVerificationID: "v1", Status: StatusApproved})
	c, w := setupTestContext("POST", "/webhooks/kyc", body)

	handler.HandleWebhook(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	mockRepo.AssertNotCalled(t, "UpdateCaseByExternalID", mock.Anything, mock.Anything)
}

func TestHandler_HandleWebhook_BodyEmbeddedSignature(t *testing.T) {
	mockRepo := new(MockRepository)
	handler := createTestHandler(mockRepo, new(MockGateway))

	stored := createTestCase(uuid.New(), StatusInProgress)
	externalID := *stored.ExternalVerificationID
	mockRepo.On("UpdateCaseByExternalID", mock.Anything, externalID).Return(stored, nil)

	// The provider signs the payload bytes, then splices the signature
	// member in before the closing brace.
	unsigned := []byte(`{"external_verification_id":"` + externalID + `","status":"approved"}`)
	sig := signBody(testWebhookSecret, unsigned, "")
	body := append(unsigned[:len(unsigned)-1], []byte(`,"signature":"`+sig+`"}`)...)

	c, w := setupTestContext("POST", "/webhooks/kyc", body)

	handler.HandleWebhook(c)

	assert.Equal(t, http.StatusOK, w.Code)
	data := parseResponse(w)["data"].(map[string]interface{})
	assert.Equal(t, "processed", data["status"])
	mockRepo.AssertExpectations(t)
}

func TestHandler_HandleWebhook_BodyEmbeddedSignatureIsChecked(t *testing.T) {
	mockRepo := new(MockRepository)
	handler := createTestHandler(mockRepo, new(MockGateway))

	// No header; the handler falls back to the body's signature field and
	// verifies it against the raw bytes. A forged embedded digest must be
	// rejected without any case lookup.
	body := []byte(`{"external_verification_id":"v1","status":"approved","signature":"` +
		signBody(testWebhookSecret, []byte("other bytes"), "") + `"}`)
	c, w := setupTestContext("POST", "/webhooks/kyc", body)

	handler.HandleWebhook(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	mockRepo.AssertNotCalled(t, "UpdateCaseByExternalID", mock.Anything, mock.Anything)
}

func TestHandler_HandleWebhook_UnknownCaseAfterValidSignature(t *testing.T) {
	mockRepo := new(MockRepository)
	handler := createTestHandler(mockRepo, new(MockGateway))

	mockRepo.On("UpdateCaseByExternalID", mock.Anything, "ghost").Return(nil, pgx.ErrNoRows)

	body := mustJSON(t, WebhookRequest{ExternalVerificationID: "ghost", Status: StatusApproved})
	c, w := setupTestContext("POST", "/webhooks/kyc", body)
	c.Request.Header.Set(HeaderWebhookSignature, signBody(testWebhookSecret, body, ""))

	handler.HandleWebhook(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_HandleWebhook_MissingExternalID(t *testing.T) {
	mockRepo := new(MockRepository)
	handler := createTestHandler(mockRepo, new(MockGateway))

	body := mustJSON(t, WebhookRequest{Status: StatusApproved})
	c, w := setupTestContext("POST", "/webhooks/kyc", body)
	c.Request.Header.Set(HeaderWebhookSignature, signBody(testWebhookSecret, body, ""))

	handler.HandleWebhook(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStripSignatureMember(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"trailing member", `{"status":"approved","signature":"abc123"}`, `{"status":"approved"}`},
		{"leading member", `{"signature":"abc123","status":"approved"}`, `{"status":"approved"}`},
		{"no member", `{"status":"approved"}`, `{"status":"approved"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(stripSignatureMember([]byte(tt.body))))
		})
	}
}

// ============================================================================
// Initiate tests
// ============================================================================

func TestHandler_InitiateVerification_UserVerifiesSelf(t *testing.T) {
	mockRepo := new(MockRepository)
	mockGateway := new(MockGateway)
	handler := createTestHandler(mockRepo, mockGateway)

	callerID := uuid.New()
	otherID := uuid.New()

	// The caller tries to initiate for someone else; their own ID wins.
	mockRepo.On("GetActiveCase", mock.Anything, callerID).Return(nil, pgx.ErrNoRows)
	mockRepo.On("GetLatestApprovedCase", mock.Anything, callerID).Return(nil, pgx.ErrNoRows)
	mockGateway.On("OpenSession", mock.Anything, mock.Anything, LevelBasic).
		Return(&ProviderSession{ExternalID: "v1", VerificationURL: "https://p/v1"}, nil)
	mockRepo.On("CreateCase", mock.Anything, mock.MatchedBy(func(c *VerificationCase) bool {
		return c.UserID == callerID
	})).Return(nil)

	body := mustJSON(t, testInitiateRequest(otherID))
	c, w := setupTestContext("POST", "/api/v1/kyc", body)
	setUserContext(c, callerID, models.RoleUser)

	handler.InitiateVerification(c)

	assert.Equal(t, http.StatusCreated, w.Code)
	mockRepo.AssertExpectations(t)
}

func TestHandler_InitiateVerification_Conflict(t *testing.T) {
	mockRepo := new(MockRepository)
	handler := createTestHandler(mockRepo, new(MockGateway))

	callerID := uuid.New()
	mockRepo.On("GetActiveCase", mock.Anything, callerID).Return(createTestCase(callerID, StatusPending), nil)

	body := mustJSON(t, testInitiateRequest(callerID))
	c, w := setupTestContext("POST", "/api/v1/kyc", body)
	setUserContext(c, callerID, models.RoleUser)

	handler.InitiateVerification(c)

	assert.Equal(t, http.StatusConflict, w.Code)
	response := parseResponse(w)
	assert.False(t, response["success"].(bool))
}

func TestHandler_InitiateVerification_InvalidBody(t *testing.T) {
	handler := createTestHandler(new(MockRepository), new(MockGateway))

	c, w := setupTestContext("POST", "/api/v1/kyc", []byte(`{"email":"not-an-email"}`))
	setUserContext(c, uuid.New(), models.RoleUser)

	handler.InitiateVerification(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ============================================================================
// Review tests
// ============================================================================

func TestHandler_ReviewCase_Success(t *testing.T) {
	mockRepo := new(MockRepository)
	handler := createTestHandler(mockRepo, new(MockGateway))

	stored := createTestCase(uuid.New(), StatusRequiresReview)
	stored.RequiresManualReview = true
	reviewerID := uuid.New()
	mockRepo.On("UpdateCaseByID", mock.Anything, stored.ID).Return(stored, nil)

	body := mustJSON(t, ManualReviewRequest{Decision: StatusApproved, Notes: "checked"})
	c, w := setupTestContext("POST", "/api/v1/admin/kyc/cases/"+stored.ID.String()+"/review", body)
	c.Params = gin.Params{{Key: "id", Value: stored.ID.String()}}
	setUserContext(c, reviewerID, models.RoleCompliance)

	handler.ReviewCase(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusApproved, stored.Status)
	assert.Equal(t, reviewerID, *stored.ReviewedBy)
}

func TestHandler_ReviewCase_InvalidDecision(t *testing.T) {
	handler := createTestHandler(new(MockRepository), new(MockGateway))

	caseID := uuid.New()
	body := []byte(`{"decision":"expired"}`)
	c, w := setupTestContext("POST", "/api/v1/admin/kyc/cases/"+caseID.String()+"/review", body)
	c.Params = gin.Params{{Key: "id", Value: caseID.String()}}
	setUserContext(c, uuid.New(), models.RoleAdmin)

	handler.ReviewCase(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ReviewCase_NotEscalated(t *testing.T) {
	mockRepo := new(MockRepository)
	handler := createTestHandler(mockRepo, new(MockGateway))

	stored := createTestCase(uuid.New(), StatusInProgress)
	mockRepo.On("UpdateCaseByID", mock.Anything, stored.ID).Return(stored, nil)

	body := mustJSON(t, ManualReviewRequest{Decision: StatusRejected})
	c, w := setupTestContext("POST", "/api/v1/admin/kyc/cases/"+stored.ID.String()+"/review", body)
	c.Params = gin.Params{{Key: "id", Value: stored.ID.String()}}
	setUserContext(c, uuid.New(), models.RoleAdmin)

	handler.ReviewCase(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ============================================================================
// Query endpoint tests
// ============================================================================

func TestHandler_GetMyStatus(t *testing.T) {
	mockRepo := new(MockRepository)
	handler := createTestHandler(mockRepo, new(MockGateway))

	userID := uuid.New()
	approved := createTestCase(userID, StatusApproved)
	mockRepo.On("GetLatestApprovedCase", mock.Anything, userID).Return(approved, nil)
	mockRepo.On("GetLatestCaseByUser", mock.Anything, userID).Return(approved, nil)

	c, w := setupTestContext("GET", "/api/v1/kyc/me/status", nil)
	setUserContext(c, userID, models.RoleUser)

	handler.GetMyStatus(c)

	assert.Equal(t, http.StatusOK, w.Code)
	response := parseResponse(w)
	data := response["data"].(map[string]interface{})
	assert.Equal(t, true, data["verified"])
	assert.Equal(t, true, data["can_transact"])
	assert.Equal(t, "basic", data["level"])
}

func TestHandler_GetMyCase_NotFound(t *testing.T) {
	mockRepo := new(MockRepository)
	handler := createTestHandler(mockRepo, new(MockGateway))

	userID := uuid.New()
	mockRepo.On("GetLatestCaseByUser", mock.Anything, userID).Return(nil, pgx.ErrNoRows)

	c, w := setupTestContext("GET", "/api/v1/kyc/me", nil)
	setUserContext(c, userID, models.RoleUser)

	handler.GetMyCase(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListCases_FiltersAndPaging(t *testing.T) {
	mockRepo := new(MockRepository)
	handler := createTestHandler(mockRepo, new(MockGateway))

	status := StatusApproved
	mockRepo.On("ListCases", mock.Anything, mock.MatchedBy(func(f CaseFilter) bool {
		return f.Status != nil && *f.Status == status && f.Level == nil
	}), 10, 10).Return([]*VerificationCase{createTestCase(uuid.New(), status)}, int64(21), nil)

	c, w := setupTestContext("GET", "/api/v1/admin/kyc/cases?status=approved&page=2&limit=10", nil)
	setUserContext(c, uuid.New(), models.RoleAdmin)

	handler.ListCases(c)

	assert.Equal(t, http.StatusOK, w.Code)
	response := parseResponse(w)
	meta := response["meta"].(map[string]interface{})
	assert.Equal(t, float64(2), meta["page"])
	assert.Equal(t, float64(21), meta["total"])
	assert.Equal(t, float64(3), meta["total_pages"])
}

func TestHandler_ListCases_InvalidStatusFilter(t *testing.T) {
	handler := createTestHandler(new(MockRepository), new(MockGateway))

	c, w := setupTestContext("GET", "/api/v1/admin/kyc/cases?status=bogus", nil)
	setUserContext(c, uuid.New(), models.RoleAdmin)

	handler.ListCases(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetStats(t *testing.T) {
	mockRepo := new(MockRepository)
	handler := createTestHandler(mockRepo, new(MockGateway))

	mockRepo.On("CountByStatus", mock.Anything).Return(map[CaseStatus]int64{StatusApproved: 5}, nil)

	c, w := setupTestContext("GET", "/api/v1/admin/kyc/stats", nil)
	setUserContext(c, uuid.New(), models.RoleAdmin)

	handler.GetStats(c)

	assert.Equal(t, http.StatusOK, w.Code)
	response := parseResponse(w)
	data := response["data"].(map[string]interface{})
	assert.Equal(t, float64(5), data["total"])
}

// ============================================================================
// Ownership tests
// ============================================================================

func TestHandler_RetryVerification_ForbiddenForOtherUser(t *testing.T) {
	mockRepo := new(MockRepository)
	handler := createTestHandler(mockRepo, new(MockGateway))

	owner := uuid.New()
	stored := createTestCase(owner, StatusRejected)
	mockRepo.On("GetCase", mock.Anything, stored.ID).Return(stored, nil)

	c, w := setupTestContext("POST", "/api/v1/kyc/cases/"+stored.ID.String()+"/retry", nil)
	c.Params = gin.Params{{Key: "id", Value: stored.ID.String()}}
	setUserContext(c, uuid.New(), models.RoleUser)

	handler.RetryVerification(c)

	assert.Equal(t, http.StatusForbidden, w.Code)
	mockRepo.AssertNotCalled(t, "UpdateCaseByID", mock.Anything, mock.Anything)
}

func TestHandler_RetryVerification_OwnerAllowed(t *testing.T) {
	mockRepo := new(MockRepository)
	mockGateway := new(MockGateway)
	handler := createTestHandler(mockRepo, mockGateway)

	owner := uuid.New()
	stored := createTestCase(owner, StatusRejected)
	mockRepo.On("GetCase", mock.Anything, stored.ID).Return(stored, nil)
	mockRepo.On("UpdateCaseByID", mock.Anything, stored.ID).Return(stored, nil)
	mockGateway.On("CancelSession", mock.Anything, mock.Anything).Return(nil)
	mockGateway.On("OpenSession", mock.Anything, mock.Anything, LevelBasic).
		Return(&ProviderSession{ExternalID: "v-retry", VerificationURL: "https://p/v-retry"}, nil)

	c, w := setupTestContext("POST", "/api/v1/kyc/cases/"+stored.ID.String()+"/retry", nil)
	c.Params = gin.Params{{Key: "id", Value: stored.ID.String()}}
	setUserContext(c, owner, models.RoleUser)

	handler.RetryVerification(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, 2, stored.AttemptCount)
}
