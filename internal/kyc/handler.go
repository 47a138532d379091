package kyc

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/verifid/kyc-service/pkg/common"
	"github.com/verifid/kyc-service/pkg/config"
	"github.com/verifid/kyc-service/pkg/middleware"
	"github.com/verifid/kyc-service/pkg/models"
	"github.com/verifid/kyc-service/pkg/pagination"
)

// Webhook signature headers. The body's signature/timestamp fields are a
// fallback for providers that cannot set headers.
const (
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
)

// Handler handles HTTP requests for verification cases
type Handler struct {
	service *Service
	cfg     *config.KYCConfig
}

// NewHandler creates a new verification case handler
func NewHandler(service *Service, cfg *config.KYCConfig) *Handler {
	return &Handler{service: service, cfg: cfg}
}

// ========================================
// USER ENDPOINTS
// ========================================

// InitiateVerification starts a verification case
// POST /api/v1/kyc
func (h *Handler) InitiateVerification(c *gin.Context) {
	var req InitiateVerificationRequest
	if !common.BindJSON(c, &req) {
		return
	}

	// Regular users may only verify themselves; staff can verify any user.
	role, err := middleware.GetUserRole(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	if role == models.RoleUser {
		userID, err := middleware.GetUserID(c)
		if err != nil {
			common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		req.UserID = userID
	}

	result, err := h.service.Initiate(c.Request.Context(), &req)
	if common.HandleServiceError(c, err, "failed to initiate verification") {
		return
	}

	common.CreatedResponse(c, result)
}

// GetMyCase gets the caller's latest verification case
// GET /api/v1/kyc/me
func (h *Handler) GetMyCase(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	result, err := h.service.GetLatestCaseByUser(c.Request.Context(), userID)
	if common.HandleServiceError(c, err, "failed to get verification case") {
		return
	}

	common.SuccessResponse(c, result)
}

// GetMyStatus gets the caller's verification status
// GET /api/v1/kyc/me/status
func (h *Handler) GetMyStatus(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	result, err := h.service.VerificationStatus(c.Request.Context(), userID)
	if common.HandleServiceError(c, err, "failed to get verification status") {
		return
	}

	common.SuccessResponse(c, result)
}

// UpdateCase patches mutable fields of a case
// PATCH /api/v1/kyc/cases/:id
func (h *Handler) UpdateCase(c *gin.Context) {
	caseID, ok := common.ParseUUIDParam(c, "id", "case ID")
	if !ok {
		return
	}
	if !h.authorizeCaseAccess(c, caseID) {
		return
	}

	var req UpdateCaseRequest
	if !common.BindJSON(c, &req) {
		return
	}

	result, err := h.service.UpdateCase(c.Request.Context(), caseID, &req)
	if common.HandleServiceError(c, err, "failed to update case") {
		return
	}

	common.SuccessResponse(c, result)
}

// RetryVerification re-opens a rejected or expired case
// POST /api/v1/kyc/cases/:id/retry
func (h *Handler) RetryVerification(c *gin.Context) {
	caseID, ok := common.ParseUUIDParam(c, "id", "case ID")
	if !ok {
		return
	}
	if !h.authorizeCaseAccess(c, caseID) {
		return
	}

	result, err := h.service.Retry(c.Request.Context(), caseID)
	if common.HandleServiceError(c, err, "failed to retry verification") {
		return
	}

	common.SuccessResponse(c, result)
}

// ========================================
// ADMIN ENDPOINTS
// ========================================

// ListCases lists cases with optional status/level/user filters
// GET /api/v1/admin/kyc/cases
func (h *Handler) ListCases(c *gin.Context) {
	var filter CaseFilter
	if status := CaseStatus(c.Query("status")); status != "" {
		if !status.Valid() {
			common.ErrorResponse(c, http.StatusBadRequest, "invalid status filter")
			return
		}
		filter.Status = &status
	}
	if level := VerificationLevel(c.Query("level")); level != "" {
		if !level.Valid() {
			common.ErrorResponse(c, http.StatusBadRequest, "invalid level filter")
			return
		}
		filter.Level = &level
	}
	if userParam := c.Query("user_id"); userParam != "" {
		userID, err := uuid.Parse(userParam)
		if err != nil {
			common.ErrorResponse(c, http.StatusBadRequest, "invalid user ID filter")
			return
		}
		filter.UserID = &userID
	}

	params := pagination.ParseParams(c)

	cases, total, err := h.service.ListCases(c.Request.Context(), filter, params.Limit, params.Offset())
	if common.HandleServiceError(c, err, "failed to list cases") {
		return
	}

	common.SuccessResponseWithMeta(c, cases, pagination.BuildMeta(params, total))
}

// GetCase gets a case by ID
// GET /api/v1/admin/kyc/cases/:id
func (h *Handler) GetCase(c *gin.Context) {
	caseID, ok := common.ParseUUIDParam(c, "id", "case ID")
	if !ok {
		return
	}

	result, err := h.service.GetCase(c.Request.Context(), caseID)
	if common.HandleServiceError(c, err, "failed to get case") {
		return
	}

	common.SuccessResponse(c, result)
}

// GetUserCase gets a user's latest case
// GET /api/v1/admin/kyc/users/:id/latest
func (h *Handler) GetUserCase(c *gin.Context) {
	userID, ok := common.ParseUUIDParam(c, "id", "user ID")
	if !ok {
		return
	}

	result, err := h.service.GetLatestCaseByUser(c.Request.Context(), userID)
	if common.HandleServiceError(c, err, "failed to get verification case") {
		return
	}

	common.SuccessResponse(c, result)
}

// GetUserStatus gets a user's verification status
// GET /api/v1/admin/kyc/users/:id/status
func (h *Handler) GetUserStatus(c *gin.Context) {
	userID, ok := common.ParseUUIDParam(c, "id", "user ID")
	if !ok {
		return
	}

	result, err := h.service.VerificationStatus(c.Request.Context(), userID)
	if common.HandleServiceError(c, err, "failed to get verification status") {
		return
	}

	common.SuccessResponse(c, result)
}

// ReviewCase finalizes an escalated case with a human decision
// POST /api/v1/admin/kyc/cases/:id/review
func (h *Handler) ReviewCase(c *gin.Context) {
	caseID, ok := common.ParseUUIDParam(c, "id", "case ID")
	if !ok {
		return
	}

	reviewerID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ManualReviewRequest
	if !common.BindJSON(c, &req) {
		return
	}

	result, err := h.service.ManualReview(c.Request.Context(), caseID, reviewerID, &req)
	if common.HandleServiceError(c, err, "failed to review case") {
		return
	}

	common.SuccessResponse(c, result)
}

// GetStats gets aggregate case counts by status
// GET /api/v1/admin/kyc/stats
func (h *Handler) GetStats(c *gin.Context) {
	result, err := h.service.Stats(c.Request.Context())
	if common.HandleServiceError(c, err, "failed to get statistics") {
		return
	}

	common.SuccessResponse(c, result)
}

// ========================================
// WEBHOOK ENDPOINT
// ========================================

// HandleWebhook ingests a provider callback
// POST /webhooks/kyc
//
// The signature is checked against the raw body before the payload is
// parsed or any case is looked up, so a rejection cannot leak whether the
// referenced verification exists.
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "failed to read request body")
		return
	}

	signed := body
	signature := c.GetHeader(HeaderWebhookSignature)
	timestamp := c.GetHeader(HeaderWebhookTimestamp)
	if signature == "" {
		signature, timestamp = embeddedSignature(body)
		signed = stripSignatureMember(body)
	}

	if !VerifySignature(h.cfg.WebhookSecret, signed, signature, timestamp) {
		recordWebhook("rejected_signature")
		common.ErrorResponse(c, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	var payload WebhookRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid webhook payload")
		return
	}
	if payload.ExternalVerificationID == "" {
		common.ErrorResponse(c, http.StatusBadRequest, "external_verification_id is required")
		return
	}

	result, err := h.service.ApplyWebhook(c.Request.Context(), &payload)
	if common.HandleServiceError(c, err, "webhook processing failed") {
		return
	}

	common.SuccessResponse(c, gin.H{
		"status":      "processed",
		"case_status": result.Status,
	})
}

// embeddedSignature extracts the body-carried signature fields without
// binding the full payload.
func embeddedSignature(body []byte) (signature, timestamp string) {
	var fields struct {
		Signature string `json:"signature"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", ""
	}
	return fields.Signature, fields.Timestamp
}

var signatureMemberPattern = regexp.MustCompile(`,\s*"signature"\s*:\s*"[^"]*"|"signature"\s*:\s*"[^"]*"\s*,?`)

// stripSignatureMember removes the signature member from the raw body. A
// provider embedding its signature serializes the payload, signs those
// bytes, then splices the signature member in; removing it recovers the
// bytes that were signed.
func stripSignatureMember(body []byte) []byte {
	return signatureMemberPattern.ReplaceAll(body, nil)
}

// authorizeCaseAccess checks that the caller owns the case or holds a staff
// role. Sends the response itself and returns false when access is denied.
func (h *Handler) authorizeCaseAccess(c *gin.Context, caseID uuid.UUID) bool {
	role, err := middleware.GetUserRole(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return false
	}
	if role == models.RoleAdmin || role == models.RoleCompliance {
		return true
	}

	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "unauthorized")
		return false
	}

	existing, err := h.service.GetCase(c.Request.Context(), caseID)
	if common.HandleServiceError(c, err, "failed to get case") {
		return false
	}
	if existing.UserID != userID {
		common.ErrorResponse(c, http.StatusForbidden, "insufficient permissions")
		return false
	}
	return true
}

// ========================================
// ROUTE REGISTRATION
// ========================================

// RegisterRoutes registers verification case routes
func (h *Handler) RegisterRoutes(r *gin.Engine, jwtSecret string) {
	// User verification routes
	user := r.Group("/api/v1/kyc")
	user.Use(middleware.AuthMiddleware(jwtSecret))
	{
		user.POST("", h.InitiateVerification)
		user.GET("/me", h.GetMyCase)
		user.GET("/me/status", h.GetMyStatus)
		user.PATCH("/cases/:id", h.UpdateCase)
		user.POST("/cases/:id/retry", h.RetryVerification)
	}

	// Admin verification routes
	admin := r.Group("/api/v1/admin/kyc")
	admin.Use(middleware.AuthMiddleware(jwtSecret))
	admin.Use(middleware.RequireRole(models.RoleAdmin, models.RoleCompliance))
	{
		admin.GET("/cases", h.ListCases)
		admin.GET("/cases/:id", h.GetCase)
		admin.POST("/cases/:id/review", h.ReviewCase)
		admin.GET("/users/:id/latest", h.GetUserCase)
		admin.GET("/users/:id/status", h.GetUserStatus)
		admin.GET("/stats", h.GetStats)
	}

	// Webhook route (no auth - verified by provider signature)
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/kyc", h.HandleWebhook)
	}
}
