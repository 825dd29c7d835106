package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tenure/backend/internal/logger"
	"github.com/tenure/backend/internal/middleware"
	"github.com/tenure/backend/internal/models"
	"github.com/tenure/backend/internal/services/kyc"
)

const (
	maxEvidenceFileBytes = 10 << 20
	maxUploadBodyBytes   = 2*maxEvidenceFileBytes + 1<<20
	maxWebhookBodyBytes  = 1 << 20
)

// VerificationService is the orchestrator surface used by the HTTP layer
type VerificationService interface {
	Provider() models.Provider
	Initiate(ctx context.Context, id *kyc.Identity, req kyc.InitiateRequest) (*kyc.InitiateResult, error)
	UploadEvidence(ctx context.Context, id *kyc.Identity, upload kyc.EvidenceUpload) (*kyc.UploadResult, error)
	StartVerification(ctx context.Context, id *kyc.Identity, applicantID string) (*kyc.StartResult, error)
	IssueRealtimeToken(ctx context.Context, id *kyc.Identity, applicantID string) (*kyc.RealtimeToken, error)
	IssueHostedLink(ctx context.Context, id *kyc.Identity) (*kyc.HostedLink, error)
	PullAndStore(ctx context.Context, id *kyc.Identity, sessionID string) (*kyc.StatusView, error)
	GetStatus(ctx context.Context, id *kyc.Identity) (*kyc.StatusView, error)
	History(ctx context.Context, id *kyc.Identity) ([]models.VerificationHistory, error)
}

// WebhookReconciler applies signed vendor callbacks
type WebhookReconciler interface {
	Handle(ctx context.Context, header http.Header, body []byte) (*kyc.Ack, error)
}

// KYCHandler handles identity verification requests
type KYCHandler struct {
	service    VerificationService
	reconciler WebhookReconciler
	log        zerolog.Logger
}

// NewKYCHandler creates a new KYC handler
func NewKYCHandler(service VerificationService, reconciler WebhookReconciler, log *zerolog.Logger) *KYCHandler {
	return &KYCHandler{
		service:    service,
		reconciler: reconciler,
		log:        logger.Component(log, "kyc.http"),
	}
}

type applicantRequest struct {
	ApplicantID string `json:"applicantId"`
}

type refreshRequest struct {
	SessionID string `json:"sessionId"`
}

// InitiateVerification opens a session with the active vendor
func (h *KYCHandler) InitiateVerification(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	var req kyc.InitiateRequest
	if !h.bindOptionalJSON(c, &req) {
		return
	}

	result, err := h.service.Initiate(c.Request.Context(), id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// UploadDocuments forwards document images to the vendor. The front side is
// sent as "content" and the back side as "backFile".
func (h *KYCHandler) UploadDocuments(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBodyBytes)
	if err := c.Request.ParseMultipartForm(maxUploadBodyBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to parse form data"})
		return
	}

	front, err := readEvidence(c, "content")
	if err != nil {
		h.respondError(c, err)
		return
	}
	back, err := readEvidence(c, "backFile")
	if err != nil {
		h.respondError(c, err)
		return
	}

	result, err := h.service.UploadEvidence(c.Request.Context(), id, kyc.EvidenceUpload{
		ApplicantID:  c.PostForm("applicantId"),
		IDDocType:    c.PostForm("idDocType"),
		Country:      c.PostForm("country"),
		IDDocSubType: c.PostForm("idDocSubType"),
		Front:        front,
		Back:         back,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "uploaded",
		"uploadResult": result,
	})
}

// StartVerification asks the vendor to review the applicant
func (h *KYCHandler) StartVerification(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	var req applicantRequest
	if !h.bindOptionalJSON(c, &req) {
		return
	}

	result, err := h.service.StartVerification(c.Request.Context(), id, req.ApplicantID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// IssueToken returns an SDK token for client-side capture
func (h *KYCHandler) IssueToken(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	var req applicantRequest
	if !h.bindOptionalJSON(c, &req) {
		return
	}

	token, err := h.service.IssueRealtimeToken(c.Request.Context(), id, req.ApplicantID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, token)
}

// IssueHostedLink returns a vendor-hosted capture page
func (h *KYCHandler) IssueHostedLink(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	link, err := h.service.IssueHostedLink(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, link)
}

// RefreshResult pulls the vendor result for a session and stores it
func (h *KYCHandler) RefreshResult(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	var req refreshRequest
	if !h.bindOptionalJSON(c, &req) {
		return
	}

	view, err := h.service.PullAndStore(c.Request.Context(), id, req.SessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// GetStatus returns the caller's verification state
func (h *KYCHandler) GetStatus(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	view, err := h.service.GetStatus(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// GetHistory lists the status changes of the caller's current record
func (h *KYCHandler) GetHistory(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}

	history, err := h.service.History(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": history})
}

// Webhook receives vendor callbacks. Callbacks that match no record are
// acknowledged with 200 so the vendor stops retrying.
func (h *KYCHandler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large"})
		return
	}

	ack, err := h.reconciler.Handle(c.Request.Context(), c.Request.Header, body)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ack)
}

// Health reports liveness and the active vendor
func (h *KYCHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"provider": h.service.Provider(),
	})
}

// identity reads the caller set by AuthMiddleware and answers 401 without one
func (h *KYCHandler) identity(c *gin.Context) (*kyc.Identity, bool) {
	userID, err := uuid.Parse(c.GetString(middleware.ContextUserID))
	if err != nil || userID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return nil, false
	}
	return &kyc.Identity{UserID: userID, Email: c.GetString(middleware.ContextEmail)}, true
}

// bindOptionalJSON decodes a JSON body when one is present
func (h *KYCHandler) bindOptionalJSON(c *gin.Context, dst interface{}) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return false
	}
	return true
}

// respondError maps service errors to HTTP statuses. Vendor bodies and
// internal details never reach the client.
func (h *KYCHandler) respondError(c *gin.Context, err error) {
	var validationErr *kyc.ValidationError
	var vendorErr *kyc.VendorRequestError

	switch {
	case errors.Is(err, kyc.ErrAuthenticationRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Message, "field": validationErr.Field})
	case errors.Is(err, kyc.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
	case errors.Is(err, kyc.ErrAlreadyVerified):
		c.JSON(http.StatusConflict, gin.H{"error": "User is already verified"})
	case errors.Is(err, kyc.ErrUnsupportedOperation):
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Operation not supported by the active identity vendor"})
	case errors.Is(err, kyc.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Verification not found"})
	case errors.As(err, &vendorErr):
		h.log.Error().Err(err).Str("route", c.FullPath()).Msg("identity vendor request failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Identity vendor request failed"})
	case errors.Is(err, kyc.ErrVendorConfiguration):
		h.log.Error().Err(err).Str("route", c.FullPath()).Msg("identity vendor is not configured")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Identity vendor is not configured"})
	default:
		h.log.Error().Err(err).Str("route", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
	_ = c.Error(err)
}

// readEvidence loads one optional multipart file
func readEvidence(c *gin.Context, field string) (*kyc.EvidenceFile, error) {
	header, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, &kyc.ValidationError{Field: field, Message: "could not read file"}
	}
	if header.Size > maxEvidenceFileBytes {
		return nil, &kyc.ValidationError{Field: field, Message: "file is too large"}
	}

	data, err := readFileHeader(header)
	if err != nil {
		return nil, &kyc.ValidationError{Field: field, Message: "could not read file"}
	}
	if len(data) == 0 {
		return nil, &kyc.ValidationError{Field: field, Message: "file is empty"}
	}

	return &kyc.EvidenceFile{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func readFileHeader(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxEvidenceFileBytes))
}
