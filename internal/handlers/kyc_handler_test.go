package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tenure/backend/internal/middleware"
	"github.com/tenure/backend/internal/models"
	"github.com/tenure/backend/internal/services/kyc"
)

type MockVerificationService struct {
	mock.Mock
}

func (m *MockVerificationService) Provider() models.Provider {
	return models.ProviderSumsub
}

func (m *MockVerificationService) Initiate(ctx context.Context, id *kyc.Identity, req kyc.InitiateRequest) (*kyc.InitiateResult, error) {
	args := m.Called(id, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*kyc.InitiateResult), args.Error(1)
}

func (m *MockVerificationService) UploadEvidence(ctx context.Context, id *kyc.Identity, upload kyc.EvidenceUpload) (*kyc.UploadResult, error) {
	args := m.Called(id, upload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*kyc.UploadResult), args.Error(1)
}

func (m *MockVerificationService) StartVerification(ctx context.Context, id *kyc.Identity, applicantID string) (*kyc.StartResult, error) {
	args := m.Called(id, applicantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*kyc.StartResult), args.Error(1)
}

func (m *MockVerificationService) IssueRealtimeToken(ctx context.Context, id *kyc.Identity, applicantID string) (*kyc.RealtimeToken, error) {
	args := m.Called(id, applicantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*kyc.RealtimeToken), args.Error(1)
}

func (m *MockVerificationService) IssueHostedLink(ctx context.Context, id *kyc.Identity) (*kyc.HostedLink, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*kyc.HostedLink), args.Error(1)
}

func (m *MockVerificationService) PullAndStore(ctx context.Context, id *kyc.Identity, sessionID string) (*kyc.StatusView, error) {
	args := m.Called(id, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*kyc.StatusView), args.Error(1)
}

func (m *MockVerificationService) GetStatus(ctx context.Context, id *kyc.Identity) (*kyc.StatusView, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*kyc.StatusView), args.Error(1)
}

func (m *MockVerificationService) History(ctx context.Context, id *kyc.Identity) ([]models.VerificationHistory, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.VerificationHistory), args.Error(1)
}

type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) Handle(ctx context.Context, header http.Header, body []byte) (*kyc.Ack, error) {
	args := m.Called(string(body))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*kyc.Ack), args.Error(1)
}

var testUser = uuid.MustParse("6f1c2b1e-8f0c-4d7e-9a51-1f2d3c4b5a69")

// newTestRouter mounts the handler behind a stub identity middleware
func newTestRouter(svc *MockVerificationService, rec *MockReconciler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := zerolog.Nop()
	h := NewKYCHandler(svc, rec, &log)

	r := gin.New()
	authed := r.Group("/kyc", func(c *gin.Context) {
		if c.GetHeader("X-Test-User") != "" {
			c.Set(middleware.ContextUserID, c.GetHeader("X-Test-User"))
			c.Set(middleware.ContextEmail, "member@example.com")
		}
		c.Next()
	})
	authed.POST("/session", h.InitiateVerification)
	authed.POST("/documents", h.UploadDocuments)
	authed.POST("/start", h.StartVerification)
	authed.POST("/token", h.IssueToken)
	authed.POST("/hosted-link", h.IssueHostedLink)
	authed.POST("/refresh", h.RefreshResult)
	authed.GET("/status", h.GetStatus)
	authed.GET("/history", h.GetHistory)
	r.POST("/webhooks/kyc", h.Webhook)
	r.GET("/health", h.Health)
	return r
}

func doJSON(r *gin.Engine, method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("X-Test-User", testUser.String())
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func isCaller(id *kyc.Identity) bool {
	return id != nil && id.UserID == testUser && id.Email == "member@example.com"
}

func TestMissingIdentityIsRejectedBeforeService(t *testing.T) {
	svc := new(MockVerificationService)
	r := newTestRouter(svc, new(MockReconciler))

	for _, route := range [][2]string{
		{http.MethodPost, "/kyc/session"},
		{http.MethodPost, "/kyc/start"},
		{http.MethodPost, "/kyc/token"},
		{http.MethodPost, "/kyc/hosted-link"},
		{http.MethodPost, "/kyc/refresh"},
		{http.MethodGet, "/kyc/status"},
		{http.MethodGet, "/kyc/history"},
	} {
		w := doJSON(r, route[0], route[1], "", false)
		assert.Equal(t, http.StatusUnauthorized, w.Code, route[1])
	}
	svc.AssertExpectations(t)
	assert.Empty(t, svc.Calls)
}

func TestInitiateVerification(t *testing.T) {
	svc := new(MockVerificationService)
	r := newTestRouter(svc, new(MockReconciler))

	verificationID := uuid.New()
	svc.On("Initiate", mock.MatchedBy(isCaller), kyc.InitiateRequest{Email: "ama@example.com", Phone: "+233200000000"}).
		Return(&kyc.InitiateResult{Provider: models.ProviderSumsub, VerificationID: verificationID, ApplicantID: "app-1"}, nil)

	w := doJSON(r, http.MethodPost, "/kyc/session", `{"email":"ama@example.com","phone":"+233200000000"}`, true)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "sumsub", body["provider"])
	assert.Equal(t, "app-1", body["applicantId"])
	assert.Equal(t, verificationID.String(), body["verificationId"])
	svc.AssertExpectations(t)
}

func TestInitiateRejectsMalformedBody(t *testing.T) {
	svc := new(MockVerificationService)
	r := newTestRouter(svc, new(MockReconciler))

	w := doJSON(r, http.MethodPost, "/kyc/session", `{"email":`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, svc.Calls)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &kyc.ValidationError{Field: "sessionId", Message: "is required"}, http.StatusBadRequest},
		{"unsupported", kyc.ErrUnsupportedOperation, http.StatusNotImplemented},
		{"already verified", kyc.ErrAlreadyVerified, http.StatusConflict},
		{"vendor", &kyc.VendorRequestError{Vendor: "sumsub", Operation: "get_applicant", StatusCode: 500}, http.StatusBadGateway},
		{"configuration", kyc.ErrVendorConfiguration, http.StatusInternalServerError},
		{"not found", kyc.ErrNotFound, http.StatusNotFound},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockVerificationService)
			r := newTestRouter(svc, new(MockReconciler))
			svc.On("PullAndStore", mock.Anything, "idv_1").Return(nil, tt.err)

			w := doJSON(r, http.MethodPost, "/kyc/refresh", `{"sessionId":"idv_1"}`, true)
			assert.Equal(t, tt.want, w.Code)
			assert.NotContains(t, w.Body.String(), "boom")
		})
	}
}

func TestValidationErrorNamesField(t *testing.T) {
	svc := new(MockVerificationService)
	r := newTestRouter(svc, new(MockReconciler))
	svc.On("StartVerification", mock.Anything, "").Return(nil, &kyc.ValidationError{Field: "applicantId", Message: "is required"})

	w := doJSON(r, http.MethodPost, "/kyc/start", "", true)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "applicantId", body["field"])
	assert.Equal(t, "is required", body["error"])
}

func TestGetStatusAndHistory(t *testing.T) {
	svc := new(MockVerificationService)
	r := newTestRouter(svc, new(MockReconciler))

	svc.On("GetStatus", mock.MatchedBy(isCaller)).Return(&kyc.StatusView{Status: models.StatusPending}, nil)
	svc.On("History", mock.MatchedBy(isCaller)).Return([]models.VerificationHistory{
		{PreviousStatus: models.StatusPending, NewStatus: models.StatusInReview, Source: models.SourceWebhook},
	}, nil)

	w := doJSON(r, http.MethodGet, "/kyc/status", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "pending", status["status"])
	assert.Equal(t, false, status["verified"])
	assert.NotContains(t, status, "verifiedAt")

	w = doJSON(r, http.MethodGet, "/kyc/history", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		History []map[string]interface{} `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history.History, 1)
	assert.Equal(t, "webhook", history.History[0]["source"])
}

func TestUploadDocuments(t *testing.T) {
	svc := new(MockVerificationService)
	r := newTestRouter(svc, new(MockReconciler))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("applicantId", "app-1"))
	require.NoError(t, mw.WriteField("idDocType", "PASSPORT"))
	require.NoError(t, mw.WriteField("country", "GH"))
	part, err := mw.CreateFormFile("content", "front.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("front-image"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	svc.On("UploadEvidence", mock.MatchedBy(isCaller), mock.MatchedBy(func(u kyc.EvidenceUpload) bool {
		return u.ApplicantID == "app-1" && u.IDDocType == "PASSPORT" && u.Country == "GH" &&
			u.Front != nil && string(u.Front.Data) == "front-image" && u.Front.Filename == "front.jpg" &&
			u.Back == nil
	})).Return(&kyc.UploadResult{ApplicantID: "app-1", Sides: []kyc.UploadedSide{{Side: "FRONT_SIDE", ImageID: "img-1"}}}, nil)

	req := httptest.NewRequest(http.MethodPost, "/kyc/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Test-User", testUser.String())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status       string           `json:"status"`
		UploadResult kyc.UploadResult `json:"uploadResult"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "uploaded", body.Status)
	require.Len(t, body.UploadResult.Sides, 1)
	assert.Equal(t, "img-1", body.UploadResult.Sides[0].ImageID)
	svc.AssertExpectations(t)
}

func TestUploadDocumentsRejectsNonMultipart(t *testing.T) {
	svc := new(MockVerificationService)
	r := newTestRouter(svc, new(MockReconciler))

	w := doJSON(r, http.MethodPost, "/kyc/documents", `{"applicantId":"app-1"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, svc.Calls)
}

func TestTokenAndHostedLink(t *testing.T) {
	svc := new(MockVerificationService)
	r := newTestRouter(svc, new(MockReconciler))

	svc.On("IssueRealtimeToken", mock.MatchedBy(isCaller), "app-1").Return(&kyc.RealtimeToken{Token: "sdk"}, nil)
	svc.On("IssueHostedLink", mock.MatchedBy(isCaller)).Return(&kyc.HostedLink{URL: "https://in.sumsub.com/x", AccessToken: "sdk"}, nil)

	w := doJSON(r, http.MethodPost, "/kyc/token", `{"applicantId":"app-1"}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"token":"sdk"}`, w.Body.String())

	w = doJSON(r, http.MethodPost, "/kyc/hosted-link", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"hostedUrl":"https://in.sumsub.com/x","accessToken":"sdk"}`, w.Body.String())
}

func TestWebhook(t *testing.T) {
	rec := new(MockReconciler)
	r := newTestRouter(new(MockVerificationService), rec)

	rec.On("Handle", `{"applicantId":"unknown"}`).Return(&kyc.Ack{Status: "ignored"}, nil)
	rec.On("Handle", `{"applicantId":"forged"}`).Return(nil, kyc.ErrInvalidSignature)
	rec.On("Handle", `{}`).Return(nil, &kyc.ValidationError{Field: "applicantId", Message: "is required"})

	w := doJSON(r, http.MethodPost, "/webhooks/kyc", `{"applicantId":"unknown"}`, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ignored","matched":false}`, w.Body.String())

	w = doJSON(r, http.MethodPost, "/webhooks/kyc", `{"applicantId":"forged"}`, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(r, http.MethodPost, "/webhooks/kyc", `{}`, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	r := newTestRouter(new(MockVerificationService), new(MockReconciler))

	w := doJSON(r, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","provider":"sumsub"}`, w.Body.String())
}
