package kyc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/tenure/backend/internal/config"
	"github.com/tenure/backend/internal/database"
	"github.com/tenure/backend/internal/database/dbtest"
	"github.com/tenure/backend/internal/lock"
	"github.com/tenure/backend/internal/models"
	"github.com/tenure/backend/internal/utils"
)

func testHTTPConfig() config.VendorHTTPConfig {
	return config.VendorHTTPConfig{
		ConnectTimeout:  time.Second,
		Timeout:         5 * time.Second,
		UploadTimeout:   5 * time.Second,
		MaxConnsPerHost: 4,
	}
}

func nopLogger() *zerolog.Logger {
	log := zerolog.Nop()
	return &log
}

type mockMembership struct {
	mock.Mock
}

func (m *mockMembership) MarkEligible(ctx context.Context, userID, verificationID uuid.UUID) error {
	return m.Called(ctx, userID, verificationID).Error(0)
}

func (m *mockMembership) MarkFailed(ctx context.Context, userID, verificationID uuid.UUID) error {
	return m.Called(ctx, userID, verificationID).Error(0)
}

// fakeProvider is a scripted Provider. Vendor results are looked up by
// reference and their VendorStatus names the canonical status.
type fakeProvider struct {
	mu         sync.Mutex
	sessions   []string
	results    map[string]*VendorResult
	fetchErr   error
	webhookErr error
	fetches    int
}

func newFakeProvider(sessions ...string) *fakeProvider {
	return &fakeProvider{sessions: sessions, results: make(map[string]*VendorResult)}
}

func (f *fakeProvider) setResult(ref, status string, owner uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, _ := json.Marshal(map[string]string{"id": ref, "status": status})
	f.results[ref] = &VendorResult{Raw: raw, VendorStatus: status, ExternalUserID: owner.String()}
}

func (f *fakeProvider) Name() models.Provider { return models.ProviderPlaid }

func (f *fakeProvider) CreateIdentitySession(ctx context.Context, req SessionRequest) (*SessionData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := f.sessions[0]
	if len(f.sessions) > 1 {
		f.sessions = f.sessions[1:]
	}
	return &SessionData{ProviderVerificationID: ref, SessionToken: ref}, nil
}

func (f *fakeProvider) FetchResult(ctx context.Context, ref string) (*VendorResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if res, ok := f.results[ref]; ok {
		return res, nil
	}
	return &VendorResult{VendorStatus: "active"}, nil
}

func (f *fakeProvider) MapStatus(result *VendorResult) models.VerificationStatus {
	return MapPlaidStatus(result.VendorStatus)
}

func (f *fakeProvider) ExtractRiskScore(result *VendorResult) int { return 10 }

func (f *fakeProvider) ExtractDocumentInfo(result *VendorResult) DocumentInfo {
	return DocumentInfo{DocumentTypes: []string{"drivers_license"}}
}

func (f *fakeProvider) VerifyWebhook(ctx context.Context, header http.Header, body []byte) error {
	return f.webhookErr
}

func (f *fakeProvider) ParseWebhook(body []byte) (*WebhookNotification, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &p); err != nil || p.ID == "" {
		return nil, newValidationError("id", "is required")
	}
	return &WebhookNotification{ProviderVerificationID: p.ID, EventType: "STATUS_UPDATED"}, nil
}

func (f *fakeProvider) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type testEnv struct {
	svc        *Service
	reconciler *Reconciler
	store      *database.VerificationStore
	membership *mockMembership
}

func newTestEnv(t *testing.T, provider Provider) *testEnv {
	store := database.NewVerificationStore(dbtest.New(t))
	membership := new(mockMembership)
	svc := NewService(provider, store, membership, lock.NewLocalLocker(), nopLogger(), Options{})
	return &testEnv{
		svc:        svc,
		reconciler: NewReconciler(svc, store, nopLogger()),
		store:      store,
		membership: membership,
	}
}

func identity() *Identity {
	return &Identity{UserID: uuid.New(), Email: "member@example.com"}
}

type recordedUpload struct {
	Metadata    sumsubDocMetadata
	Filename    string
	ContentType string
	Data        string
}

// sumsubFake emulates the Sumsub applicant API and rejects badly signed requests
type sumsubFake struct {
	server   *httptest.Server
	appToken string
	secret   string

	mu               sync.Mutex
	conflictOnCreate bool
	conflictOnStart  bool
	applicantID      string
	externalUserID   string
	review           map[string]interface{}
	created          []map[string]interface{}
	uploads          []recordedUpload
	uris             []string
	badSignatures    int
}

func newSumsubFake(t *testing.T) *sumsubFake {
	f := &sumsubFake{
		appToken:    "app-token",
		secret:      "secret-key",
		applicantID: "app-123",
		review:      map[string]interface{}{"reviewStatus": "init"},
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *sumsubFake) config() config.SumsubConfig {
	return config.SumsubConfig{
		AppToken:      f.appToken,
		SecretKey:     f.secret,
		BaseURL:       f.server.URL,
		LevelName:     "basic-kyc-level",
		WebhookSecret: "webhook-secret",
	}
}

func (f *sumsubFake) provider() *SumsubProvider {
	return NewSumsubProvider(f.config(), testHTTPConfig(), nopLogger())
}

func (f *sumsubFake) setReview(review map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.review = review
}

func (f *sumsubFake) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *sumsubFake) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		f.writeJSON(w, http.StatusBadRequest, map[string]string{"description": err.Error()})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.uris = append(f.uris, r.Method+" "+r.RequestURI)

	ts, err := strconv.ParseInt(r.Header.Get("X-App-Access-Ts"), 10, 64)
	want := utils.SignRequest(f.secret, ts, r.Method, r.RequestURI, body)
	if err != nil || r.Header.Get("X-App-Token") != f.appToken || r.Header.Get("X-App-Access-Sig") != want {
		f.badSignatures++
		f.writeJSON(w, http.StatusUnauthorized, map[string]string{"description": "invalid signature"})
		return
	}

	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && path == "/resources/applicants":
		if f.conflictOnCreate {
			f.writeJSON(w, http.StatusConflict, map[string]string{"description": "already exists"})
			return
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			f.writeJSON(w, http.StatusBadRequest, map[string]string{"description": err.Error()})
			return
		}
		f.created = append(f.created, payload)
		f.externalUserID, _ = payload["externalUserId"].(string)
		f.writeJSON(w, http.StatusCreated, map[string]interface{}{"id": f.applicantID, "externalUserId": payload["externalUserId"]})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/resources/applicants/-;externalUserId="):
		f.writeJSON(w, http.StatusOK, map[string]interface{}{"id": "app-existing"})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/info/idDoc"):
		r.Body = io.NopCloser(bytes.NewReader(body))
		var meta sumsubDocMetadata
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			f.writeJSON(w, http.StatusBadRequest, map[string]string{"description": err.Error()})
			return
		}
		if err := json.Unmarshal([]byte(r.FormValue("metadata")), &meta); err != nil {
			f.writeJSON(w, http.StatusBadRequest, map[string]string{"description": err.Error()})
			return
		}
		file, header, err := r.FormFile("content")
		if err != nil {
			f.writeJSON(w, http.StatusBadRequest, map[string]string{"description": err.Error()})
			return
		}
		data, _ := io.ReadAll(file)
		f.uploads = append(f.uploads, recordedUpload{
			Metadata:    meta,
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        string(data),
		})
		w.Header().Set("X-Image-Id", "img-"+meta.IDDocSubType)
		f.writeJSON(w, http.StatusOK, map[string]interface{}{"idDocType": meta.IDDocType})

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/status/pending"):
		if f.conflictOnStart {
			f.writeJSON(w, http.StatusConflict, map[string]string{"description": "already pending"})
			return
		}
		f.review = map[string]interface{}{"reviewStatus": "pending"}
		f.writeJSON(w, http.StatusOK, map[string]string{"ok": "1"})

	case r.Method == http.MethodPost && path == "/resources/accessTokens":
		f.writeJSON(w, http.StatusOK, map[string]string{"token": "sdk-token", "userId": r.URL.Query().Get("userId")})

	case r.Method == http.MethodPost && strings.HasPrefix(path, "/resources/sdkIntegrations/levels/"):
		f.writeJSON(w, http.StatusOK, map[string]string{"url": "https://in.sumsub.com/websdk/p/abc"})

	case r.Method == http.MethodGet && path == "/resources/applicants/"+f.applicantID+"/one":
		f.writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":             f.applicantID,
			"externalUserId": f.externalUserID,
			"review":         f.review,
			"info": map[string]interface{}{
				"idDocs": []interface{}{map[string]interface{}{"idDocType": "PASSPORT", "country": "GHA"}},
			},
			"requiredIdDocs": map[string]interface{}{
				"docSets": []interface{}{
					map[string]interface{}{"idDocSetType": "IDENTITY"},
					map[string]interface{}{"idDocSetType": "SELFIE"},
				},
			},
		})

	default:
		f.writeJSON(w, http.StatusNotFound, map[string]string{"description": "not found"})
	}
}
