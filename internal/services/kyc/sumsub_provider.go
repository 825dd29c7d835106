package kyc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tenure/backend/internal/config"
	"github.com/tenure/backend/internal/logger"
	"github.com/tenure/backend/internal/models"
	"github.com/tenure/backend/internal/utils"
)

const (
	sumsubSideFront = "FRONT_SIDE"
	sumsubSideBack  = "BACK_SIDE"
)

// SumsubProvider talks to the Sumsub applicant API
type SumsubProvider struct {
	cfg    config.SumsubConfig
	client *vendorClient
	log    zerolog.Logger
	now    func() time.Time
}

// NewSumsubProvider creates a new Sumsub adapter
func NewSumsubProvider(cfg config.SumsubConfig, httpCfg config.VendorHTTPConfig, log *zerolog.Logger) *SumsubProvider {
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 600
	}
	if cfg.WebLinkTTL <= 0 {
		cfg.WebLinkTTL = 3600
	}
	return &SumsubProvider{
		cfg:    cfg,
		client: newVendorClient(string(models.ProviderSumsub), httpCfg, log),
		log:    logger.Component(log, "kyc.sumsub"),
		now:    time.Now,
	}
}

// Name returns the provider tag
func (p *SumsubProvider) Name() models.Provider {
	return models.ProviderSumsub
}

type sumsubAddress struct {
	Street   string `json:"street,omitempty"`
	Town     string `json:"town,omitempty"`
	State    string `json:"state,omitempty"`
	PostCode string `json:"postCode,omitempty"`
	Country  string `json:"country,omitempty"`
}

type sumsubFixedInfo struct {
	FirstName string          `json:"firstName,omitempty"`
	LastName  string          `json:"lastName,omitempty"`
	DOB       string          `json:"dob,omitempty"`
	Country   string          `json:"country,omitempty"`
	Addresses []sumsubAddress `json:"addresses,omitempty"`
}

type sumsubApplicantRequest struct {
	ExternalUserID string           `json:"externalUserId"`
	Email          string           `json:"email,omitempty"`
	Phone          string           `json:"phone,omitempty"`
	FixedInfo      *sumsubFixedInfo `json:"fixedInfo,omitempty"`
}

type sumsubApplicant struct {
	ID             string `json:"id"`
	ExternalUserID string `json:"externalUserId"`
}

type sumsubDocMetadata struct {
	IDDocType    string `json:"idDocType"`
	Country      string `json:"country"`
	IDDocSubType string `json:"idDocSubType,omitempty"`
}

type sumsubDocResponse struct {
	IDDocType string   `json:"idDocType"`
	Warnings  []string `json:"warnings,omitempty"`
}

type sumsubWebhook struct {
	ApplicantID    string              `json:"applicantId"`
	ExternalUserID string              `json:"externalUserId"`
	Type           string              `json:"type"`
	ReviewStatus   string              `json:"reviewStatus"`
	ReviewResult   *SumsubReviewResult `json:"reviewResult,omitempty"`
}

func applicantRequest(req SessionRequest) sumsubApplicantRequest {
	out := sumsubApplicantRequest{
		ExternalUserID: req.UserID.String(),
		Email:          req.Email,
		Phone:          req.Phone,
	}
	if req.Profile == nil {
		return out
	}

	info := &sumsubFixedInfo{
		FirstName: req.Profile.FirstName,
		LastName:  req.Profile.LastName,
		DOB:       req.Profile.DateOfBirth,
	}
	if req.Profile.Country != "" {
		info.Country = normalizeCountry(req.Profile.Country)
	}
	for _, a := range req.Profile.Addresses {
		addr := sumsubAddress{
			Street:   a.Street,
			Town:     a.City,
			State:    a.State,
			PostCode: a.PostCode,
		}
		if a.Country != "" {
			addr.Country = normalizeCountry(a.Country)
		}
		info.Addresses = append(info.Addresses, addr)
	}
	if info.FirstName != "" || info.LastName != "" || info.DOB != "" || info.Country != "" || len(info.Addresses) > 0 {
		out.FixedInfo = info
	}
	return out
}

// newRequest builds a signed Sumsub request. A nil body is signed and sent as
// no body at all.
func (p *SumsubProvider) newRequest(ctx context.Context, method, path string, body []byte, contentType string) (*http.Request, error) {
	if p.cfg.AppToken == "" || p.cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: sumsub app token or secret key is not set", ErrVendorConfiguration)
	}

	ts := p.now().Unix()
	signature := utils.SignRequest(p.cfg.SecretKey, ts, method, path, body)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-App-Token", p.cfg.AppToken)
	req.Header.Set("X-App-Access-Ts", strconv.FormatInt(ts, 10))
	req.Header.Set("X-App-Access-Sig", signature)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (p *SumsubProvider) decode(operation string, resp *vendorResponse, out interface{}) error {
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &VendorRequestError{
			Vendor:     string(models.ProviderSumsub),
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to unmarshal response: %w", err),
		}
	}
	return nil
}

// CreateIdentitySession creates an applicant. An applicant that already exists
// for the user is looked up and reused.
func (p *SumsubProvider) CreateIdentitySession(ctx context.Context, req SessionRequest) (*SessionData, error) {
	payload, err := json.Marshal(applicantRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal applicant: %w", err)
	}

	path := "/resources/applicants?levelName=" + url.QueryEscape(p.cfg.LevelName)
	httpReq, err := p.newRequest(ctx, http.MethodPost, path, payload, "application/json")
	if err != nil {
		return nil, err
	}

	resp, err := p.client.do(httpReq, "create_applicant", req.UserID.String(), false, http.StatusConflict)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusConflict {
		p.log.Info().Str("user_id", req.UserID.String()).Msg("applicant already exists, reusing it")
		return p.applicantByExternalID(ctx, req.UserID.String())
	}

	var applicant sumsubApplicant
	if err := p.decode("create_applicant", resp, &applicant); err != nil {
		return nil, err
	}
	return &SessionData{ProviderVerificationID: applicant.ID, ApplicantID: applicant.ID}, nil
}

func (p *SumsubProvider) applicantByExternalID(ctx context.Context, externalUserID string) (*SessionData, error) {
	path := "/resources/applicants/-;externalUserId=" + url.PathEscape(externalUserID) + "/one"
	httpReq, err := p.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	resp, err := p.client.do(httpReq, "get_applicant_by_external_id", externalUserID, false)
	if err != nil {
		return nil, err
	}

	var applicant sumsubApplicant
	if err := p.decode("get_applicant_by_external_id", resp, &applicant); err != nil {
		return nil, err
	}
	return &SessionData{ProviderVerificationID: applicant.ID, ApplicantID: applicant.ID}, nil
}

// UploadEvidence sends each present side as its own signed multipart request
func (p *SumsubProvider) UploadEvidence(ctx context.Context, upload EvidenceUpload) (*UploadResult, error) {
	result := &UploadResult{ApplicantID: upload.ApplicantID}

	sides := []struct {
		name string
		file *EvidenceFile
	}{
		{sumsubSideFront, upload.Front},
		{sumsubSideBack, upload.Back},
	}

	// A caller sub-type only names the side of a single-file upload
	single := (upload.Front == nil) != (upload.Back == nil)

	for _, side := range sides {
		if side.file == nil {
			continue
		}

		subType := side.name
		if single && upload.IDDocSubType != "" {
			subType = upload.IDDocSubType
		}
		meta := sumsubDocMetadata{
			IDDocType:    upload.IDDocType,
			Country:      normalizeCountry(upload.Country),
			IDDocSubType: subType,
		}

		uploaded, err := p.uploadSide(ctx, upload.ApplicantID, meta, side.file)
		if err != nil {
			return nil, err
		}
		uploaded.Side = side.name
		result.Sides = append(result.Sides, *uploaded)
	}

	return result, nil
}

func (p *SumsubProvider) uploadSide(ctx context.Context, applicantID string, meta sumsubDocMetadata, file *EvidenceFile) (*UploadedSide, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document metadata: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("metadata", string(metaJSON)); err != nil {
		return nil, fmt.Errorf("failed to write metadata part: %w", err)
	}

	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := file.Filename
	if filename == "" {
		filename = strings.ToLower(meta.IDDocSubType) + ".jpg"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="content"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("failed to write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	path := "/resources/applicants/" + url.PathEscape(applicantID) + "/info/idDoc"
	httpReq, err := p.newRequest(ctx, http.MethodPost, path, buf.Bytes(), w.FormDataContentType())
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Return-Doc-Warnings", "true")

	resp, err := p.client.do(httpReq, "upload_document", applicantID, true)
	if err != nil {
		return nil, err
	}

	var doc sumsubDocResponse
	if len(resp.Body) > 0 {
		if err := p.decode("upload_document", resp, &doc); err != nil {
			return nil, err
		}
	}
	return &UploadedSide{ImageID: resp.Header.Get("X-Image-Id"), Warnings: doc.Warnings}, nil
}

// StartVerification asks Sumsub to review the applicant. An applicant that is
// already pending counts as started.
func (p *SumsubProvider) StartVerification(ctx context.Context, applicantID string) error {
	path := "/resources/applicants/" + url.PathEscape(applicantID) + "/status/pending"
	httpReq, err := p.newRequest(ctx, http.MethodPost, path, nil, "")
	if err != nil {
		return err
	}

	resp, err := p.client.do(httpReq, "request_check", applicantID, false, http.StatusConflict)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusConflict {
		p.log.Info().Str("session_id", applicantID).Msg("applicant already pending review")
	}
	return nil
}

// IssueRealtimeToken issues a WebSDK access token for the user
func (p *SumsubProvider) IssueRealtimeToken(ctx context.Context, userRef, applicantID string) (*RealtimeToken, error) {
	q := url.Values{}
	q.Set("userId", userRef)
	q.Set("levelName", p.cfg.LevelName)
	q.Set("ttlInSecs", strconv.Itoa(p.cfg.AccessTokenTTL))

	httpReq, err := p.newRequest(ctx, http.MethodPost, "/resources/accessTokens?"+q.Encode(), nil, "")
	if err != nil {
		return nil, err
	}

	sessionID := applicantID
	if sessionID == "" {
		sessionID = userRef
	}
	resp, err := p.client.do(httpReq, "access_token", sessionID, false)
	if err != nil {
		return nil, err
	}

	var token RealtimeToken
	if err := p.decode("access_token", resp, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// IssueHostedLink creates a hosted WebSDK link together with an access token
// for embedding the same flow
func (p *SumsubProvider) IssueHostedLink(ctx context.Context, userRef string) (*HostedLink, error) {
	q := url.Values{}
	q.Set("ttlInSecs", strconv.Itoa(p.cfg.WebLinkTTL))
	q.Set("externalUserId", userRef)
	path := "/resources/sdkIntegrations/levels/" + url.PathEscape(p.cfg.LevelName) + "/websdkLink?" + q.Encode()

	httpReq, err := p.newRequest(ctx, http.MethodPost, path, nil, "")
	if err != nil {
		return nil, err
	}

	resp, err := p.client.do(httpReq, "websdk_link", userRef, false)
	if err != nil {
		return nil, err
	}

	var link struct {
		URL string `json:"url"`
	}
	if err := p.decode("websdk_link", resp, &link); err != nil {
		return nil, err
	}

	token, err := p.IssueRealtimeToken(ctx, userRef, "")
	if err != nil {
		return nil, err
	}
	return &HostedLink{URL: link.URL, AccessToken: token.Token}, nil
}

// FetchResult loads the full applicant document
func (p *SumsubProvider) FetchResult(ctx context.Context, applicantID string) (*VendorResult, error) {
	path := "/resources/applicants/" + url.PathEscape(applicantID) + "/one"
	httpReq, err := p.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	resp, err := p.client.do(httpReq, "get_applicant", applicantID, false)
	if err != nil {
		return nil, err
	}

	doc, err := utils.ParseJSON(resp.Body)
	if err != nil {
		return nil, &VendorRequestError{Vendor: string(models.ProviderSumsub), Operation: "get_applicant", StatusCode: resp.StatusCode, Err: err}
	}

	return &VendorResult{
		Raw:            resp.Body,
		Doc:            doc,
		ExternalUserID: utils.LookupString(doc, "externalUserId"),
		VendorStatus:   utils.LookupString(doc, "review", "reviewStatus"),
	}, nil
}

// MapStatus maps the applicant's review section
func (p *SumsubProvider) MapStatus(result *VendorResult) models.VerificationStatus {
	if result == nil {
		return models.StatusPending
	}
	review := SumsubReview{ReviewStatus: utils.LookupString(result.Doc, "review", "reviewStatus")}
	if answer := utils.LookupString(result.Doc, "review", "reviewResult", "reviewAnswer"); answer != "" {
		review.ReviewResult = &SumsubReviewResult{ReviewAnswer: answer}
	}
	return MapSumsubReview(review)
}

// ExtractRiskScore reads review.riskScore, defaulting to 0
func (p *SumsubProvider) ExtractRiskScore(result *VendorResult) int {
	if result == nil {
		return 0
	}
	score, ok := utils.LookupNumber(result.Doc, "review", "riskScore")
	if !ok {
		return 0
	}
	return utils.ClampInt(int(score), 0, 100)
}

// ExtractDocumentInfo lists submitted documents and the required document sets
func (p *SumsubProvider) ExtractDocumentInfo(result *VendorResult) DocumentInfo {
	info := DocumentInfo{Documents: []map[string]interface{}{}, DocumentTypes: []string{}}
	if result == nil {
		return info
	}

	for _, d := range utils.LookupSlice(result.Doc, "info", "idDocs") {
		if doc, ok := d.(map[string]interface{}); ok {
			info.Documents = append(info.Documents, doc)
		}
	}
	for _, s := range utils.LookupSlice(result.Doc, "requiredIdDocs", "docSets") {
		set, ok := s.(map[string]interface{})
		if !ok {
			continue
		}
		if t := utils.LookupString(set, "idDocSetType"); t != "" {
			info.DocumentTypes = append(info.DocumentTypes, t)
		}
	}
	return info
}

// VerifyWebhook checks the X-Payload-Digest HMAC. Without a webhook secret
// verification is skipped.
func (p *SumsubProvider) VerifyWebhook(ctx context.Context, header http.Header, body []byte) error {
	if p.cfg.WebhookSecret == "" {
		p.log.Warn().Msg("SUMSUB_WEBHOOK_SECRET is not set, skipping webhook signature check")
		return nil
	}

	if alg := header.Get("X-Payload-Digest-Alg"); alg != "" && alg != "HMAC_SHA256_HEX" {
		return fmt.Errorf("%w: unsupported digest algorithm %s", ErrInvalidSignature, alg)
	}
	digest := header.Get("X-Payload-Digest")
	if digest == "" || !utils.VerifyPayloadDigest(p.cfg.WebhookSecret, body, digest) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseWebhook decodes an applicant callback
func (p *SumsubProvider) ParseWebhook(body []byte) (*WebhookNotification, error) {
	var payload sumsubWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, newValidationError("body", "malformed webhook payload")
	}
	if payload.ApplicantID == "" {
		return nil, newValidationError("applicantId", "is required")
	}

	return &WebhookNotification{
		ProviderVerificationID: payload.ApplicantID,
		VendorStatus:           payload.ReviewStatus,
		EventType:              payload.Type,
		ExternalUserID:         payload.ExternalUserID,
	}, nil
}
