package kyc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tenure/backend/internal/config"
	"github.com/tenure/backend/internal/models"
)

// Address is a postal address supplied with the applicant profile
type Address struct {
	Street   string `json:"street,omitempty"`
	City     string `json:"city,omitempty"`
	State    string `json:"state,omitempty"`
	PostCode string `json:"postCode,omitempty"`
	Country  string `json:"country,omitempty"`
}

// Profile holds optional applicant details forwarded to the vendor
type Profile struct {
	FirstName   string    `json:"firstName,omitempty"`
	LastName    string    `json:"lastName,omitempty"`
	DateOfBirth string    `json:"dob,omitempty"`
	Country     string    `json:"country,omitempty"`
	Addresses   []Address `json:"addresses,omitempty"`
}

// SessionRequest is what an adapter needs to open a verification session
type SessionRequest struct {
	UserID  uuid.UUID
	Email   string
	Phone   string
	Profile *Profile
}

// SessionData is the vendor's answer to a new session. ProviderVerificationID
// is the join key stored on the record.
type SessionData struct {
	ProviderVerificationID string
	SessionToken           string
	ApplicantID            string
	Expiry                 *time.Time
}

// EvidenceFile is one captured image, passed straight through to the vendor
type EvidenceFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// EvidenceUpload carries the document images for one applicant
type EvidenceUpload struct {
	ApplicantID  string
	IDDocType    string
	Country      string
	IDDocSubType string
	Front        *EvidenceFile
	Back         *EvidenceFile
}

// UploadedSide reports one accepted image
type UploadedSide struct {
	Side     string   `json:"side"`
	ImageID  string   `json:"imageId,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// UploadResult lists the sides the vendor accepted
type UploadResult struct {
	ApplicantID string         `json:"applicantId"`
	Sides       []UploadedSide `json:"sides"`
}

// VendorResult is a full vendor verification payload. Doc is the parsed form
// of Raw and is only interpreted by the adapter that produced it.
type VendorResult struct {
	Raw            []byte
	Doc            map[string]interface{}
	ExternalUserID string
	VendorStatus   string
}

// DocumentInfo lists the documents the vendor has seen. Either slice may be empty.
type DocumentInfo struct {
	Documents     []map[string]interface{} `json:"documents"`
	DocumentTypes []string                 `json:"documentTypes"`
}

// WebhookNotification is the vendor-neutral form of a status callback
type WebhookNotification struct {
	ProviderVerificationID string
	VendorStatus           string
	EventType              string
	ExternalUserID         string
}

// RealtimeToken authenticates the vendor's embedded capture SDK
type RealtimeToken struct {
	Token  string `json:"token"`
	UserID string `json:"userId,omitempty"`
}

// HostedLink is a vendor-hosted capture page
type HostedLink struct {
	URL         string `json:"hostedUrl"`
	AccessToken string `json:"accessToken,omitempty"`
}

// Provider is the contract every identity vendor adapter fulfils. Adapters do
// transport only; callers decide what the payloads mean through MapStatus and
// the Extract methods.
type Provider interface {
	Name() models.Provider
	CreateIdentitySession(ctx context.Context, req SessionRequest) (*SessionData, error)
	FetchResult(ctx context.Context, providerVerificationID string) (*VendorResult, error)
	MapStatus(result *VendorResult) models.VerificationStatus
	ExtractRiskScore(result *VendorResult) int
	ExtractDocumentInfo(result *VendorResult) DocumentInfo
	VerifyWebhook(ctx context.Context, header http.Header, body []byte) error
	ParseWebhook(body []byte) (*WebhookNotification, error)
}

// EvidenceUploader is implemented by vendors that accept server-side image upload
type EvidenceUploader interface {
	UploadEvidence(ctx context.Context, upload EvidenceUpload) (*UploadResult, error)
}

// VerificationStarter is implemented by vendors that need an explicit review request
type VerificationStarter interface {
	StartVerification(ctx context.Context, applicantID string) error
}

// RealtimeTokenIssuer is implemented by vendors with an embeddable capture SDK
type RealtimeTokenIssuer interface {
	IssueRealtimeToken(ctx context.Context, userRef, applicantID string) (*RealtimeToken, error)
}

// HostedLinkIssuer is implemented by vendors with a hosted capture page
type HostedLinkIssuer interface {
	IssueHostedLink(ctx context.Context, userRef string) (*HostedLink, error)
}

// NewProvider builds the adapter selected in configuration
func NewProvider(cfg config.KYCConfig, log *zerolog.Logger) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case models.ProviderSumsub:
		return NewSumsubProvider(cfg.Sumsub, cfg.HTTP, log), nil
	case models.ProviderPlaid:
		return NewPlaidProvider(cfg.Plaid, cfg.HTTP, log), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrVendorConfiguration, cfg.Provider)
	}
}
