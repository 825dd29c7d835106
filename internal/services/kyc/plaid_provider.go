package kyc

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/rs/zerolog"
	"github.com/tenure/backend/internal/config"
	"github.com/tenure/backend/internal/logger"
	"github.com/tenure/backend/internal/models"
	"github.com/tenure/backend/internal/utils"
)

const (
	plaidWebhookMaxAge   = 5 * time.Minute
	plaidStepFailed      = "failed"
	plaidStepManual      = "manually_approved"
	plaidFailedWeight    = 25
	plaidManualWeight    = 10
	plaidIdentityWebhook = "IDENTITY_VERIFICATION"
)

// PlaidProvider talks to Plaid Identity Verification. Capture happens in the
// Link client, so it only creates sessions and reads results.
type PlaidProvider struct {
	cfg    config.PlaidConfig
	client *vendorClient
	log    zerolog.Logger
	now    func() time.Time

	keysMu sync.RWMutex
	keys   map[string]*ecdsa.PublicKey
}

// NewPlaidProvider creates a new Plaid adapter
func NewPlaidProvider(cfg config.PlaidConfig, httpCfg config.VendorHTTPConfig, log *zerolog.Logger) *PlaidProvider {
	return &PlaidProvider{
		cfg:    cfg,
		client: newVendorClient(string(models.ProviderPlaid), httpCfg, log),
		log:    logger.Component(log, "kyc.plaid"),
		now:    time.Now,
		keys:   make(map[string]*ecdsa.PublicKey),
	}
}

// Name returns the provider tag
func (p *PlaidProvider) Name() models.Provider {
	return models.ProviderPlaid
}

type plaidUser struct {
	ClientUserID string `json:"client_user_id"`
	EmailAddress string `json:"email_address,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
}

type plaidLinkTokenRequest struct {
	ClientID             string    `json:"client_id"`
	Secret               string    `json:"secret"`
	ClientName           string    `json:"client_name"`
	Language             string    `json:"language"`
	CountryCodes         []string  `json:"country_codes"`
	Products             []string  `json:"products"`
	User                 plaidUser `json:"user"`
	Webhook              string    `json:"webhook,omitempty"`
	IdentityVerification struct {
		TemplateID string `json:"template_id"`
	} `json:"identity_verification"`
}

type plaidLinkTokenResponse struct {
	LinkToken  string    `json:"link_token"`
	Expiration time.Time `json:"expiration"`
	RequestID  string    `json:"request_id"`
}

type plaidWebhook struct {
	WebhookType            string `json:"webhook_type"`
	WebhookCode            string `json:"webhook_code"`
	IdentityVerificationID string `json:"identity_verification_id"`
	Environment            string `json:"environment"`
}

type plaidJWK struct {
	Alg       string `json:"alg"`
	Crv       string `json:"crv"`
	Kid       string `json:"kid"`
	Kty       string `json:"kty"`
	X         string `json:"x"`
	Y         string `json:"y"`
	ExpiredAt *int64 `json:"expired_at"`
}

func (p *PlaidProvider) credentialsSet() error {
	if p.cfg.ClientID == "" || p.cfg.Secret == "" {
		return fmt.Errorf("%w: plaid client id or secret is not set", ErrVendorConfiguration)
	}
	return nil
}

func (p *PlaidProvider) post(ctx context.Context, operation, path, sessionID string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.do(req, operation, sessionID, false)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &VendorRequestError{
			Vendor:     string(models.ProviderPlaid),
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to unmarshal response: %w", err),
		}
	}
	return nil
}

// CreateIdentitySession creates a Link token bound to the configured
// identity verification template
func (p *PlaidProvider) CreateIdentitySession(ctx context.Context, req SessionRequest) (*SessionData, error) {
	if err := p.credentialsSet(); err != nil {
		return nil, err
	}
	if p.cfg.TemplateID == "" {
		return nil, fmt.Errorf("%w: PLAID_TEMPLATE_ID is not set", ErrVendorConfiguration)
	}

	payload := plaidLinkTokenRequest{
		ClientID:     p.cfg.ClientID,
		Secret:       p.cfg.Secret,
		ClientName:   p.cfg.ClientName,
		Language:     "en",
		CountryCodes: []string{"US"},
		Products:     []string{"identity_verification"},
		User: plaidUser{
			ClientUserID: req.UserID.String(),
			EmailAddress: req.Email,
			PhoneNumber:  req.Phone,
		},
		Webhook: p.cfg.WebhookURL,
	}
	payload.IdentityVerification.TemplateID = p.cfg.TemplateID

	var resp plaidLinkTokenResponse
	if err := p.post(ctx, "link_token_create", "/link/token/create", req.UserID.String(), payload, &resp); err != nil {
		return nil, err
	}

	session := &SessionData{
		ProviderVerificationID: resp.LinkToken,
		SessionToken:           resp.LinkToken,
	}
	if !resp.Expiration.IsZero() {
		expiry := resp.Expiration
		session.Expiry = &expiry
	}
	return session, nil
}

// FetchResult loads an identity verification by id
func (p *PlaidProvider) FetchResult(ctx context.Context, idvID string) (*VendorResult, error) {
	if err := p.credentialsSet(); err != nil {
		return nil, err
	}

	payload := map[string]string{
		"client_id":                p.cfg.ClientID,
		"secret":                   p.cfg.Secret,
		"identity_verification_id": idvID,
	}

	var raw json.RawMessage
	if err := p.post(ctx, "identity_verification_get", "/identity_verification/get", idvID, payload, &raw); err != nil {
		return nil, err
	}

	doc, err := utils.ParseJSON(raw)
	if err != nil {
		return nil, &VendorRequestError{Vendor: string(models.ProviderPlaid), Operation: "identity_verification_get", Err: err}
	}

	external := utils.LookupString(doc, "client_user_id")
	if external == "" {
		external = utils.LookupString(doc, "user", "client_user_id")
	}

	return &VendorResult{
		Raw:            []byte(raw),
		Doc:            doc,
		ExternalUserID: external,
		VendorStatus:   utils.LookupString(doc, "status"),
	}, nil
}

// MapStatus maps the verification's top-level status
func (p *PlaidProvider) MapStatus(result *VendorResult) models.VerificationStatus {
	if result == nil {
		return models.StatusPending
	}
	return MapPlaidStatus(utils.LookupString(result.Doc, "status"))
}

// ExtractRiskScore approximates risk from step outcomes: each failed step
// adds 25 and each manually approved step adds 10, clamped to [0, 100] after
// summing
func (p *PlaidProvider) ExtractRiskScore(result *VendorResult) int {
	if result == nil {
		return 0
	}
	return plaidRiskScore(plaidStepOutcomes(result.Doc))
}

func plaidRiskScore(outcomes []string) int {
	score := 0
	for _, outcome := range outcomes {
		switch outcome {
		case plaidStepFailed:
			score += plaidFailedWeight
		case plaidStepManual:
			score += plaidManualWeight
		}
	}
	return utils.ClampInt(score, 0, 100)
}

// plaidStepOutcomes accepts steps either as a list of outcomes or objects, or
// as Plaid's step-name to outcome object
func plaidStepOutcomes(doc map[string]interface{}) []string {
	raw, ok := utils.Lookup(doc, "steps")
	if !ok {
		return nil
	}

	var outcomes []string
	switch steps := raw.(type) {
	case []interface{}:
		for _, s := range steps {
			switch step := s.(type) {
			case string:
				outcomes = append(outcomes, step)
			case map[string]interface{}:
				outcomes = append(outcomes, utils.LookupString(step, "status"))
			}
		}
	case map[string]interface{}:
		for _, v := range steps {
			if s, ok := v.(string); ok {
				outcomes = append(outcomes, s)
			}
		}
	}
	return outcomes
}

// ExtractDocumentInfo lists documentary verification attempts and their categories
func (p *PlaidProvider) ExtractDocumentInfo(result *VendorResult) DocumentInfo {
	info := DocumentInfo{Documents: []map[string]interface{}{}, DocumentTypes: []string{}}
	if result == nil {
		return info
	}

	seen := make(map[string]bool)
	for _, d := range utils.LookupSlice(result.Doc, "documentary_verification", "documents") {
		doc, ok := d.(map[string]interface{})
		if !ok {
			continue
		}
		info.Documents = append(info.Documents, doc)
		if category := utils.LookupString(doc, "extracted_data", "category"); category != "" && !seen[category] {
			seen[category] = true
			info.DocumentTypes = append(info.DocumentTypes, category)
		}
	}
	return info
}

// VerifyWebhook checks the Plaid-Verification JWT against the body
func (p *PlaidProvider) VerifyWebhook(ctx context.Context, header http.Header, body []byte) error {
	if !p.cfg.VerifyWebhooks {
		p.log.Warn().Msg("PLAID_VERIFY_WEBHOOKS is off, skipping webhook signature check")
		return nil
	}

	signed := header.Get("Plaid-Verification")
	if signed == "" {
		return ErrInvalidSignature
	}

	parser := &jwt.Parser{ValidMethods: []string{jwt.SigningMethodES256.Alg()}}
	token, err := parser.Parse(signed, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		return p.verificationKey(ctx, kid)
	})
	if err != nil || !token.Valid {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidSignature
	}

	iat, ok := claims["iat"].(float64)
	if !ok || p.now().Sub(time.Unix(int64(iat), 0)) > plaidWebhookMaxAge {
		return fmt.Errorf("%w: token too old", ErrInvalidSignature)
	}

	claimed, _ := claims["request_body_sha256"].(string)
	sum := sha256.Sum256(body)
	if subtle.ConstantTimeCompare([]byte(claimed), []byte(hex.EncodeToString(sum[:]))) != 1 {
		return fmt.Errorf("%w: body hash mismatch", ErrInvalidSignature)
	}
	return nil
}

func (p *PlaidProvider) verificationKey(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
	p.keysMu.RLock()
	key, ok := p.keys[kid]
	p.keysMu.RUnlock()
	if ok {
		return key, nil
	}

	if err := p.credentialsSet(); err != nil {
		return nil, err
	}

	payload := map[string]string{
		"client_id": p.cfg.ClientID,
		"secret":    p.cfg.Secret,
		"key_id":    kid,
	}
	var resp struct {
		Key plaidJWK `json:"key"`
	}
	if err := p.post(ctx, "webhook_verification_key_get", "/webhook_verification_key/get", kid, payload, &resp); err != nil {
		return nil, err
	}
	if resp.Key.ExpiredAt != nil {
		return nil, fmt.Errorf("verification key %s expired", kid)
	}

	key, err := resp.Key.publicKey()
	if err != nil {
		return nil, err
	}

	p.keysMu.Lock()
	p.keys[kid] = key
	p.keysMu.Unlock()
	return key, nil
}

func (k plaidJWK) publicKey() (*ecdsa.PublicKey, error) {
	if k.Kty != "EC" || k.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported key type %s/%s", k.Kty, k.Crv)
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("invalid key x: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("invalid key y: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}

// ParseWebhook decodes an identity verification callback. Status is not part
// of the payload, so callers always re-fetch.
func (p *PlaidProvider) ParseWebhook(body []byte) (*WebhookNotification, error) {
	var payload plaidWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, newValidationError("body", "malformed webhook payload")
	}
	if payload.WebhookType != "" && payload.WebhookType != plaidIdentityWebhook {
		return nil, newValidationError("webhook_type", "unsupported webhook type "+payload.WebhookType)
	}
	if payload.IdentityVerificationID == "" {
		return nil, newValidationError("identity_verification_id", "is required")
	}

	return &WebhookNotification{
		ProviderVerificationID: payload.IdentityVerificationID,
		EventType:              payload.WebhookCode,
	}, nil
}
