package kyc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tenure/backend/internal/lock"
	"github.com/tenure/backend/internal/logger"
	"github.com/tenure/backend/internal/models"
	"github.com/tenure/backend/internal/utils"
	"gorm.io/datatypes"
)

const defaultLockTTL = 30 * time.Second

// Identity is the authenticated caller
type Identity struct {
	UserID uuid.UUID
	Email  string
}

func (id *Identity) valid() bool {
	return id != nil && id.UserID != uuid.Nil
}

// Store persists verification records
type Store interface {
	FindCurrentByUser(ctx context.Context, userID uuid.UUID) (*models.VerificationRecord, error)
	FindByProviderRef(ctx context.Context, provider models.Provider, ref string) (*models.VerificationRecord, error)
	Create(ctx context.Context, rec *models.VerificationRecord, hist *models.VerificationHistory) error
	Save(ctx context.Context, rec *models.VerificationRecord, hist *models.VerificationHistory) error
	ListHistory(ctx context.Context, verificationID uuid.UUID) ([]models.VerificationHistory, error)
}

// MembershipSync propagates a final verification outcome to membership eligibility
type MembershipSync interface {
	MarkEligible(ctx context.Context, userID, verificationID uuid.UUID) error
	MarkFailed(ctx context.Context, userID, verificationID uuid.UUID) error
}

// Options tunes the Service
type Options struct {
	LockTTL time.Duration
}

// InitiateRequest is the input for a new verification session
type InitiateRequest struct {
	Email   string   `json:"email"`
	Phone   string   `json:"phone,omitempty"`
	Profile *Profile `json:"profile,omitempty"`
}

// InitiateResult tells the client how to continue with the active vendor
type InitiateResult struct {
	Provider       models.Provider `json:"provider"`
	VerificationID uuid.UUID       `json:"verificationId"`
	SessionToken   string          `json:"sessionToken,omitempty"`
	ApplicantID    string          `json:"applicantId,omitempty"`
	Expiry         *time.Time      `json:"expiry,omitempty"`
}

// StartResult is returned after asking the vendor to review an applicant
type StartResult struct {
	Message       string                    `json:"message"`
	CurrentStatus models.VerificationStatus `json:"currentStatus"`
}

// StatusView is the caller-facing verification state
type StatusView struct {
	Status     models.VerificationStatus `json:"status"`
	Verified   bool                      `json:"verified"`
	VerifiedAt *time.Time                `json:"verifiedAt,omitempty"`
	Provider   models.Provider           `json:"provider,omitempty"`
}

// Service orchestrates identity verification through the configured vendor
type Service struct {
	provider   Provider
	store      Store
	membership MembershipSync
	locker     lock.Locker
	log        zerolog.Logger
	lockTTL    time.Duration
	now        func() time.Time
}

// NewService creates a new KYC service
func NewService(provider Provider, store Store, membership MembershipSync, locker lock.Locker, log *zerolog.Logger, opts Options) *Service {
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Service{
		provider:   provider,
		store:      store,
		membership: membership,
		locker:     locker,
		log:        logger.Component(log, "kyc"),
		lockTTL:    opts.LockTTL,
		now:        time.Now,
	}
}

// Provider returns the active vendor tag
func (s *Service) Provider() models.Provider {
	return s.provider.Name()
}

// Initiate opens a vendor session. The user's existing record for the same
// vendor is re-armed, otherwise a new Pending record is created.
func (s *Service) Initiate(ctx context.Context, id *Identity, req InitiateRequest) (*InitiateResult, error) {
	if !id.valid() {
		return nil, ErrAuthenticationRequired
	}

	current, err := s.currentRecord(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	if current != nil && current.CanonicalStatus == models.StatusVerified {
		return nil, ErrAlreadyVerified
	}

	email := req.Email
	if email == "" {
		email = id.Email
	}
	if email != "" && !utils.IsValidEmail(email) {
		return nil, newValidationError("email", "is not a valid address")
	}

	session, err := s.provider.CreateIdentitySession(ctx, SessionRequest{
		UserID:  id.UserID,
		Email:   email,
		Phone:   req.Phone,
		Profile: req.Profile,
	})
	if err != nil {
		return nil, err
	}

	rec := current
	if rec != nil && rec.Provider == s.provider.Name() {
		prev := rec.CanonicalStatus
		rec.ProviderVerificationID = session.ProviderVerificationID
		rec.CanonicalStatus = models.StatusPending
		var hist *models.VerificationHistory
		if prev != models.StatusPending {
			hist = newHistory(prev, models.StatusPending, models.SourceInitiate, "")
		}
		if err := s.store.Save(ctx, rec, hist); err != nil {
			return nil, fmt.Errorf("failed to re-arm verification record: %w", err)
		}
	} else {
		rec = &models.VerificationRecord{
			UserID:                 id.UserID,
			Provider:               s.provider.Name(),
			ProviderVerificationID: session.ProviderVerificationID,
			CanonicalStatus:        models.StatusPending,
		}
		hist := newHistory(models.StatusPending, models.StatusPending, models.SourceInitiate, "")
		if err := s.store.Create(ctx, rec, hist); err != nil {
			return nil, fmt.Errorf("failed to create verification record: %w", err)
		}
	}

	s.log.Info().
		Str("user_id", id.UserID.String()).
		Str("verification_id", rec.ID.String()).
		Str("session_id", session.ProviderVerificationID).
		Msg("verification session initiated")

	return &InitiateResult{
		Provider:       s.provider.Name(),
		VerificationID: rec.ID,
		SessionToken:   session.SessionToken,
		ApplicantID:    session.ApplicantID,
		Expiry:         session.Expiry,
	}, nil
}

// UploadEvidence forwards document images to the vendor
func (s *Service) UploadEvidence(ctx context.Context, id *Identity, upload EvidenceUpload) (*UploadResult, error) {
	if !id.valid() {
		return nil, ErrAuthenticationRequired
	}
	if upload.ApplicantID == "" {
		return nil, newValidationError("applicantId", "is required")
	}
	if upload.Front == nil && upload.Back == nil {
		return nil, newValidationError("content", "at least one document side is required")
	}

	uploader, ok := s.provider.(EvidenceUploader)
	if !ok {
		return nil, ErrUnsupportedOperation
	}
	if err := s.requireSession(ctx, id, upload.ApplicantID); err != nil {
		return nil, err
	}

	return uploader.UploadEvidence(ctx, upload)
}

// StartVerification asks the vendor to review the applicant. The vendor's
// current status is read first for the response only.
func (s *Service) StartVerification(ctx context.Context, id *Identity, applicantID string) (*StartResult, error) {
	if !id.valid() {
		return nil, ErrAuthenticationRequired
	}
	if applicantID == "" {
		return nil, newValidationError("applicantId", "is required")
	}

	starter, ok := s.provider.(VerificationStarter)
	if !ok {
		return nil, ErrUnsupportedOperation
	}
	if err := s.requireSession(ctx, id, applicantID); err != nil {
		return nil, err
	}

	current := models.StatusPending
	if result, err := s.provider.FetchResult(ctx, applicantID); err != nil {
		s.log.Warn().Err(err).Str("session_id", applicantID).Msg("could not read vendor status before start")
	} else {
		current = s.provider.MapStatus(result)
	}

	if err := starter.StartVerification(ctx, applicantID); err != nil {
		return nil, err
	}

	return &StartResult{Message: "verification started", CurrentStatus: current}, nil
}

// IssueRealtimeToken issues an SDK token for client-side capture
func (s *Service) IssueRealtimeToken(ctx context.Context, id *Identity, applicantID string) (*RealtimeToken, error) {
	if !id.valid() {
		return nil, ErrAuthenticationRequired
	}

	issuer, ok := s.provider.(RealtimeTokenIssuer)
	if !ok {
		return nil, ErrUnsupportedOperation
	}
	if applicantID != "" {
		if err := s.requireSession(ctx, id, applicantID); err != nil {
			return nil, err
		}
	}

	return issuer.IssueRealtimeToken(ctx, id.UserID.String(), applicantID)
}

// IssueHostedLink returns a vendor-hosted capture page for the caller
func (s *Service) IssueHostedLink(ctx context.Context, id *Identity) (*HostedLink, error) {
	if !id.valid() {
		return nil, ErrAuthenticationRequired
	}

	issuer, ok := s.provider.(HostedLinkIssuer)
	if !ok {
		return nil, ErrUnsupportedOperation
	}

	current, err := s.currentRecord(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	if current != nil && current.CanonicalStatus == models.StatusVerified {
		return nil, ErrAlreadyVerified
	}

	return issuer.IssueHostedLink(ctx, id.UserID.String())
}

// PullAndStore fetches the vendor result for sessionID and stores it on the
// caller's record
func (s *Service) PullAndStore(ctx context.Context, id *Identity, sessionID string) (*StatusView, error) {
	if !id.valid() {
		return nil, ErrAuthenticationRequired
	}
	if sessionID == "" {
		return nil, newValidationError("sessionId", "is required")
	}

	release, err := s.locker.Acquire(ctx, lockKey(s.provider.Name(), sessionID), s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to lock verification %s: %w", sessionID, err)
	}
	defer release()

	result, err := s.provider.FetchResult(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if result.ExternalUserID != "" && result.ExternalUserID != id.UserID.String() {
		return nil, newValidationError("sessionId", "unknown verification session")
	}

	rec, err := s.store.FindByProviderRef(ctx, s.provider.Name(), sessionID)
	switch {
	case err == nil:
		if rec.UserID != id.UserID {
			return nil, newValidationError("sessionId", "unknown verification session")
		}
	case errors.Is(err, ErrNotFound):
		rec, err = s.currentRecord(ctx, id.UserID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to load verification record: %w", err)
	}

	isNew := rec == nil || rec.Provider != s.provider.Name()
	if isNew {
		rec = &models.VerificationRecord{
			UserID:                 id.UserID,
			Provider:               s.provider.Name(),
			ProviderVerificationID: sessionID,
			CanonicalStatus:        models.StatusPending,
		}
	} else if rec.ProviderVerificationID != sessionID {
		s.log.Info().
			Str("verification_id", rec.ID.String()).
			Str("previous_session_id", rec.ProviderVerificationID).
			Str("session_id", sessionID).
			Msg("verification session reference updated")
		rec.ProviderVerificationID = sessionID
	}

	if err := s.apply(ctx, rec, result, models.SourcePull, isNew); err != nil {
		return nil, err
	}
	return statusView(rec), nil
}

// GetStatus returns the caller's current verification state. Users without a
// record are reported as Pending.
func (s *Service) GetStatus(ctx context.Context, id *Identity) (*StatusView, error) {
	if !id.valid() {
		return nil, ErrAuthenticationRequired
	}

	rec, err := s.currentRecord(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &StatusView{Status: models.StatusPending}, nil
	}
	return statusView(rec), nil
}

// IsVerified reports whether the user's current record is Verified
func (s *Service) IsVerified(ctx context.Context, userID uuid.UUID) (bool, error) {
	rec, err := s.currentRecord(ctx, userID)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.CanonicalStatus == models.StatusVerified, nil
}

// History lists the status changes of the caller's current record
func (s *Service) History(ctx context.Context, id *Identity) ([]models.VerificationHistory, error) {
	if !id.valid() {
		return nil, ErrAuthenticationRequired
	}

	rec, err := s.currentRecord(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return []models.VerificationHistory{}, nil
	}

	rows, err := s.store.ListHistory(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load verification history: %w", err)
	}
	return rows, nil
}

// apply maps a vendor result onto rec, persists it and syncs membership.
// Terminal states are never moved back to Pending or InReview.
func (s *Service) apply(ctx context.Context, rec *models.VerificationRecord, result *VendorResult, source models.HistorySource, isNew bool) error {
	prev := rec.CanonicalStatus
	next := s.provider.MapStatus(result)

	if !isNew && prev.Terminal() && !next.Terminal() {
		s.log.Warn().
			Str("verification_id", rec.ID.String()).
			Str("current", prev.String()).
			Str("incoming", next.String()).
			Str("source", string(source)).
			Msg("ignoring regression from terminal status")
		s.syncMembership(ctx, rec)
		return nil
	}
	if !isNew && prev.Terminal() && next.Terminal() && prev != next {
		s.log.Warn().
			Str("verification_id", rec.ID.String()).
			Str("current", prev.String()).
			Str("incoming", next.String()).
			Msg("overwriting terminal status")
	}

	score := s.provider.ExtractRiskScore(result)
	rec.RiskScore = &score
	if docs := s.provider.ExtractDocumentInfo(result); len(docs.DocumentTypes) > 0 {
		docType := docs.DocumentTypes[0]
		rec.DocumentType = &docType
	}
	if len(result.Raw) > 0 {
		rec.RawVerificationData = datatypes.JSON(result.Raw)
	}
	rec.CanonicalStatus = next
	if next == models.StatusVerified && rec.VerifiedAt == nil {
		now := s.now().UTC()
		rec.VerifiedAt = &now
	}

	var hist *models.VerificationHistory
	if isNew || prev != next {
		hist = newHistory(prev, next, source, result.VendorStatus)
	}

	var err error
	if isNew {
		err = s.store.Create(ctx, rec, hist)
	} else {
		err = s.store.Save(ctx, rec, hist)
	}
	if err != nil {
		return fmt.Errorf("failed to store verification result: %w", err)
	}

	s.log.Info().
		Str("verification_id", rec.ID.String()).
		Str("user_id", rec.UserID.String()).
		Str("status", next.String()).
		Str("vendor_status", result.VendorStatus).
		Str("source", string(source)).
		Msg("verification result stored")

	s.syncMembership(ctx, rec)
	return nil
}

// syncMembership is best effort: the record stays the source of truth and the
// drift sweep repairs missed writes
func (s *Service) syncMembership(ctx context.Context, rec *models.VerificationRecord) {
	if s.membership == nil {
		return
	}

	var err error
	switch rec.CanonicalStatus {
	case models.StatusVerified:
		err = s.membership.MarkEligible(ctx, rec.UserID, rec.ID)
	case models.StatusRejected:
		err = s.membership.MarkFailed(ctx, rec.UserID, rec.ID)
	default:
		return
	}
	if err != nil {
		s.log.Error().Err(err).
			Str("user_id", rec.UserID.String()).
			Str("verification_id", rec.ID.String()).
			Str("status", rec.CanonicalStatus.String()).
			Msg("membership sync failed")
	}
}

func (s *Service) currentRecord(ctx context.Context, userID uuid.UUID) (*models.VerificationRecord, error) {
	rec, err := s.store.FindCurrentByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load verification record: %w", err)
	}
	return rec, nil
}

// requireSession checks that applicantID is one of the caller's sessions
func (s *Service) requireSession(ctx context.Context, id *Identity, applicantID string) error {
	rec, err := s.store.FindByProviderRef(ctx, s.provider.Name(), applicantID)
	if errors.Is(err, ErrNotFound) || (err == nil && rec.UserID != id.UserID) {
		return newValidationError("applicantId", "unknown verification session")
	}
	if err != nil {
		return fmt.Errorf("failed to load verification record: %w", err)
	}
	return nil
}

func lockKey(provider models.Provider, ref string) string {
	return "kyc:" + string(provider) + ":" + ref
}

func newHistory(prev, next models.VerificationStatus, source models.HistorySource, vendorStatus string) *models.VerificationHistory {
	return &models.VerificationHistory{
		PreviousStatus: prev,
		NewStatus:      next,
		Source:         source,
		VendorStatus:   vendorStatus,
	}
}

func statusView(rec *models.VerificationRecord) *StatusView {
	return &StatusView{
		Status:     rec.CanonicalStatus,
		Verified:   rec.CanonicalStatus == models.StatusVerified,
		VerifiedAt: rec.VerifiedAt,
		Provider:   rec.Provider,
	}
}
