package kyc

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tenure/backend/internal/models"
)

func TestOperationsRequireIdentity(t *testing.T) {
	provider := newFakeProvider("link-1")
	env := newTestEnv(t, provider)
	ctx := context.Background()

	_, err := env.svc.Initiate(ctx, nil, InitiateRequest{})
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
	_, err = env.svc.Initiate(ctx, &Identity{}, InitiateRequest{})
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
	_, err = env.svc.PullAndStore(ctx, nil, "idv_1")
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
	_, err = env.svc.GetStatus(ctx, nil)
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
	_, err = env.svc.UploadEvidence(ctx, nil, EvidenceUpload{})
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
	_, err = env.svc.History(ctx, nil)
	assert.ErrorIs(t, err, ErrAuthenticationRequired)

	assert.Zero(t, provider.fetchCount())
}

func TestGetStatusDefaultsToPending(t *testing.T) {
	env := newTestEnv(t, newFakeProvider("link-1"))

	view, err := env.svc.GetStatus(context.Background(), identity())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, view.Status)
	assert.False(t, view.Verified)
	assert.Nil(t, view.VerifiedAt)
	assert.Empty(t, view.Provider)

	history, err := env.svc.History(context.Background(), identity())
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestInitiateCreatesPendingRecord(t *testing.T) {
	env := newTestEnv(t, newFakeProvider("link-1"))
	id := identity()

	res, err := env.svc.Initiate(context.Background(), id, InitiateRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderPlaid, res.Provider)
	assert.Equal(t, "link-1", res.SessionToken)

	rec, err := env.store.FindCurrentByUser(context.Background(), id.UserID)
	require.NoError(t, err)
	assert.Equal(t, res.VerificationID, rec.ID)
	assert.Equal(t, models.StatusPending, rec.CanonicalStatus)
	assert.Equal(t, "link-1", rec.ProviderVerificationID)

	history, err := env.svc.History(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.SourceInitiate, history[0].Source)
}

func TestInitiateRejectsInvalidEmail(t *testing.T) {
	env := newTestEnv(t, newFakeProvider("link-1"))
	id := identity()

	_, err := env.svc.Initiate(context.Background(), id, InitiateRequest{Email: "not-an-email"})
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "email", validationErr.Field)

	_, err = env.store.FindCurrentByUser(context.Background(), id.UserID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInitiateRearmsExistingRecord(t *testing.T) {
	provider := newFakeProvider("link-1", "link-2")
	env := newTestEnv(t, provider)
	ctx := context.Background()
	id := identity()

	first, err := env.svc.Initiate(ctx, id, InitiateRequest{})
	require.NoError(t, err)

	provider.setResult("idv_1", "failed", id.UserID)
	env.membership.On("MarkFailed", mock.Anything, id.UserID, first.VerificationID).Return(nil)
	_, err = env.svc.PullAndStore(ctx, id, "idv_1")
	require.NoError(t, err)

	second, err := env.svc.Initiate(ctx, id, InitiateRequest{})
	require.NoError(t, err)
	assert.Equal(t, first.VerificationID, second.VerificationID)

	view, err := env.svc.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, view.Status)

	rec, err := env.store.FindCurrentByUser(ctx, id.UserID)
	require.NoError(t, err)
	assert.Equal(t, "link-2", rec.ProviderVerificationID)
}

func TestInitiateRejectsVerifiedUser(t *testing.T) {
	provider := newFakeProvider("link-1")
	env := newTestEnv(t, provider)
	ctx := context.Background()
	id := identity()

	provider.setResult("idv_1", "success", id.UserID)
	env.membership.On("MarkEligible", mock.Anything, id.UserID, mock.Anything).Return(nil)
	_, err := env.svc.PullAndStore(ctx, id, "idv_1")
	require.NoError(t, err)

	_, err = env.svc.Initiate(ctx, id, InitiateRequest{})
	assert.ErrorIs(t, err, ErrAlreadyVerified)
}

func TestPullAndStoreTwiceKeepsOneRecord(t *testing.T) {
	provider := newFakeProvider("link-1")
	env := newTestEnv(t, provider)
	ctx := context.Background()
	id := identity()

	_, err := env.svc.Initiate(ctx, id, InitiateRequest{})
	require.NoError(t, err)

	provider.setResult("idv_1", "success", id.UserID)
	env.membership.On("MarkEligible", mock.Anything, id.UserID, mock.Anything).Return(nil)

	first, err := env.svc.PullAndStore(ctx, id, "idv_1")
	require.NoError(t, err)
	assert.True(t, first.Verified)
	require.NotNil(t, first.VerifiedAt)

	second, err := env.svc.PullAndStore(ctx, id, "idv_1")
	require.NoError(t, err)
	require.NotNil(t, second.VerifiedAt)
	assert.True(t, first.VerifiedAt.Equal(*second.VerifiedAt), "verifiedAt is set once")

	rec, err := env.store.FindByProviderRef(ctx, models.ProviderPlaid, "idv_1")
	require.NoError(t, err)
	current, err := env.store.FindCurrentByUser(ctx, id.UserID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, current.ID, "link token record was moved to the verification id")
	require.NotNil(t, rec.RiskScore)
	assert.Equal(t, 10, *rec.RiskScore)
	require.NotNil(t, rec.DocumentType)
	assert.Equal(t, "drivers_license", *rec.DocumentType)

	history, err := env.svc.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2, "initiate row and one transition row")
	assert.Equal(t, models.StatusVerified, history[1].NewStatus)
	assert.Equal(t, models.SourcePull, history[1].Source)

	verified, err := env.svc.IsVerified(ctx, id.UserID)
	require.NoError(t, err)
	assert.True(t, verified)
}

func TestPullAndStoreWithoutInitiateCreatesRecord(t *testing.T) {
	provider := newFakeProvider("unused")
	env := newTestEnv(t, provider)
	id := identity()
	provider.setResult("idv_9", "pending_review", id.UserID)

	view, err := env.svc.PullAndStore(context.Background(), id, "idv_9")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInReview, view.Status)
	assert.Equal(t, models.ProviderPlaid, view.Provider)
	env.membership.AssertNotCalled(t, "MarkEligible", mock.Anything, mock.Anything, mock.Anything)
}

func TestPullAndStoreRejectsForeignSession(t *testing.T) {
	provider := newFakeProvider("unused")
	env := newTestEnv(t, provider)
	provider.setResult("idv_other", "success", uuid.New())

	_, err := env.svc.PullAndStore(context.Background(), identity(), "idv_other")
	var validationErr *ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestPullAndStoreRequiresSessionID(t *testing.T) {
	env := newTestEnv(t, newFakeProvider("unused"))
	_, err := env.svc.PullAndStore(context.Background(), identity(), "")
	var validationErr *ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestPullAndStoreVendorFailure(t *testing.T) {
	provider := newFakeProvider("unused")
	provider.fetchErr = &VendorRequestError{Vendor: "plaid", Operation: "identity_verification_get", StatusCode: 500}
	env := newTestEnv(t, provider)

	_, err := env.svc.PullAndStore(context.Background(), identity(), "idv_1")
	var vendorErr *VendorRequestError
	assert.True(t, errors.As(err, &vendorErr))
}

func TestMembershipSyncFailureDoesNotFailOperation(t *testing.T) {
	provider := newFakeProvider("unused")
	env := newTestEnv(t, provider)
	id := identity()
	provider.setResult("idv_1", "success", id.UserID)
	env.membership.On("MarkEligible", mock.Anything, id.UserID, mock.Anything).Return(errors.New("membership db down"))

	view, err := env.svc.PullAndStore(context.Background(), id, "idv_1")
	require.NoError(t, err)
	assert.True(t, view.Verified)

	rec, err := env.store.FindByProviderRef(context.Background(), models.ProviderPlaid, "idv_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, rec.CanonicalStatus)
	env.membership.AssertExpectations(t)
}

func TestRejectedOutcomeMarksMembershipFailed(t *testing.T) {
	provider := newFakeProvider("unused")
	env := newTestEnv(t, provider)
	id := identity()
	provider.setResult("idv_1", "failed", id.UserID)
	env.membership.On("MarkFailed", mock.Anything, id.UserID, mock.Anything).Return(nil).Once()

	view, err := env.svc.PullAndStore(context.Background(), id, "idv_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, view.Status)
	env.membership.AssertExpectations(t)
}

func TestTerminalStatusIsNotRegressed(t *testing.T) {
	provider := newFakeProvider("unused")
	env := newTestEnv(t, provider)
	ctx := context.Background()
	id := identity()
	env.membership.On("MarkEligible", mock.Anything, id.UserID, mock.Anything).Return(nil)

	provider.setResult("idv_1", "success", id.UserID)
	_, err := env.svc.PullAndStore(ctx, id, "idv_1")
	require.NoError(t, err)

	provider.setResult("idv_1", "active", id.UserID)
	view, err := env.svc.PullAndStore(ctx, id, "idv_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, view.Status)

	history, err := env.svc.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCaptureOperationsUnsupportedOnPlaid(t *testing.T) {
	env := newTestEnv(t, newFakeProvider("link-1"))
	ctx := context.Background()
	id := identity()

	_, err := env.svc.UploadEvidence(ctx, id, EvidenceUpload{ApplicantID: "a", Front: &EvidenceFile{Data: []byte("x")}})
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
	_, err = env.svc.StartVerification(ctx, id, "a")
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
	_, err = env.svc.IssueRealtimeToken(ctx, id, "a")
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
	_, err = env.svc.IssueHostedLink(ctx, id)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
}

func TestUploadEvidenceValidation(t *testing.T) {
	fake := newSumsubFake(t)
	env := newTestEnv(t, fake.provider())
	ctx := context.Background()
	id := identity()

	var validationErr *ValidationError
	_, err := env.svc.UploadEvidence(ctx, id, EvidenceUpload{Front: &EvidenceFile{Data: []byte("x")}})
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "applicantId", validationErr.Field)

	_, err = env.svc.UploadEvidence(ctx, id, EvidenceUpload{ApplicantID: "app-123"})
	require.True(t, errors.As(err, &validationErr))

	_, err = env.svc.UploadEvidence(ctx, id, EvidenceUpload{ApplicantID: "app-123", Front: &EvidenceFile{Data: []byte("x")}})
	require.True(t, errors.As(err, &validationErr), "applicant must belong to the caller")
	assert.Empty(t, fake.uploads)
}

func TestStartVerificationReportsCurrentStatus(t *testing.T) {
	fake := newSumsubFake(t)
	fake.setReview(map[string]interface{}{"reviewStatus": "onHold"})
	env := newTestEnv(t, fake.provider())
	ctx := context.Background()
	id := identity()

	_, err := env.svc.Initiate(ctx, id, InitiateRequest{})
	require.NoError(t, err)

	res, err := env.svc.StartVerification(ctx, id, "app-123")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, res.CurrentStatus)
	assert.NotEmpty(t, res.Message)
}
