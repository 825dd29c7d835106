package kyc

import "github.com/tenure/backend/internal/models"

var plaidStatuses = map[string]models.VerificationStatus{
	"success":        models.StatusVerified,
	"failed":         models.StatusRejected,
	"expired":        models.StatusExpired,
	"pending_review": models.StatusInReview,
	"requires_input": models.StatusPending,
	"active":         models.StatusPending,
}

// MapPlaidStatus converts a Plaid identity verification status into the
// canonical status. Unknown values map to Pending.
func MapPlaidStatus(status string) models.VerificationStatus {
	if s, ok := plaidStatuses[status]; ok {
		return s
	}
	return models.StatusPending
}
