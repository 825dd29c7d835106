package kyc

import "github.com/tenure/backend/internal/models"

// Sumsub review answers
const (
	SumsubAnswerGreen = "GREEN"
	SumsubAnswerRed   = "RED"
)

// SumsubReviewResult is the outcome block of a completed Sumsub review
type SumsubReviewResult struct {
	ReviewAnswer     string `json:"reviewAnswer"`
	ReviewRejectType string `json:"reviewRejectType,omitempty"`
}

// SumsubReview is the review section of an applicant or webhook payload
type SumsubReview struct {
	ReviewStatus string              `json:"reviewStatus"`
	ReviewResult *SumsubReviewResult `json:"reviewResult,omitempty"`
}

// MapSumsubReview converts a Sumsub review into the canonical status.
// onHold, prechecked, queued, init and unknown values stay Pending.
func MapSumsubReview(review SumsubReview) models.VerificationStatus {
	switch review.ReviewStatus {
	case "completed":
		if review.ReviewResult != nil && review.ReviewResult.ReviewAnswer == SumsubAnswerGreen {
			return models.StatusVerified
		}
		return models.StatusRejected
	case "pending", "review":
		return models.StatusInReview
	default:
		return models.StatusPending
	}
}
