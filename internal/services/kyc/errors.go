package kyc

import (
	"errors"
	"fmt"

	"github.com/tenure/backend/internal/config"
	"github.com/tenure/backend/internal/database"
)

var (
	// ErrAuthenticationRequired is returned when no caller identity is present
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrVendorConfiguration is returned when the active vendor is missing credentials
	ErrVendorConfiguration = config.ErrVendorConfiguration
	// ErrUnsupportedOperation is returned when the active vendor has no such capability
	ErrUnsupportedOperation = errors.New("operation not supported by identity vendor")
	// ErrAlreadyVerified is returned when a verified user starts a new session
	ErrAlreadyVerified = errors.New("user is already verified")
	// ErrInvalidSignature is returned when a webhook fails signature verification
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrReconciliationNoMatch marks a webhook that references no known record
	ErrReconciliationNoMatch = errors.New("no verification record matches webhook")
	// ErrNotFound is returned when the user has no verification record
	ErrNotFound = database.ErrNotFound
)

// ValidationError describes a rejected request field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func newValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// VendorRequestError wraps a failed call to the identity vendor. The vendor's
// response body is logged, never carried here.
type VendorRequestError struct {
	Vendor     string
	Operation  string
	StatusCode int
	Err        error
}

func (e *VendorRequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed with status %d", e.Vendor, e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Vendor, e.Operation, e.Err)
}

func (e *VendorRequestError) Unwrap() error {
	return e.Err
}
