// Package errs holds the error taxonomy shared by the billing packages.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrInvalidInput = errors.New("tcfprep: invalid input")
	ErrForbidden    = errors.New("tcfprep: forbidden")
	ErrUnauthorized = errors.New("tcfprep: unauthorized")

	// Account errors
	ErrUserNotFound        = errors.New("tcfprep: user not found")
	ErrInsufficientCredits = errors.New("tcfprep: insufficient credits")

	// Catalog errors
	ErrPlanNotFound = errors.New("tcfprep: plan not found or inactive")
	ErrPlanExists   = errors.New("tcfprep: plan already exists")
	ErrPlanInUse    = errors.New("tcfprep: plan is referenced by orders")

	// Order errors
	ErrOrderNotFound        = errors.New("tcfprep: order not found")
	ErrDuplicateOrderNumber = errors.New("tcfprep: duplicate order number")
	ErrInvalidTransition    = errors.New("tcfprep: invalid order transition")
	ErrUnknownPaymentStatus = errors.New("tcfprep: unknown payment status")
	ErrNotRefundable        = errors.New("tcfprep: order cannot be refunded")
	ErrPaidAfterCancel      = errors.New("tcfprep: payment received for a cancelled order")

	// Payment processor errors
	ErrPaymentAmountMismatch       = errors.New("tcfprep: payment amount mismatch")
	ErrSignatureVerificationFailed = errors.New("tcfprep: webhook signature verification failed")
	ErrExternalProcessor           = errors.New("tcfprep: payment processor error")
	ErrSessionNotFound             = errors.New("tcfprep: checkout session not found")
	ErrRefundNotRecorded           = errors.New("tcfprep: refund issued but not recorded locally")
)

// ValidationError represents a rejected field at the request boundary.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tcfprep: validation failed for %s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// Invalid is a shorthand for a ValidationError.
func Invalid(field, message string) error {
	return ValidationError{Field: field, Message: message}
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}

// IsRetryable returns true if the operation can be attempted again as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDuplicateOrderNumber) ||
		errors.Is(err, ErrExternalProcessor)
}

// HTTPStatus maps an error to the status code returned to API clients.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrUnknownPaymentStatus),
		errors.Is(err, ErrSignatureVerificationFailed),
		errors.Is(err, ErrInsufficientCredits):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ErrPlanExists),
		errors.Is(err, ErrPlanInUse),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNotRefundable),
		errors.Is(err, ErrPaidAfterCancel):
		return http.StatusConflict
	case errors.Is(err, ErrExternalProcessor):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-facing text for err. Internal failures are
// reduced to a generic message so driver errors never reach the response.
func Message(err error) string {
	if HTTPStatus(err) == http.StatusInternalServerError {
		return "Internal server error"
	}
	var verr ValidationError
	if errors.As(err, &verr) {
		return verr.Field + ": " + verr.Message
	}
	return err.Error()
}
