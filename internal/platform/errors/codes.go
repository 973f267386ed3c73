// Package errors provides structured error handling with machine-readable codes.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Session errors
	CodeSessionEmptyUnitID         Code = "SESSION_EMPTY_UNIT_ID"
	CodeSessionNotOpen             Code = "SESSION_NOT_OPEN"
	CodeSessionNotSettling         Code = "SESSION_NOT_SETTLING"
	CodeSessionBillOutstanding     Code = "SESSION_BILL_OUTSTANDING"
	CodeSessionClosed              Code = "SESSION_CLOSED"
	CodeSessionStationOccupied     Code = "SESSION_STATION_OCCUPIED"
	CodeSessionInvalidStatusChange Code = "SESSION_INVALID_STATUS_CHANGE"

	// Round errors
	CodeRoundEmptyItems            Code = "ROUND_EMPTY_ITEMS"
	CodeRoundIdempotencyKeyMissing Code = "ROUND_IDEMPOTENCY_KEY_MISSING"
	CodeRoundInvalidTransition     Code = "ROUND_INVALID_TRANSITION"
	CodeRoundTerminal              Code = "ROUND_TERMINAL"
	CodeRoundInvalidQuantity       Code = "ROUND_INVALID_QUANTITY"
	CodeRoundUnknownProduct        Code = "ROUND_UNKNOWN_PRODUCT"

	// Billing errors
	CodePaymentInvalidAmount     Code = "PAYMENT_INVALID_AMOUNT"
	CodeAllocationExceedsCharge  Code = "ALLOCATION_EXCEEDS_CHARGE"
	CodeAllocationExceedsPayment Code = "ALLOCATION_EXCEEDS_PAYMENT"
	CodeBillAlreadySettled       Code = "BILL_ALREADY_SETTLED"

	// Auth errors
	CodeTokenInvalid Code = "TOKEN_INVALID"
	CodeForbidden    Code = "FORBIDDEN"

	// Concurrency errors
	CodeVersionConflict Code = "VERSION_CONFLICT"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// retryableCodes marks codes callers may retry after backoff.
var retryableCodes = map[Code]struct{}{
	CodeVersionConflict: {},
}

// Retryable reports whether the code represents a transient conflict that a
// caller may retry.
func (c Code) Retryable() bool {
	_, ok := retryableCodes[c]
	return ok
}
