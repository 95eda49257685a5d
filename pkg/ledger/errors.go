package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrUnknownReservation       = errors.New("unknown reservation")
	ErrDuplicateIdempotencyKey  = errors.New("duplicate idempotency key")
	ErrReservationExists        = errors.New("reservation already exists")
	ErrReservationClosed        = errors.New("reservation closed")
	ErrInvalidAccountID         = errors.New("invalid account id")
	ErrInvalidEntryID           = errors.New("invalid entry id")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidIdempotencyKey    = errors.New("invalid idempotency key")
	ErrInvalidCredits           = errors.New("invalid credits")
	ErrInvalidEntryCredits      = errors.New("invalid entry credits")
	ErrInvalidEntryType         = errors.New("invalid entry type")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidBalance           = errors.New("invalid balance")
	ErrSelfPayout               = errors.New("payout account matches payer")
	ErrPayoutExceedsReservation = errors.New("payout outside reservation")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// CodeOf returns the stable code of the outermost OperationError in the chain.
func CodeOf(err error) (string, bool) {
	var operationError OperationError
	if !errors.As(err, &operationError) {
		return "", false
	}
	return operationError.code, true
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
