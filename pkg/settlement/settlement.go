// Package settlement turns a terminal booking into its final ledger posting.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
	"github.com/MarkoPoloResearchLab/callbook/pkg/ledger"
)

const (
	operationSettle = "settlement"
	subjectBooking  = "booking"
)

// Ledger is the slice of the ledger service settlement needs.
type Ledger interface {
	Capture(ctx context.Context, payerID ledger.UserID, reservationID ledger.ReservationID, payeeID ledger.UserID, payout ledger.Credits, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) error
	Release(ctx context.Context, userID ledger.UserID, reservationID ledger.ReservationID, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) error
}

// Engine posts settlements against the ledger.
type Engine struct {
	ledger Ledger
}

// NewEngine validates dependencies.
func NewEngine(ledgerService Ledger) (*Engine, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", booking.ErrValidation)
	}
	return &Engine{ledger: ledgerService}, nil
}

// Settle captures a completed booking's reservation (crediting the payee's payout) or releases
// the reservation of a cancelled, declined or no-show booking. A second settlement of the same
// booking returns ErrSettlementAlreadyApplied.
func (engine *Engine) Settle(ctx context.Context, record booking.Booking) error {
	if !record.Status.Terminal() {
		return fmt.Errorf("%w: booking %s is %s", booking.ErrValidation, record.ID, record.Status)
	}
	payerID, err := ledger.NewUserID(record.PayerID)
	if err != nil {
		return fmt.Errorf("%w: %v", booking.ErrValidation, err)
	}
	reservationID, err := ReservationIDFor(record.ID)
	if err != nil {
		return err
	}
	metadata, err := ledger.NewMetadataJSON(fmt.Sprintf(`{"booking_id":%q,"outcome":%q}`, record.ID, record.Status))
	if err != nil {
		return err
	}

	if record.Status == booking.StatusCompleted {
		payeeID, err := ledger.NewUserID(record.PayeeID)
		if err != nil {
			return fmt.Errorf("%w: %v", booking.ErrValidation, err)
		}
		key, err := IdempotencyKeyFor(record.ID, "capture")
		if err != nil {
			return err
		}
		return translate(engine.ledger.Capture(ctx, payerID, reservationID, payeeID, record.Payout, key, metadata), "capture")
	}
	key, err := IdempotencyKeyFor(record.ID, "release")
	if err != nil {
		return err
	}
	return translate(engine.ledger.Release(ctx, payerID, reservationID, key, metadata), "release")
}

// IsApplied reports whether err only says the settlement had already been posted.
func IsApplied(err error) bool {
	return errors.Is(err, booking.ErrSettlementAlreadyApplied)
}

// ReservationIDFor maps a booking to the reservation that escrows its credits.
func ReservationIDFor(bookingID string) (ledger.ReservationID, error) {
	reservationID, err := ledger.NewReservationID(bookingID)
	if err != nil {
		return ledger.ReservationID{}, fmt.Errorf("%w: %v", booking.ErrValidation, err)
	}
	return reservationID, nil
}

// IdempotencyKeyFor derives the ledger idempotency key of one booking operation.
func IdempotencyKeyFor(bookingID string, operation string) (ledger.IdempotencyKey, error) {
	key, err := ledger.NewIdempotencyKey("booking:" + bookingID + ":" + operation)
	if err != nil {
		return ledger.IdempotencyKey{}, fmt.Errorf("%w: %v", booking.ErrValidation, err)
	}
	return key, nil
}

func translate(err error, code string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrReservationClosed), errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		return ledger.WrapError(operationSettle, subjectBooking, code, fmt.Errorf("%w: %w", booking.ErrSettlementAlreadyApplied, err))
	case errors.Is(err, ledger.ErrUnknownReservation):
		return ledger.WrapError(operationSettle, subjectBooking, code, fmt.Errorf("%w: %w", booking.ErrNotFound, err))
	}
	return ledger.WrapError(operationSettle, subjectBooking, code, err)
}
