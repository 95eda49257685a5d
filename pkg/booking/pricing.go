package booking

import (
	"fmt"

	"github.com/MarkoPoloResearchLab/callbook/pkg/ledger"
)

const basisPointsDenominator = 10000

// Split divides a reserved amount into the payee payout and the platform fee.
// The fee is rounded down so the payee never receives less than the fixed ratio.
func Split(total ledger.Credits, feeBasisPoints int64) (ledger.Credits, ledger.Credits, error) {
	if feeBasisPoints < 0 || feeBasisPoints > basisPointsDenominator {
		return 0, 0, fmt.Errorf("%w: fee basis points %d out of range", ErrValidation, feeBasisPoints)
	}
	if total < 0 {
		return 0, 0, fmt.Errorf("%w: negative total", ErrValidation)
	}
	fee := ledger.Credits(total.Int64() * feeBasisPoints / basisPointsDenominator)
	return total - fee, fee, nil
}

// Pricing turns a call length into the amount reserved from the payer.
type Pricing struct {
	CreditsPerMinute int64
}

// DefaultPricing charges five credits per minute.
var DefaultPricing = Pricing{CreditsPerMinute: 5}

// Price returns the amount to reserve for a call of the given length.
func (pricing Pricing) Price(durationMinutes int) (ledger.PositiveCredits, error) {
	if err := ValidateDuration(durationMinutes); err != nil {
		return 0, err
	}
	if pricing.CreditsPerMinute <= 0 {
		return 0, fmt.Errorf("%w: credits per minute must be positive", ErrValidation)
	}
	return ledger.NewPositiveCredits(pricing.CreditsPerMinute * int64(durationMinutes))
}
