package booking

import "errors"

// Error taxonomy shared by the booking subsystem.
var (
	ErrValidation               = errors.New("validation failed")
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrConflict                 = errors.New("slot conflict")
	ErrRoomProvisioningFailed   = errors.New("room provisioning failed")
	ErrSessionTiming            = errors.New("join outside session window")
	ErrSettlementAlreadyApplied = errors.New("settlement already applied")
	ErrNotFound                 = errors.New("booking not found")
	ErrStatusMismatch           = errors.New("booking status changed")
	ErrForbidden                = errors.New("not a booking participant")
)
