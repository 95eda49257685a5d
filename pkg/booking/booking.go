package booking

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/callbook/pkg/ledger"
)

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusPending         Status = "pending"
	StatusScheduled       Status = "scheduled"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusCancelledNoShow Status = "cancelled_no_show"
	StatusDeclined        Status = "declined"
)

// NonTerminalStatuses lists every status that still occupies the payee's calendar.
var NonTerminalStatuses = []Status{StatusDraft, StatusPending, StatusScheduled, StatusInProgress}

// TerminalStatuses lists every status that ends a booking.
var TerminalStatuses = []Status{StatusCompleted, StatusCancelled, StatusCancelledNoShow, StatusDeclined}

// String returns the stored representation.
func (status Status) String() string {
	return string(status)
}

// Terminal reports whether no further transition is possible.
func (status Status) Terminal() bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusCancelledNoShow, StatusDeclined:
		return true
	}
	return false
}

// ParseStatus validates a stored status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.TrimSpace(raw))
	switch status {
	case StatusDraft, StatusPending, StatusScheduled, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusCancelledNoShow, StatusDeclined:
		return status, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
}

// Party names one side of a call.
type Party string

const (
	PartyPayer Party = "payer"
	PartyPayee Party = "payee"
)

// ParseParty validates a party name.
func ParseParty(raw string) (Party, error) {
	switch Party(strings.TrimSpace(raw)) {
	case PartyPayer:
		return PartyPayer, nil
	case PartyPayee:
		return PartyPayee, nil
	}
	return "", fmt.Errorf("%w: unknown party %q", ErrValidation, raw)
}

// SupportedDurations are the only call lengths that can be booked, in minutes.
var SupportedDurations = []int{15, 30, 60, 90}

// ValidateDuration rejects call lengths outside SupportedDurations.
func ValidateDuration(minutes int) error {
	for _, supported := range SupportedDurations {
		if minutes == supported {
			return nil
		}
	}
	return fmt.Errorf("%w: unsupported duration %d minutes", ErrValidation, minutes)
}

// Booking is the persisted record of one scheduled call.
type Booking struct {
	ID              string         `json:"id"`
	PayerID         string         `json:"payer_id"`
	PayeeID         string         `json:"payee_id"`
	ScheduledStart  time.Time      `json:"scheduled_start"`
	DurationMinutes int            `json:"duration_minutes"`
	ReservedCredits ledger.Credits `json:"reserved_credits"`
	Payout          ledger.Credits `json:"payout"`
	PlatformFee     ledger.Credits `json:"platform_fee"`
	Status          Status         `json:"status"`
	RoomURL         string         `json:"room_url,omitempty"`
	PayerJoinedAt   *time.Time     `json:"payer_joined_at,omitempty"`
	PayeeJoinedAt   *time.Time     `json:"payee_joined_at,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	SettledAt       *time.Time     `json:"settled_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Length returns the scheduled call length.
func (booking Booking) Length() time.Duration {
	return time.Duration(booking.DurationMinutes) * time.Minute
}

// ScheduledEnd returns the instant the call is due to end.
func (booking Booking) ScheduledEnd() time.Time {
	return booking.ScheduledStart.Add(booking.Length())
}

// Overlaps reports whether [start, end) intersects the booking's scheduled interval.
func (booking Booking) Overlaps(start time.Time, end time.Time) bool {
	return start.Before(booking.ScheduledEnd()) && booking.ScheduledStart.Before(end)
}

// PartyOf resolves which side of the call a user is on.
func (booking Booking) PartyOf(userID string) (Party, error) {
	switch userID {
	case booking.PayerID:
		return PartyPayer, nil
	case booking.PayeeID:
		return PartyPayee, nil
	}
	return "", ErrForbidden
}

// VisibleTo resolves the caller's side of the call. A draft is still being set up and exists
// only for its payer; anyone else gets ErrNotFound.
func (booking Booking) VisibleTo(userID string) (Party, error) {
	party, err := booking.PartyOf(userID)
	if err != nil {
		return "", err
	}
	if booking.Status == StatusDraft && party != PartyPayer {
		return "", fmt.Errorf("%w: booking %s", ErrNotFound, booking.ID)
	}
	return party, nil
}

// Unsettled reports whether the booking ended but its reservation was not yet resolved.
func (booking Booking) Unsettled() bool {
	return booking.Status.Terminal() && booking.SettledAt == nil
}

// JoinedAt returns the party's first join time, if any.
func (booking Booking) JoinedAt(party Party) *time.Time {
	if party == PartyPayee {
		return booking.PayeeJoinedAt
	}
	return booking.PayerJoinedAt
}

// Validate checks the record invariants that hold from creation onwards.
func (booking Booking) Validate() error {
	if strings.TrimSpace(booking.ID) == "" {
		return fmt.Errorf("%w: empty booking id", ErrValidation)
	}
	if strings.TrimSpace(booking.PayerID) == "" || strings.TrimSpace(booking.PayeeID) == "" {
		return fmt.Errorf("%w: payer and payee are required", ErrValidation)
	}
	if booking.PayerID == booking.PayeeID {
		return fmt.Errorf("%w: payer cannot book themselves", ErrValidation)
	}
	if err := ValidateDuration(booking.DurationMinutes); err != nil {
		return err
	}
	if booking.Payout+booking.PlatformFee != booking.ReservedCredits {
		return fmt.Errorf("%w: payout and fee do not add up to the reserved credits", ErrValidation)
	}
	if _, err := ParseStatus(booking.Status.String()); err != nil {
		return err
	}
	return nil
}
