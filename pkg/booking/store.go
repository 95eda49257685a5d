package booking

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Update carries the fields changed by a conditional status transition.
type Update struct {
	Status    Status
	RoomURL   *string
	StartedAt *time.Time
	EndedAt   *time.Time
	At        time.Time
}

// Store persists booking records.
//
// Create must refuse, atomically, a booking that overlaps a non-terminal booking of the same
// payee with ErrConflict. UpdateIfStatus applies the update only when the current status is one
// of expected and returns ErrStatusMismatch otherwise. RecordJoin sets the party's join time only
// if it is still unset. MarkSettled stamps a terminal booking once its reservation is resolved;
// ListUnsettled returns terminal bookings without that stamp last touched at or before before.
type Store interface {
	Create(ctx context.Context, booking Booking) error
	Get(ctx context.Context, bookingID string) (Booking, error)
	Delete(ctx context.Context, bookingID string) error
	UpdateIfStatus(ctx context.Context, bookingID string, expected []Status, update Update) (Booking, error)
	RecordJoin(ctx context.Context, bookingID string, party Party, at time.Time) (Booking, error)
	ListActiveForPayee(ctx context.Context, payeeID string, from time.Time, to time.Time) ([]Booking, error)
	ListDue(ctx context.Context, statuses []Status, before time.Time) ([]Booking, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]Booking, error)
	MarkSettled(ctx context.Context, bookingID string, at time.Time) (Booking, error)
	ListUnsettled(ctx context.Context, before time.Time) ([]Booking, error)
}

// Window is a weekly recurring stretch of time during which the payee takes calls.
// Start and End use "HH:MM"; End may be "24:00".
type Window struct {
	Weekday time.Weekday `json:"weekday"`
	Start   string       `json:"start"`
	End     string       `json:"end"`
}

// Bounds returns the window as minutes since midnight.
func (window Window) Bounds() (int, int, error) {
	if window.Weekday < time.Sunday || window.Weekday > time.Saturday {
		return 0, 0, fmt.Errorf("%w: invalid weekday %d", ErrValidation, window.Weekday)
	}
	startMinute, err := parseClock(window.Start)
	if err != nil {
		return 0, 0, err
	}
	endMinute, err := parseClock(window.End)
	if err != nil {
		return 0, 0, err
	}
	if endMinute <= startMinute {
		return 0, 0, fmt.Errorf("%w: window %s-%s ends before it starts", ErrValidation, window.Start, window.End)
	}
	return startMinute, endMinute, nil
}

func parseClock(raw string) (int, error) {
	hours, minutes, found := strings.Cut(strings.TrimSpace(raw), ":")
	if !found {
		return 0, fmt.Errorf("%w: time %q is not HH:MM", ErrValidation, raw)
	}
	hour, hourErr := strconv.Atoi(hours)
	minute, minuteErr := strconv.Atoi(minutes)
	if hourErr != nil || minuteErr != nil || len(minutes) != 2 || minute < 0 || minute > 59 || hour < 0 || hour > 24 {
		return 0, fmt.Errorf("%w: time %q is not HH:MM", ErrValidation, raw)
	}
	total := hour*60 + minute
	if total > 24*60 {
		return 0, fmt.Errorf("%w: time %q is past midnight", ErrValidation, raw)
	}
	return total, nil
}

// Schedule is a payee's published availability.
type Schedule struct {
	TimeZone string   `json:"time_zone"`
	Windows  []Window `json:"windows"`
}

// Location resolves the schedule's time zone, defaulting to UTC.
func (schedule Schedule) Location() (*time.Location, error) {
	if strings.TrimSpace(schedule.TimeZone) == "" {
		return time.UTC, nil
	}
	location, err := time.LoadLocation(schedule.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown time zone %q", ErrValidation, schedule.TimeZone)
	}
	return location, nil
}

// Validate checks every window and the time zone.
func (schedule Schedule) Validate() error {
	if _, err := schedule.Location(); err != nil {
		return err
	}
	for _, window := range schedule.Windows {
		if _, _, err := window.Bounds(); err != nil {
			return err
		}
	}
	return nil
}

// AvailabilityStore persists payee schedules. A payee with no stored schedule gets the zero Schedule.
type AvailabilityStore interface {
	Windows(ctx context.Context, payeeID string) (Schedule, error)
	ReplaceWindows(ctx context.Context, payeeID string, schedule Schedule) error
}
