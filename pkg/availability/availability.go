// Package availability decides which start times a payee can be booked at.
package availability

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
)

// ErrNoAvailability reports a day without a single legal start.
var ErrNoAvailability = errors.New("no availability")

// Rules holds the slot arithmetic constants.
type Rules struct {
	Granularity time.Duration
	MinLeadTime time.Duration
	Horizon     time.Duration
}

// DefaultRules uses 30-minute slots bookable from 15 minutes to 7 days ahead.
var DefaultRules = Rules{
	Granularity: 30 * time.Minute,
	MinLeadTime: 15 * time.Minute,
	Horizon:     7 * 24 * time.Hour,
}

// Query describes the payee's calendar at the moment of asking.
//
// Only the calendar day of Date is used; it is read in the schedule's location.
type Query struct {
	Schedule        booking.Schedule
	Date            time.Time
	DurationMinutes int
	Existing        []booking.Booking
	Now             time.Time
}

// Slots lists legal starts for the query using DefaultRules.
func Slots(query Query) ([]time.Time, error) {
	return DefaultRules.Slots(query)
}

// Check validates one start using DefaultRules.
func Check(query Query, start time.Time) error {
	return DefaultRules.Check(query, start)
}

// Slots lists, in order, every legal start on the query's day.
func (rules Rules) Slots(query Query) ([]time.Time, error) {
	if err := booking.ValidateDuration(query.DurationMinutes); err != nil {
		return nil, err
	}
	location, err := query.Schedule.Location()
	if err != nil {
		return nil, err
	}
	year, month, day := query.Date.Date()
	dayStart := time.Date(year, month, day, 0, 0, 0, 0, location)
	dayEnd := dayStart.AddDate(0, 0, 1)
	var slots []time.Time
	for candidate := dayStart; candidate.Before(dayEnd); candidate = candidate.Add(rules.Granularity) {
		if rules.Check(query, candidate) == nil {
			slots = append(slots, candidate)
		}
	}
	if len(slots) == 0 {
		return nil, ErrNoAvailability
	}
	return slots, nil
}

// Check returns nil when start is a legal booking start. Rule violations wrap
// booking.ErrValidation; an overlap with an existing booking wraps booking.ErrConflict.
func (rules Rules) Check(query Query, start time.Time) error {
	if err := booking.ValidateDuration(query.DurationMinutes); err != nil {
		return err
	}
	location, err := query.Schedule.Location()
	if err != nil {
		return err
	}
	local := start.In(location)
	if !aligned(local, rules.Granularity) {
		return fmt.Errorf("%w: start %s is not on a %s boundary", booking.ErrValidation, local.Format(time.RFC3339), rules.Granularity)
	}
	if start.Before(query.Now.Add(rules.MinLeadTime)) {
		return fmt.Errorf("%w: start must be at least %s from now", booking.ErrValidation, rules.MinLeadTime)
	}
	if start.After(query.Now.Add(rules.Horizon)) {
		return fmt.Errorf("%w: start is beyond the %s booking horizon", booking.ErrValidation, rules.Horizon)
	}
	length := time.Duration(query.DurationMinutes) * time.Minute
	if len(query.Schedule.Windows) > 0 {
		inside, err := withinWindow(query.Schedule.Windows, local, length)
		if err != nil {
			return err
		}
		if !inside {
			return fmt.Errorf("%w: slot is outside the published availability", booking.ErrValidation)
		}
	}
	end := start.Add(length)
	for _, existing := range query.Existing {
		if existing.Status.Terminal() {
			continue
		}
		if existing.Overlaps(start, end) {
			return fmt.Errorf("%w: overlaps booking %s", booking.ErrConflict, existing.ID)
		}
	}
	return nil
}

func aligned(local time.Time, granularity time.Duration) bool {
	if local.Second() != 0 || local.Nanosecond() != 0 {
		return false
	}
	sinceMidnight := time.Duration(local.Hour())*time.Hour + time.Duration(local.Minute())*time.Minute
	return sinceMidnight%granularity == 0
}

func withinWindow(windows []booking.Window, local time.Time, length time.Duration) (bool, error) {
	startMinute := local.Hour()*60 + local.Minute()
	endMinute := startMinute + int(length/time.Minute)
	for _, window := range windows {
		windowStart, windowEnd, err := window.Bounds()
		if err != nil {
			return false, err
		}
		if window.Weekday != local.Weekday() {
			continue
		}
		if startMinute >= windowStart && endMinute <= windowEnd {
			return true, nil
		}
	}
	return false, nil
}
