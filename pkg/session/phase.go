// Package session runs the client-side state machine of one paid call.
package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
)

// Phase is the client-visible state of a call.
type Phase string

const (
	PhaseConnecting      Phase = "connecting"
	PhaseWaiting         Phase = "waiting"
	PhaseActive          Phase = "active"
	PhaseEnding          Phase = "ending"
	PhaseCompleted       Phase = "completed"
	PhaseCancelledNoShow Phase = "cancelled_no_show"
	PhaseCancelled       Phase = "cancelled"
)

// Terminal reports whether the controller stops after reaching the phase.
func (phase Phase) Terminal() bool {
	switch phase {
	case PhaseCompleted, PhaseCancelledNoShow, PhaseCancelled:
		return true
	}
	return false
}

// Timing holds the deadline constants. All deadlines derive from the booking's scheduled start.
type Timing struct {
	GracePeriod     time.Duration
	EarlyJoinWindow time.Duration
	TickInterval    time.Duration
	RefreshInterval time.Duration
	Warnings        []time.Duration
}

// DefaultTiming gives a five minute grace period and warnings at five and two minutes left.
var DefaultTiming = Timing{
	GracePeriod:     5 * time.Minute,
	EarlyJoinWindow: 5 * time.Minute,
	TickInterval:    time.Second,
	RefreshInterval: 5 * time.Second,
	Warnings:        []time.Duration{5 * time.Minute, 2 * time.Minute},
}

func (timing Timing) sortedWarnings() []time.Duration {
	warnings := append([]time.Duration(nil), timing.Warnings...)
	sort.Slice(warnings, func(left, right int) bool { return warnings[left] > warnings[right] })
	return warnings
}

// CheckJoinWindow rejects joins before start-early and at or after the scheduled end.
func CheckJoinWindow(record booking.Booking, now time.Time, early time.Duration) error {
	opens := record.ScheduledStart.Add(-early)
	if now.Before(opens) {
		return fmt.Errorf("%w: call opens at %s", booking.ErrSessionTiming, opens.Format(time.RFC3339))
	}
	if !now.Before(record.ScheduledEnd()) {
		return fmt.Errorf("%w: call ended at %s", booking.ErrSessionTiming, record.ScheduledEnd().Format(time.RFC3339))
	}
	return nil
}

// Presence is what the local client knows about the room.
type Presence struct {
	Connected    bool
	Participants int
	BothSeen     bool
	Left         bool
}

// View is the derived state shown to the user.
type View struct {
	Phase          Phase
	GraceDeadline  time.Time
	CallDeadline   time.Time
	GraceRemaining time.Duration
	CallRemaining  time.Duration
}

// Derive computes the view from the latest booking record. It never looks at previous views,
// so skipped or delayed ticks cannot drift the countdowns.
func Derive(record booking.Booking, presence Presence, now time.Time, timing Timing) View {
	view := View{
		GraceDeadline: record.ScheduledStart.Add(timing.GracePeriod),
		CallDeadline:  record.ScheduledEnd(),
	}
	view.GraceRemaining = remaining(view.GraceDeadline, now)
	view.CallRemaining = remaining(view.CallDeadline, now)

	switch record.Status {
	case booking.StatusCompleted:
		view.Phase = PhaseCompleted
		return view
	case booking.StatusCancelledNoShow:
		view.Phase = PhaseCancelledNoShow
		return view
	case booking.StatusCancelled, booking.StatusDeclined:
		view.Phase = PhaseCancelled
		return view
	}

	active := record.Status == booking.StatusInProgress || presence.BothSeen
	switch {
	case presence.Left:
		view.Phase = PhaseEnding
	case active && view.CallRemaining == 0:
		view.Phase = PhaseEnding
	case active:
		view.Phase = PhaseActive
	case !presence.Connected:
		view.Phase = PhaseConnecting
	default:
		view.Phase = PhaseWaiting
	}
	return view
}

func remaining(deadline time.Time, now time.Time) time.Duration {
	if left := deadline.Sub(now); left > 0 {
		return left
	}
	return 0
}
