package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
)

// ErrInvalidControllerConfig indicates missing controller dependencies.
var ErrInvalidControllerConfig = errors.New("invalid session controller config")

// Backend is the server-side booking API the controller drives.
type Backend interface {
	Get(ctx context.Context, bookingID string) (booking.Booking, error)
	MarkBothJoined(ctx context.Context, bookingID string) (booking.Booking, error)
	CancelNoShow(ctx context.Context, bookingID string) (booking.Booking, error)
	Complete(ctx context.Context, bookingID string) (booking.Booking, error)
}

// Room reports how many participants are connected to the call room.
type Room interface {
	Participants(ctx context.Context, bookingID string) (int, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// EventKind classifies controller events.
type EventKind string

const (
	EventPhase   EventKind = "phase"
	EventTick    EventKind = "tick"
	EventWarning EventKind = "warning"
	EventError   EventKind = "error"
)

// Event is emitted to the UI layer.
type Event struct {
	Kind      EventKind
	Phase     Phase
	Remaining time.Duration
	At        time.Time
	Err       error
}

// Config describes one controller.
type Config struct {
	BookingID string
	Role      booking.Party
	Timing    Timing
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(controller *Controller) {
		if logger != nil {
			controller.logger = logger
		}
	}
}

// WithSignals subscribes the controller to realtime change hints. A hint triggers a refetch.
func WithSignals(signals <-chan struct{}) Option {
	return func(controller *Controller) {
		controller.signals = signals
	}
}

// WithClock overrides the wall clock.
func WithClock(clock Clock) Option {
	return func(controller *Controller) {
		if clock != nil {
			controller.clock = clock
		}
	}
}

// Controller runs the call state machine for one participant.
type Controller struct {
	bookingID string
	role      booking.Party
	timing    Timing
	warnings  []time.Duration

	backend Backend
	room    Room
	clock   Clock
	logger  *zap.Logger
	signals <-chan struct{}

	events    chan Event
	leave     chan struct{}
	leaveOnce sync.Once

	record      booking.Booking
	presence    Presence
	phase       Phase
	warned      map[time.Duration]bool
	markedBoth  bool
	lastRefresh time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// NewController validates the configuration.
func NewController(config Config, backend Backend, room Room, options ...Option) (*Controller, error) {
	if backend == nil || room == nil {
		return nil, fmt.Errorf("%w: backend and room are required", ErrInvalidControllerConfig)
	}
	bookingID := strings.TrimSpace(config.BookingID)
	if bookingID == "" {
		return nil, fmt.Errorf("%w: booking id is required", ErrInvalidControllerConfig)
	}
	if config.Role != booking.PartyPayer && config.Role != booking.PartyPayee {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidControllerConfig, config.Role)
	}
	timing := config.Timing
	if timing.TickInterval <= 0 {
		timing.TickInterval = DefaultTiming.TickInterval
	}
	if timing.RefreshInterval <= 0 {
		timing.RefreshInterval = DefaultTiming.RefreshInterval
	}
	controller := &Controller{
		bookingID: bookingID,
		role:      config.Role,
		timing:    timing,
		warnings:  timing.sortedWarnings(),
		backend:   backend,
		room:      room,
		clock:     wallClock{},
		logger:    zap.NewNop(),
		events:    make(chan Event, 32),
		leave:     make(chan struct{}),
		warned:    make(map[time.Duration]bool),
	}
	for _, option := range options {
		if option != nil {
			option(controller)
		}
	}
	return controller, nil
}

// Events streams phase changes, countdown ticks and warnings. It is closed when Run returns.
func (controller *Controller) Events() <-chan Event {
	return controller.events
}

// Leave marks the local participant as gone. Once the call was active this never counts as a no-show.
func (controller *Controller) Leave() {
	controller.leaveOnce.Do(func() { close(controller.leave) })
}

// Run drives the controller until the booking reaches a terminal status or ctx ends.
func (controller *Controller) Run(ctx context.Context) error {
	defer close(controller.events)

	if err := controller.refresh(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(controller.timing.TickInterval)
	defer ticker.Stop()

	leave := controller.leave
	for {
		if done := controller.step(ctx); done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-leave:
			controller.presence.Left = true
			leave = nil
		case _, open := <-controller.signals:
			if !open {
				controller.signals = nil
				continue
			}
			if err := controller.refresh(ctx); err != nil {
				controller.emit(ctx, Event{Kind: EventError, Phase: controller.phase, At: controller.clock.Now(), Err: err})
			}
		}
	}
}

// step re-derives the view and fires whatever server transition is due. It reports true once
// the booking is terminal.
func (controller *Controller) step(ctx context.Context) bool {
	now := controller.clock.Now()
	if now.Sub(controller.lastRefresh) >= controller.timing.RefreshInterval {
		if err := controller.refresh(ctx); err != nil {
			controller.emit(ctx, Event{Kind: EventError, Phase: controller.phase, At: now, Err: err})
		}
	}
	controller.pollPresence(ctx)

	if controller.presence.BothSeen && !controller.markedBoth && controller.record.Status == booking.StatusScheduled {
		controller.transition(ctx, "mark_both_joined", controller.backend.MarkBothJoined)
	}
	if controller.record.Status == booking.StatusInProgress {
		controller.markedBoth = true
	}

	view := Derive(controller.record, controller.presence, now, controller.timing)
	if controller.role == booking.PartyPayer {
		switch {
		case controller.record.Status == booking.StatusScheduled && !controller.presence.BothSeen && view.GraceRemaining == 0:
			controller.transition(ctx, "cancel_no_show", controller.backend.CancelNoShow)
			view = Derive(controller.record, controller.presence, now, controller.timing)
		case controller.record.Status == booking.StatusInProgress && view.CallRemaining == 0:
			controller.transition(ctx, "complete", controller.backend.Complete)
			view = Derive(controller.record, controller.presence, now, controller.timing)
		}
	}

	if view.Phase != controller.phase {
		controller.phase = view.Phase
		controller.emit(ctx, Event{Kind: EventPhase, Phase: view.Phase, At: now})
	}
	if view.Phase.Terminal() {
		return true
	}

	switch view.Phase {
	case PhaseWaiting, PhaseConnecting:
		controller.emit(ctx, Event{Kind: EventTick, Phase: view.Phase, Remaining: view.GraceRemaining, At: now})
	case PhaseActive:
		controller.emit(ctx, Event{Kind: EventTick, Phase: view.Phase, Remaining: view.CallRemaining, At: now})
		controller.fireWarnings(ctx, view, now)
	}
	return false
}

// fireWarnings announces the tightest threshold crossed since the last step. Looser thresholds
// passed at the same time are marked as warned without an event of their own.
func (controller *Controller) fireWarnings(ctx context.Context, view View, now time.Time) {
	if view.CallRemaining == 0 {
		return
	}
	var tightest time.Duration
	crossed := false
	for _, threshold := range controller.warnings {
		if controller.warned[threshold] || view.CallRemaining > threshold {
			continue
		}
		controller.warned[threshold] = true
		if !crossed || threshold < tightest {
			tightest = threshold
			crossed = true
		}
	}
	if crossed {
		controller.emit(ctx, Event{Kind: EventWarning, Phase: view.Phase, Remaining: tightest, At: now})
	}
}

func (controller *Controller) pollPresence(ctx context.Context) {
	count, err := controller.room.Participants(ctx, controller.bookingID)
	if err != nil {
		controller.logger.Debug("room presence unavailable", zap.String("booking_id", controller.bookingID), zap.Error(err))
		return
	}
	controller.presence.Connected = true
	controller.presence.Participants = count
	if count >= 2 {
		controller.presence.BothSeen = true
	}
}

func (controller *Controller) transition(ctx context.Context, name string, call func(context.Context, string) (booking.Booking, error)) {
	record, err := call(ctx, controller.bookingID)
	if err == nil {
		controller.record = record
		if name == "mark_both_joined" {
			controller.markedBoth = true
		}
		return
	}
	controller.logger.Warn("session transition failed",
		zap.String("booking_id", controller.bookingID),
		zap.String("transition", name),
		zap.Error(err),
	)
	// Another participant or the sweeper may have won the race.
	if refreshErr := controller.refresh(ctx); refreshErr != nil {
		controller.logger.Warn("session refresh failed", zap.String("booking_id", controller.bookingID), zap.Error(refreshErr))
	}
}

func (controller *Controller) refresh(ctx context.Context) error {
	record, err := controller.backend.Get(ctx, controller.bookingID)
	if err != nil {
		return err
	}
	controller.record = record
	controller.lastRefresh = controller.clock.Now()
	return nil
}

func (controller *Controller) emit(ctx context.Context, event Event) {
	select {
	case controller.events <- event:
	case <-ctx.Done():
	}
}
