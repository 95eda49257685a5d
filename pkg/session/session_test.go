package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/callbook/internal/clock"
	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
)

var testStart = time.Date(2026, time.March, 2, 15, 0, 0, 0, time.UTC)

func mustRecord(test *testing.T, status booking.Status) booking.Booking {
	test.Helper()
	return booking.Booking{
		ID:              "booking-1",
		PayerID:         "payer-1",
		PayeeID:         "payee-1",
		ScheduledStart:  testStart,
		DurationMinutes: 30,
		ReservedCredits: 150,
		Payout:          120,
		PlatformFee:     30,
		Status:          status,
	}
}

type stubBackend struct {
	mu            sync.Mutex
	record        booking.Booking
	getErr        error
	transitionErr error
	markCalls     int
	cancelCalls   int
	completeCalls int
}

func (backend *stubBackend) Get(context.Context, string) (booking.Booking, error) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.getErr != nil {
		return booking.Booking{}, backend.getErr
	}
	return backend.record, nil
}

func (backend *stubBackend) apply(counter *int, status booking.Status) (booking.Booking, error) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	*counter++
	if backend.transitionErr != nil {
		return booking.Booking{}, backend.transitionErr
	}
	backend.record.Status = status
	return backend.record, nil
}

func (backend *stubBackend) MarkBothJoined(context.Context, string) (booking.Booking, error) {
	return backend.apply(&backend.markCalls, booking.StatusInProgress)
}

func (backend *stubBackend) CancelNoShow(context.Context, string) (booking.Booking, error) {
	return backend.apply(&backend.cancelCalls, booking.StatusCancelledNoShow)
}

func (backend *stubBackend) Complete(context.Context, string) (booking.Booking, error) {
	return backend.apply(&backend.completeCalls, booking.StatusCompleted)
}

type stubRoom struct {
	count int
	err   error
}

func (room *stubRoom) Participants(context.Context, string) (int, error) {
	return room.count, room.err
}

func mustController(test *testing.T, role booking.Party, backend Backend, room Room, source Clock) *Controller {
	test.Helper()
	controller, err := NewController(Config{BookingID: "booking-1", Role: role, Timing: DefaultTiming}, backend, room, WithClock(source))
	if err != nil {
		test.Fatalf("new controller: %v", err)
	}
	return controller
}

func drain(controller *Controller) []Event {
	var events []Event
	for {
		select {
		case event := <-controller.events:
			events = append(events, event)
		default:
			return events
		}
	}
}

func countKind(events []Event, kind EventKind) int {
	total := 0
	for _, event := range events {
		if event.Kind == kind {
			total++
		}
	}
	return total
}

func TestCheckJoinWindow(test *testing.T) {
	test.Parallel()
	record := mustRecord(test, booking.StatusScheduled)
	testCases := []struct {
		name    string
		now     time.Time
		wantErr bool
	}{
		{name: "too early", now: testStart.Add(-6 * time.Minute), wantErr: true},
		{name: "early window opens", now: testStart.Add(-5 * time.Minute)},
		{name: "mid call", now: testStart.Add(20 * time.Minute)},
		{name: "at end", now: testStart.Add(30 * time.Minute), wantErr: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			err := CheckJoinWindow(record, testCase.now, 5*time.Minute)
			if testCase.wantErr && !errors.Is(err, booking.ErrSessionTiming) {
				test.Fatalf("expected ErrSessionTiming, got %v", err)
			}
			if !testCase.wantErr && err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDerivePhases(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		status   booking.Status
		presence Presence
		now      time.Time
		want     Phase
	}{
		{name: "not connected", status: booking.StatusScheduled, now: testStart, want: PhaseConnecting},
		{name: "alone in room", status: booking.StatusScheduled, presence: Presence{Connected: true, Participants: 1}, now: testStart, want: PhaseWaiting},
		{name: "both seen", status: booking.StatusScheduled, presence: Presence{Connected: true, Participants: 2, BothSeen: true}, now: testStart, want: PhaseActive},
		{name: "server in progress", status: booking.StatusInProgress, presence: Presence{Connected: true, Participants: 1}, now: testStart.Add(time.Minute), want: PhaseActive},
		{name: "active past deadline", status: booking.StatusInProgress, presence: Presence{Connected: true, BothSeen: true}, now: testStart.Add(31 * time.Minute), want: PhaseEnding},
		{name: "left", status: booking.StatusInProgress, presence: Presence{Connected: true, BothSeen: true, Left: true}, now: testStart.Add(time.Minute), want: PhaseEnding},
		{name: "completed", status: booking.StatusCompleted, now: testStart, want: PhaseCompleted},
		{name: "no show", status: booking.StatusCancelledNoShow, now: testStart, want: PhaseCancelledNoShow},
		{name: "declined", status: booking.StatusDeclined, now: testStart, want: PhaseCancelled},
		{name: "cancelled", status: booking.StatusCancelled, now: testStart, want: PhaseCancelled},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			view := Derive(mustRecord(test, testCase.status), testCase.presence, testCase.now, DefaultTiming)
			if view.Phase != testCase.want {
				test.Fatalf("expected %s, got %s", testCase.want, view.Phase)
			}
		})
	}
}

func TestDeriveCountdowns(test *testing.T) {
	test.Parallel()
	record := mustRecord(test, booking.StatusScheduled)

	view := Derive(record, Presence{Connected: true}, testStart.Add(2*time.Minute), DefaultTiming)
	if view.GraceDeadline != testStart.Add(5*time.Minute) || view.GraceRemaining != 3*time.Minute {
		test.Fatalf("unexpected grace %v %v", view.GraceDeadline, view.GraceRemaining)
	}
	if view.CallDeadline != testStart.Add(30*time.Minute) || view.CallRemaining != 28*time.Minute {
		test.Fatalf("unexpected call %v %v", view.CallDeadline, view.CallRemaining)
	}

	late := Derive(record, Presence{Connected: true}, testStart.Add(time.Hour), DefaultTiming)
	if late.GraceRemaining != 0 || late.CallRemaining != 0 {
		test.Fatalf("expected clamped countdowns, got %v %v", late.GraceRemaining, late.CallRemaining)
	}
}

func TestNewControllerValidates(test *testing.T) {
	test.Parallel()
	backend := &stubBackend{}
	room := &stubRoom{}
	if _, err := NewController(Config{BookingID: " ", Role: booking.PartyPayer}, backend, room); !errors.Is(err, ErrInvalidControllerConfig) {
		test.Fatalf("expected config error for empty id, got %v", err)
	}
	if _, err := NewController(Config{BookingID: "b", Role: "host"}, backend, room); !errors.Is(err, ErrInvalidControllerConfig) {
		test.Fatalf("expected config error for role, got %v", err)
	}
	if _, err := NewController(Config{BookingID: "b", Role: booking.PartyPayer}, nil, room); !errors.Is(err, ErrInvalidControllerConfig) {
		test.Fatalf("expected config error for backend, got %v", err)
	}
}

func TestControllerMarksBothJoinedOnce(test *testing.T) {
	test.Parallel()
	backend := &stubBackend{record: mustRecord(test, booking.StatusScheduled)}
	room := &stubRoom{count: 2}
	manual := clock.NewManual(testStart.Add(time.Minute))
	controller := mustController(test, booking.PartyPayee, backend, room, manual)
	ctx := context.Background()

	if controller.step(ctx) {
		test.Fatalf("controller should keep running")
	}
	manual.Advance(time.Second)
	controller.step(ctx)
	if backend.markCalls != 1 {
		test.Fatalf("expected a single MarkBothJoined, got %d", backend.markCalls)
	}
	if controller.phase != PhaseActive {
		test.Fatalf("expected active phase, got %s", controller.phase)
	}
	drain(controller)
}

func TestControllerPayerCancelsNoShowAfterGrace(test *testing.T) {
	test.Parallel()
	backend := &stubBackend{record: mustRecord(test, booking.StatusScheduled)}
	room := &stubRoom{count: 1}
	manual := clock.NewManual(testStart.Add(5*time.Minute - time.Second))
	controller := mustController(test, booking.PartyPayer, backend, room, manual)
	ctx := context.Background()

	if controller.step(ctx) || backend.cancelCalls != 0 {
		test.Fatalf("no-show fired before grace expired")
	}
	drain(controller)

	manual.Advance(time.Second)
	if !controller.step(ctx) {
		test.Fatalf("expected controller to finish after no-show")
	}
	if backend.cancelCalls != 1 {
		test.Fatalf("expected one CancelNoShow, got %d", backend.cancelCalls)
	}
	events := drain(controller)
	last := events[len(events)-1]
	if last.Kind != EventPhase || last.Phase != PhaseCancelledNoShow {
		test.Fatalf("expected terminal phase event, got %+v", last)
	}
}

func TestControllerPayeeOnlyObservesNoShow(test *testing.T) {
	test.Parallel()
	backend := &stubBackend{record: mustRecord(test, booking.StatusScheduled)}
	room := &stubRoom{count: 1}
	manual := clock.NewManual(testStart.Add(10 * time.Minute))
	controller := mustController(test, booking.PartyPayee, backend, room, manual)

	if controller.step(context.Background()) {
		test.Fatalf("payee should keep waiting for the server record")
	}
	if backend.cancelCalls != 0 {
		test.Fatalf("payee must not cancel")
	}
	drain(controller)

	backend.mu.Lock()
	backend.record.Status = booking.StatusCancelledNoShow
	backend.mu.Unlock()
	manual.Advance(DefaultTiming.RefreshInterval)
	if !controller.step(context.Background()) {
		test.Fatalf("payee should converge on the terminal record")
	}
	drain(controller)
}

func TestControllerPayerCompletesAtDeadline(test *testing.T) {
	test.Parallel()
	backend := &stubBackend{record: mustRecord(test, booking.StatusInProgress)}
	room := &stubRoom{count: 2}
	manual := clock.NewManual(testStart.Add(30 * time.Minute))
	controller := mustController(test, booking.PartyPayer, backend, room, manual)

	if !controller.step(context.Background()) {
		test.Fatalf("expected completion to end the controller")
	}
	if backend.completeCalls != 1 {
		test.Fatalf("expected one Complete, got %d", backend.completeCalls)
	}
	if controller.phase != PhaseCompleted {
		test.Fatalf("expected completed, got %s", controller.phase)
	}
	drain(controller)
}

func TestControllerRecoversFromLostRace(test *testing.T) {
	test.Parallel()
	backend := &stubBackend{record: mustRecord(test, booking.StatusScheduled), transitionErr: booking.ErrStatusMismatch}
	room := &stubRoom{count: 1}
	manual := clock.NewManual(testStart.Add(6 * time.Minute))
	controller := mustController(test, booking.PartyPayer, backend, room, manual)
	ctx := context.Background()

	controller.step(ctx)
	drain(controller)

	backend.mu.Lock()
	backend.record.Status = booking.StatusCancelledNoShow
	backend.mu.Unlock()
	manual.Advance(time.Second)
	controller.step(ctx)
	if controller.record.Status != booking.StatusCancelledNoShow {
		test.Fatalf("expected refetched terminal record, got %s", controller.record.Status)
	}
	drain(controller)
}

func TestControllerWarningsFireOnce(test *testing.T) {
	test.Parallel()
	backend := &stubBackend{record: mustRecord(test, booking.StatusInProgress)}
	room := &stubRoom{count: 2}
	end := testStart.Add(30 * time.Minute)
	manual := clock.NewManual(end.Add(-6 * time.Minute))
	controller := mustController(test, booking.PartyPayee, backend, room, manual)
	ctx := context.Background()

	warnings := 0
	advance := func(instant time.Time) {
		manual.Set(instant)
		controller.step(ctx)
		warnings += countKind(drain(controller), EventWarning)
	}

	advance(end.Add(-6 * time.Minute))
	if warnings != 0 {
		test.Fatalf("warning fired too early")
	}
	advance(end.Add(-4 * time.Minute))
	if warnings != 1 {
		test.Fatalf("expected the five minute warning, got %d", warnings)
	}

	room.err = errors.New("reconnecting")
	advance(end.Add(-3 * time.Minute))
	room.err = nil
	advance(end.Add(-170 * time.Second))
	if warnings != 1 {
		test.Fatalf("warning repeated across reconnect: %d", warnings)
	}

	advance(end.Add(-time.Minute))
	if warnings != 2 {
		test.Fatalf("expected the two minute warning, got %d", warnings)
	}
	advance(end.Add(-30 * time.Second))
	if warnings != 2 {
		test.Fatalf("warnings must fire at most once, got %d", warnings)
	}
}

func TestControllerLateObserverGetsOnlyTightestWarning(test *testing.T) {
	test.Parallel()
	backend := &stubBackend{record: mustRecord(test, booking.StatusInProgress)}
	end := testStart.Add(30 * time.Minute)
	manual := clock.NewManual(end.Add(-90 * time.Second))
	controller := mustController(test, booking.PartyPayee, backend, &stubRoom{count: 2}, manual)
	ctx := context.Background()

	controller.step(ctx)
	var warnings []Event
	for _, event := range drain(controller) {
		if event.Kind == EventWarning {
			warnings = append(warnings, event)
		}
	}
	if len(warnings) != 1 || warnings[0].Remaining != 2*time.Minute {
		test.Fatalf("expected a single two minute warning, got %+v", warnings)
	}
	manual.Set(end.Add(-30 * time.Second))
	controller.step(ctx)
	if got := countKind(drain(controller), EventWarning); got != 0 {
		test.Fatalf("passed thresholds must stay quiet, got %d warnings", got)
	}
}

func TestControllerRunExitsOnTerminalRecord(test *testing.T) {
	test.Parallel()
	backend := &stubBackend{record: mustRecord(test, booking.StatusCompleted)}
	controller := mustController(test, booking.PartyPayer, backend, &stubRoom{count: 2}, clock.NewManual(testStart))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := controller.Run(ctx); err != nil {
		test.Fatalf("run: %v", err)
	}
	var phases []Phase
	for event := range controller.Events() {
		if event.Kind == EventPhase {
			phases = append(phases, event.Phase)
		}
	}
	if len(phases) != 1 || phases[0] != PhaseCompleted {
		test.Fatalf("unexpected phases %v", phases)
	}
}

func TestControllerRunFailsWhenBookingUnavailable(test *testing.T) {
	test.Parallel()
	backend := &stubBackend{getErr: booking.ErrNotFound}
	controller := mustController(test, booking.PartyPayer, backend, &stubRoom{}, clock.NewManual(testStart))
	if err := controller.Run(context.Background()); !errors.Is(err, booking.ErrNotFound) {
		test.Fatalf("expected ErrNotFound, got %v", err)
	}
}
