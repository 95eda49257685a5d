package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/callbook/internal/clock"
	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
)

var testStart = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

type stubLister struct {
	records   []booking.Booking
	unsettled []booking.Booking
	err       error
}

func (lister *stubLister) ListDue(_ context.Context, _ []booking.Status, before time.Time) ([]booking.Booking, error) {
	if lister.err != nil {
		return nil, lister.err
	}
	var due []booking.Booking
	for _, record := range lister.records {
		if !record.ScheduledStart.After(before) {
			due = append(due, record)
		}
	}
	return due, nil
}

func (lister *stubLister) ListUnsettled(_ context.Context, before time.Time) ([]booking.Booking, error) {
	var outstanding []booking.Booking
	for _, record := range lister.unsettled {
		if !record.UpdatedAt.After(before) {
			outstanding = append(outstanding, record)
		}
	}
	return outstanding, nil
}

type stubLifecycle struct {
	mu     sync.Mutex
	calls  map[string][]string
	errors map[string]error
}

func newStubLifecycle() *stubLifecycle {
	return &stubLifecycle{calls: make(map[string][]string), errors: make(map[string]error)}
}

func (lifecycle *stubLifecycle) record(name string, bookingID string) (booking.Booking, error) {
	lifecycle.mu.Lock()
	defer lifecycle.mu.Unlock()
	lifecycle.calls[name] = append(lifecycle.calls[name], bookingID)
	return booking.Booking{ID: bookingID}, lifecycle.errors[bookingID]
}

func (lifecycle *stubLifecycle) ExpireUnconfirmed(_ context.Context, bookingID string) (booking.Booking, error) {
	return lifecycle.record("expire", bookingID)
}

func (lifecycle *stubLifecycle) CancelNoShow(_ context.Context, bookingID string) (booking.Booking, error) {
	return lifecycle.record("no_show", bookingID)
}

func (lifecycle *stubLifecycle) Complete(_ context.Context, bookingID string) (booking.Booking, error) {
	return lifecycle.record("complete", bookingID)
}

func (lifecycle *stubLifecycle) RetrySettlement(_ context.Context, bookingID string) (booking.Booking, error) {
	return lifecycle.record("settle", bookingID)
}

func (lifecycle *stubLifecycle) count(name string) int {
	lifecycle.mu.Lock()
	defer lifecycle.mu.Unlock()
	return len(lifecycle.calls[name])
}

func testRecord(id string, status booking.Status, joinedBoth bool) booking.Booking {
	record := booking.Booking{ID: id, PayerID: "payer-1", PayeeID: "payee-1", ScheduledStart: testStart, DurationMinutes: 30, Status: status}
	if joinedBoth {
		joined := testStart
		record.PayerJoinedAt = &joined
		record.PayeeJoinedAt = &joined
	}
	return record
}

func mustSweeper(test *testing.T, lister Lister, lifecycle Lifecycle, source Clock, options ...Option) *Sweeper {
	test.Helper()
	sweeper, err := New(DefaultConfig, lister, lifecycle, source, options...)
	if err != nil {
		test.Fatalf("new sweeper: %v", err)
	}
	return sweeper
}

func TestNewValidates(test *testing.T) {
	test.Parallel()
	if _, err := New(DefaultConfig, nil, newStubLifecycle(), clock.NewSystem()); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	config := DefaultConfig
	config.Interval = 0
	if _, err := New(config, &stubLister{}, newStubLifecycle(), clock.NewSystem()); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestSweepAppliesOverdueTransitions(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		record     booking.Booking
		now        time.Time
		transition string
	}{
		{name: "pending at start", record: testRecord("b1", booking.StatusPending, false), now: testStart, transition: "expire"},
		{name: "no-show inside slack", record: testRecord("b2", booking.StatusScheduled, false), now: testStart.Add(5*time.Minute + 30*time.Second)},
		{name: "no-show after slack", record: testRecord("b3", booking.StatusScheduled, false), now: testStart.Add(6 * time.Minute), transition: "no_show"},
		{name: "both joined mid call", record: testRecord("b4", booking.StatusScheduled, true), now: testStart.Add(10 * time.Minute)},
		{name: "both joined never started", record: testRecord("b5", booking.StatusScheduled, true), now: testStart.Add(31 * time.Minute), transition: "no_show"},
		{name: "in progress at end", record: testRecord("b6", booking.StatusInProgress, true), now: testStart.Add(30 * time.Minute)},
		{name: "in progress after slack", record: testRecord("b7", booking.StatusInProgress, true), now: testStart.Add(31 * time.Minute), transition: "complete"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			lifecycle := newStubLifecycle()
			sweeper := mustSweeper(test, &stubLister{records: []booking.Booking{testCase.record}}, lifecycle, clock.NewFixed(testCase.now))
			if _, err := sweeper.Sweep(context.Background()); err != nil {
				test.Fatalf("sweep: %v", err)
			}
			for _, name := range []string{"expire", "no_show", "complete"} {
				expected := 0
				if name == testCase.transition {
					expected = 1
				}
				if got := lifecycle.count(name); got != expected {
					test.Fatalf("%s: expected %d calls, got %d", name, expected, got)
				}
			}
		})
	}
}

func TestSweepCountsFailuresButIgnoresLostRaces(test *testing.T) {
	test.Parallel()
	lifecycle := newStubLifecycle()
	lifecycle.errors["lost"] = booking.ErrStatusMismatch
	lifecycle.errors["broken"] = errors.New("ledger unavailable")
	records := []booking.Booking{
		testRecord("lost", booking.StatusPending, false),
		testRecord("broken", booking.StatusPending, false),
		testRecord("fine", booking.StatusPending, false),
	}
	var hooked Result
	sweeper := mustSweeper(test, &stubLister{records: records}, lifecycle, clock.NewFixed(testStart), WithResultHook(func(result Result) { hooked = result }))

	result, err := sweeper.Sweep(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if result.Expired != 1 || result.Failures != 1 {
		test.Fatalf("unexpected result %+v", result)
	}
	if hooked != result {
		test.Fatalf("hook saw %+v, want %+v", hooked, result)
	}
}

func TestSweepRetriesOutstandingSettlements(test *testing.T) {
	test.Parallel()
	now := testStart.Add(time.Hour)
	stale := testRecord("stale", booking.StatusCancelledNoShow, false)
	stale.UpdatedAt = now.Add(-10 * time.Minute)
	fresh := testRecord("fresh", booking.StatusCompleted, true)
	fresh.UpdatedAt = now.Add(-10 * time.Second)
	broken := testRecord("broken", booking.StatusCompleted, true)
	broken.UpdatedAt = now.Add(-time.Hour)
	lifecycle := newStubLifecycle()
	lifecycle.errors["broken"] = errors.New("ledger unavailable")

	sweeper := mustSweeper(test, &stubLister{unsettled: []booking.Booking{stale, fresh, broken}}, lifecycle, clock.NewFixed(now))
	result, err := sweeper.Sweep(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if result.Settled != 1 || result.Failures != 1 {
		test.Fatalf("unexpected result %+v", result)
	}
	if got := lifecycle.count("settle"); got != 2 {
		test.Fatalf("expected the fresh booking to be left to its caller, got %d settle calls", got)
	}
}

func TestSweepReportsListFailure(test *testing.T) {
	test.Parallel()
	sweeper := mustSweeper(test, &stubLister{err: errors.New("db down")}, newStubLifecycle(), clock.NewFixed(testStart))
	if _, err := sweeper.Sweep(context.Background()); err == nil {
		test.Fatalf("expected list error")
	}
}

func TestStartRunsScheduledSweeps(test *testing.T) {
	test.Parallel()
	lifecycle := newStubLifecycle()
	swept := make(chan Result, 8)
	config := DefaultConfig
	config.Interval = 20 * time.Millisecond
	sweeper, err := New(config, &stubLister{records: []booking.Booking{testRecord("b1", booking.StatusPending, false)}}, lifecycle, clock.NewFixed(testStart),
		WithResultHook(func(result Result) {
			select {
			case swept <- result:
			default:
			}
		}))
	if err != nil {
		test.Fatalf("new sweeper: %v", err)
	}
	if err := sweeper.Start(context.Background()); err != nil {
		test.Fatalf("start: %v", err)
	}
	defer func() {
		if err := sweeper.Shutdown(); err != nil {
			test.Errorf("shutdown: %v", err)
		}
	}()

	select {
	case result := <-swept:
		if result.Expired != 1 {
			test.Fatalf("unexpected result %+v", result)
		}
	case <-time.After(5 * time.Second):
		test.Fatalf("sweep never ran")
	}
}
