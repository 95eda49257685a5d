package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/callbook/internal/clock"
	"github.com/MarkoPoloResearchLab/callbook/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
	"github.com/MarkoPoloResearchLab/callbook/pkg/ledger"
	"github.com/MarkoPoloResearchLab/callbook/pkg/saga"
	"github.com/MarkoPoloResearchLab/callbook/pkg/session"
)

var (
	testNow   = time.Date(2026, time.March, 2, 8, 0, 0, 0, time.UTC)
	testStart = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
)

const (
	testPayer = "payer-1"
	testPayee = "payee-1"
)

type stubRooms struct {
	mu        sync.Mutex
	createErr error
	tokenErr  error
	created   []string
	deleted   []string
}

func (rooms *stubRooms) CreateRoom(_ context.Context, bookingID string, _ time.Time) (string, error) {
	rooms.mu.Lock()
	defer rooms.mu.Unlock()
	if rooms.createErr != nil {
		return "", rooms.createErr
	}
	rooms.created = append(rooms.created, bookingID)
	return "https://rooms.test/" + bookingID, nil
}

func (rooms *stubRooms) DeleteRoom(_ context.Context, bookingID string) error {
	rooms.mu.Lock()
	defer rooms.mu.Unlock()
	rooms.deleted = append(rooms.deleted, bookingID)
	return nil
}

func (rooms *stubRooms) JoinToken(_ context.Context, bookingID string, participantID string, _ time.Time) (string, error) {
	if rooms.tokenErr != nil {
		return "", rooms.tokenErr
	}
	return "token-" + bookingID + "-" + participantID, nil
}

type stubNotifier struct {
	mu   sync.Mutex
	err  error
	sent []Notification
}

func (notifier *stubNotifier) Notify(_ context.Context, notification Notification) error {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.sent = append(notifier.sent, notification)
	return notifier.err
}

func (notifier *stubNotifier) kinds(recipient string) []NotificationKind {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	var kinds []NotificationKind
	for _, notification := range notifier.sent {
		if notification.RecipientID == recipient {
			kinds = append(kinds, notification.Kind)
		}
	}
	return kinds
}

// stalledNotifier blocks until its context ends.
type stalledNotifier struct{}

func (stalledNotifier) Notify(ctx context.Context, _ Notification) error {
	<-ctx.Done()
	return ctx.Err()
}

type stubPublisher struct {
	mu        sync.Mutex
	published []booking.Booking
}

func (publisher *stubPublisher) Publish(_ context.Context, record booking.Booking) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.published = append(publisher.published, record)
	return nil
}

// promoteFailingStore fails the draft promotion so every earlier step has to be undone.
type promoteFailingStore struct {
	*gormstore.Store
}

func (store promoteFailingStore) UpdateIfStatus(ctx context.Context, bookingID string, expected []booking.Status, update booking.Update) (booking.Booking, error) {
	if update.Status == booking.StatusPending {
		return booking.Booking{}, errors.New("database unavailable")
	}
	return store.Store.UpdateIfStatus(ctx, bookingID, expected, update)
}

// drainedLedger reports the payer short at reservation time, as if the balance was spent
// between the pre-check and the commit.
type drainedLedger struct {
	Ledger
}

func (drainedLedger) Reserve(context.Context, ledger.UserID, ledger.PositiveCredits, ledger.ReservationID, ledger.IdempotencyKey, ledger.MetadataJSON) error {
	return fmt.Errorf("reserve: %w", ledger.ErrInsufficientFunds)
}

// flakyReleaseLedger fails the first releases it sees.
type flakyReleaseLedger struct {
	Ledger
	mu       sync.Mutex
	failures int
}

func (flaky *flakyReleaseLedger) Release(ctx context.Context, userID ledger.UserID, reservationID ledger.ReservationID, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) error {
	flaky.mu.Lock()
	if flaky.failures > 0 {
		flaky.failures--
		flaky.mu.Unlock()
		return errors.New("ledger unavailable")
	}
	flaky.mu.Unlock()
	return flaky.Ledger.Release(ctx, userID, reservationID, idempotencyKey, metadata)
}

type harness struct {
	service   *Service
	store     *gormstore.Store
	ledger    *ledger.Service
	rooms     *stubRooms
	notifier  *stubNotifier
	publisher *stubPublisher
	clock     *clock.Manual
	options   []Option
}

type harnessOption func(*Dependencies, *harness)

func withBookingStore(wrap func(*gormstore.Store) booking.Store) harnessOption {
	return func(dependencies *Dependencies, h *harness) {
		dependencies.Bookings = wrap(h.store)
	}
}

func withLedger(wrap func(Ledger) Ledger) harnessOption {
	return func(dependencies *Dependencies, h *harness) {
		dependencies.Ledger = wrap(h.ledger)
	}
}

func withServiceOptions(options ...Option) harnessOption {
	return func(_ *Dependencies, h *harness) {
		h.options = append(h.options, options...)
	}
}

func newHarness(test *testing.T, options ...harnessOption) *harness {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/callbook.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	h := &harness{
		store:     gormstore.New(db),
		rooms:     &stubRooms{},
		notifier:  &stubNotifier{},
		publisher: &stubPublisher{},
		clock:     clock.NewManual(testNow),
	}
	h.ledger, err = ledger.NewService(h.store, clock.UnixFunc(h.clock))
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	dependencies := Dependencies{
		Bookings:     h.store,
		Availability: h.store,
		Ledger:       h.ledger,
		Rooms:        h.rooms,
		Notifier:     h.notifier,
		Publisher:    h.publisher,
		Clock:        h.clock,
	}
	for _, option := range options {
		option(&dependencies, h)
	}
	sequence := 0
	h.service, err = New(dependencies, DefaultConfig, append(h.options, WithIDGenerator(func() string {
		sequence++
		return fmt.Sprintf("booking-%d", sequence)
	}))...)
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}
	return h
}

func (h *harness) grant(test *testing.T, user string, amount int64) {
	test.Helper()
	userID := mustUserID(test, user)
	credits, err := ledger.NewPositiveCredits(amount)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	key, err := ledger.NewIdempotencyKey(fmt.Sprintf("grant:%s:%d", user, amount))
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	metadata, err := ledger.NewMetadataJSON("{}")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	if err := h.ledger.Grant(context.Background(), userID, credits, key, 0, metadata); err != nil {
		test.Fatalf("grant: %v", err)
	}
}

func (h *harness) balance(test *testing.T, user string) ledger.Balance {
	test.Helper()
	balance, err := h.ledger.Balance(context.Background(), mustUserID(test, user))
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance
}

func (h *harness) create(test *testing.T) booking.Booking {
	test.Helper()
	record, err := h.service.CreateBooking(context.Background(), Request{PayerID: testPayer, PayeeID: testPayee, Start: testStart, DurationMinutes: 30})
	if err != nil {
		test.Fatalf("create booking: %v", err)
	}
	return record
}

func (h *harness) scheduled(test *testing.T) booking.Booking {
	test.Helper()
	record := h.create(test)
	confirmed, err := h.service.Confirm(context.Background(), record.ID, testPayee)
	if err != nil {
		test.Fatalf("confirm: %v", err)
	}
	return confirmed
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func expectBalance(test *testing.T, balance ledger.Balance, total int64, available int64) {
	test.Helper()
	if balance.Total.Int64() != total || balance.Available.Int64() != available {
		test.Fatalf("expected total %d available %d, got %+v", total, available, balance)
	}
}

func TestNewRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	if _, err := New(Dependencies{}, DefaultConfig); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
	config := DefaultConfig
	config.FeeBasisPoints = 10001
	if err := config.Validate(); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected fee validation error, got %v", err)
	}
}

func TestCreateBookingEscrowsAndProvisions(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.grant(test, testPayer, 1000)

	record := h.create(test)
	if record.Status != booking.StatusPending {
		test.Fatalf("expected pending, got %s", record.Status)
	}
	if record.RoomURL != "https://rooms.test/"+record.ID {
		test.Fatalf("unexpected room url %q", record.RoomURL)
	}
	if record.ReservedCredits != 150 || record.Payout != 120 || record.PlatformFee != 30 {
		test.Fatalf("unexpected amounts %+v", record)
	}
	expectBalance(test, h.balance(test, testPayer), 1000, 850)

	if kinds := h.notifier.kinds(testPayee); len(kinds) != 1 || kinds[0] != NotifyBookingRequested {
		test.Fatalf("expected payee request notification, got %v", kinds)
	}
	if len(h.publisher.published) != 1 {
		test.Fatalf("expected one realtime publish, got %d", len(h.publisher.published))
	}
}

func TestCreateBookingRejectsInvalidRequests(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.grant(test, testPayer, 1000)

	testCases := []struct {
		name    string
		request Request
	}{
		{name: "self booking", request: Request{PayerID: testPayer, PayeeID: testPayer, Start: testStart, DurationMinutes: 30}},
		{name: "missing payee", request: Request{PayerID: testPayer, Start: testStart, DurationMinutes: 30}},
		{name: "unsupported duration", request: Request{PayerID: testPayer, PayeeID: testPayee, Start: testStart, DurationMinutes: 45}},
		{name: "misaligned", request: Request{PayerID: testPayer, PayeeID: testPayee, Start: testStart.Add(10 * time.Minute), DurationMinutes: 30}},
		{name: "too soon", request: Request{PayerID: testPayer, PayeeID: testPayee, Start: testNow, DurationMinutes: 30}},
		{name: "beyond horizon", request: Request{PayerID: testPayer, PayeeID: testPayee, Start: testStart.AddDate(0, 0, 8), DurationMinutes: 30}},
	}
	for _, testCase := range testCases {
		_, err := h.service.CreateBooking(context.Background(), testCase.request)
		if !errors.Is(err, booking.ErrValidation) {
			test.Fatalf("%s: expected ErrValidation, got %v", testCase.name, err)
		}
	}
	if len(h.rooms.created) != 0 {
		test.Fatalf("no room should be provisioned for invalid requests")
	}
}

func TestCreateBookingInsufficientCredits(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.grant(test, testPayer, 100)

	_, err := h.service.CreateBooking(context.Background(), Request{PayerID: testPayer, PayeeID: testPayee, Start: testStart, DurationMinutes: 30})
	if !errors.Is(err, booking.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if _, err := h.store.Get(context.Background(), "booking-1"); !errors.Is(err, booking.ErrNotFound) {
		test.Fatalf("no booking should exist, got %v", err)
	}
	expectBalance(test, h.balance(test, testPayer), 100, 100)
}

func TestCreateBookingRoomFailureRollsBack(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.grant(test, testPayer, 1000)
	h.rooms.createErr = errors.New("provider timeout")

	_, err := h.service.CreateBooking(context.Background(), Request{PayerID: testPayer, PayeeID: testPayee, Start: testStart, DurationMinutes: 30})
	if !errors.Is(err, booking.ErrRoomProvisioningFailed) {
		test.Fatalf("expected ErrRoomProvisioningFailed, got %v", err)
	}
	var sagaError *saga.Error
	if !errors.As(err, &sagaError) || sagaError.Step != StepProvisionRoom || sagaError.Compensation != nil {
		test.Fatalf("unexpected saga error %#v", sagaError)
	}
	if _, err := h.store.Get(context.Background(), "booking-1"); !errors.Is(err, booking.ErrNotFound) {
		test.Fatalf("draft should be deleted, got %v", err)
	}
	expectBalance(test, h.balance(test, testPayer), 1000, 1000)
	if len(h.notifier.sent) != 0 {
		test.Fatalf("no notification expected on rollback")
	}
}

func TestCreateBookingPromotionFailureUndoesEveryStep(test *testing.T) {
	test.Parallel()
	h := newHarness(test, withBookingStore(func(store *gormstore.Store) booking.Store {
		return promoteFailingStore{Store: store}
	}))
	h.grant(test, testPayer, 1000)

	_, err := h.service.CreateBooking(context.Background(), Request{PayerID: testPayer, PayeeID: testPayee, Start: testStart, DurationMinutes: 30})
	var sagaError *saga.Error
	if !errors.As(err, &sagaError) || sagaError.Step != StepPromotePending {
		test.Fatalf("expected promotion failure, got %v", err)
	}
	if len(h.rooms.deleted) != 1 || h.rooms.deleted[0] != "booking-1" {
		test.Fatalf("room should be torn down, got %v", h.rooms.deleted)
	}
	if _, err := h.store.Get(context.Background(), "booking-1"); !errors.Is(err, booking.ErrNotFound) {
		test.Fatalf("draft should be deleted, got %v", err)
	}
	expectBalance(test, h.balance(test, testPayer), 1000, 1000)
}

func TestCreateBookingConflictsWithExistingBooking(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.grant(test, testPayer, 1000)
	h.grant(test, "payer-2", 1000)
	h.create(test)

	_, err := h.service.CreateBooking(context.Background(), Request{PayerID: "payer-2", PayeeID: testPayee, Start: testStart, DurationMinutes: 60})
	if !errors.Is(err, booking.ErrConflict) {
		test.Fatalf("expected ErrConflict, got %v", err)
	}
	expectBalance(test, h.balance(test, "payer-2"), 1000, 1000)
}

func TestConcurrentCreateForSameSlotAdmitsOne(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.grant(test, testPayer, 1000)
	h.grant(test, "payer-2", 1000)

	var wait sync.WaitGroup
	results := make(chan error, 2)
	for _, payer := range []string{testPayer, "payer-2"} {
		wait.Add(1)
		go func(payer string) {
			defer wait.Done()
			_, err := h.service.CreateBooking(context.Background(), Request{PayerID: payer, PayeeID: testPayee, Start: testStart, DurationMinutes: 30})
			results <- err
		}(payer)
	}
	wait.Wait()
	close(results)

	successes, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, booking.ErrConflict):
			conflicts++
		default:
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		test.Fatalf("expected one success and one conflict, got %d/%d", successes, conflicts)
	}
}

func TestCompletedCallPaysPayee(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.grant(test, testPayer, 1000)
	ctx := context.Background()

	record := h.create(test)
	if _, err := h.service.Confirm(ctx, record.ID, testPayer); !errors.Is(err, booking.ErrForbidden) {
		test.Fatalf("payer must not confirm, got %v", err)
	}
	if _, err := h.service.Confirm(ctx, record.ID, testPayee); err != nil {
		test.Fatalf("confirm: %v", err)
	}

	h.clock.Set(testStart.Add(-10 * time.Minute))
	if _, err := h.service.Join(ctx, record.ID, testPayer); !errors.Is(err, booking.ErrSessionTiming) {
		test.Fatalf("expected early join rejection, got %v", err)
	}
	h.clock.Set(testStart.Add(-2 * time.Minute))
	ticket, err := h.service.Join(ctx, record.ID, testPayer)
	if err != nil {
		test.Fatalf("payer join: %v", err)
	}
	if ticket.Party != booking.PartyPayer || ticket.Token == "" || ticket.RoomURL != record.RoomURL {
		test.Fatalf("unexpected ticket %+v", ticket)
	}
	if ticket.GracePeriodSeconds != 300 || ticket.EarlyJoinSeconds != 300 {
		test.Fatalf("expected server deadlines on the ticket, got %+v", ticket)
	}
	if _, err := h.service.MarkBothJoined(ctx, record.ID); !errors.Is(err, booking.ErrValidation) {
		test.Fatalf("expected both-joined validation, got %v", err)
	}
	if _, err := h.service.Join(ctx, record.ID, "stranger"); !errors.Is(err, booking.ErrForbidden) {
		test.Fatalf("expected ErrForbidden for outsiders, got %v", err)
	}
	if _, err := h.service.Join(ctx, record.ID, testPayee); err != nil {
		test.Fatalf("payee join: %v", err)
	}

	h.clock.Set(testStart.Add(time.Minute))
	started, err := h.service.MarkBothJoined(ctx, record.ID)
	if err != nil || started.Status != booking.StatusInProgress || started.StartedAt == nil {
		test.Fatalf("mark both joined: %+v %v", started, err)
	}
	if again, err := h.service.MarkBothJoined(ctx, record.ID); err != nil || again.Status != booking.StatusInProgress {
		test.Fatalf("mark both joined should be idempotent: %v", err)
	}
	if _, err := h.service.CancelNoShow(ctx, record.ID); !errors.Is(err, booking.ErrStatusMismatch) {
		test.Fatalf("no-show after start must fail, got %v", err)
	}
	if _, err := h.service.Complete(ctx, record.ID); !errors.Is(err, booking.ErrSessionTiming) {
		test.Fatalf("early completion must fail, got %v", err)
	}

	h.clock.Set(testStart.Add(30 * time.Minute))
	completed, err := h.service.Complete(ctx, record.ID)
	if err != nil || completed.Status != booking.StatusCompleted {
		test.Fatalf("complete: %+v %v", completed, err)
	}
	if _, err := h.service.Complete(ctx, record.ID); err != nil {
		test.Fatalf("second completion should be a no-op: %v", err)
	}

	expectBalance(test, h.balance(test, testPayer), 850, 850)
	expectBalance(test, h.balance(test, testPayee), 120, 120)
	if len(h.rooms.deleted) != 1 {
		test.Fatalf("expected room teardown, got %v", h.rooms.deleted)
	}
	if _, err := h.service.Join(ctx, record.ID, testPayer); !errors.Is(err, booking.ErrSessionTiming) {
		test.Fatalf("joining a finished call must fail with timing, got %v", err)
	}
}

func TestNoShowReleasesReservation(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.grant(test, testPayer, 1000)
	ctx := context.Background()
	record := h.scheduled(test)

	h.clock.Set(testStart)
	if _, err := h.service.Join(ctx, record.ID, testPayer); err != nil {
		test.Fatalf("join: %v", err)
	}
	h.clock.Set(testStart.Add(5*time.Minute - time.Second))
	if _, err := h.service.CancelNoShow(ctx, record.ID); !errors.Is(err, booking.ErrSessionTiming) {
		test.Fatalf("expected grace rejection, got %v", err)
	}
	h.clock.Set(testStart.Add(5 * time.Minute))
	cancelled, err := h.service.CancelNoShow(ctx, record.ID)
	if err != nil || cancelled.Status != booking.StatusCancelledNoShow {
		test.Fatalf("cancel no-show: %+v %v", cancelled, err)
	}
	if _, err := h.service.CancelNoShow(ctx, record.ID); err != nil {
		test.Fatalf("repeat no-show should be a no-op: %v", err)
	}
	expectBalance(test, h.balance(test, testPayer), 1000, 1000)
	expectBalance(test, h.balance(test, testPayee), 0, 0)
	if kinds := h.notifier.kinds(testPayee); kinds[len(kinds)-1] != NotifySessionNoShow {
		test.Fatalf("payee should hear about the no-show, got %v", kinds)
	}
}

func TestDeclineAndCancelRelease(test *testing.T) {
	test.Parallel()
	ctx := context.Background()

	test.Run("decline", func(test *testing.T) {
		test.Parallel()
		h := newHarness(test)
		h.grant(test, testPayer, 1000)
		record := h.create(test)
		if _, err := h.service.Decline(ctx, record.ID, testPayer); !errors.Is(err, booking.ErrForbidden) {
			test.Fatalf("payer must not decline, got %v", err)
		}
		declined, err := h.service.Decline(ctx, record.ID, testPayee)
		if err != nil || declined.Status != booking.StatusDeclined {
			test.Fatalf("decline: %+v %v", declined, err)
		}
		expectBalance(test, h.balance(test, testPayer), 1000, 1000)
	})

	test.Run("cancel before join", func(test *testing.T) {
		test.Parallel()
		h := newHarness(test)
		h.grant(test, testPayer, 1000)
		record := h.scheduled(test)
		if _, err := h.service.Cancel(ctx, record.ID, "stranger"); !errors.Is(err, booking.ErrForbidden) {
			test.Fatalf("outsider must not cancel, got %v", err)
		}
		cancelled, err := h.service.Cancel(ctx, record.ID, testPayer)
		if err != nil || cancelled.Status != booking.StatusCancelled {
			test.Fatalf("cancel: %+v %v", cancelled, err)
		}
		expectBalance(test, h.balance(test, testPayer), 1000, 1000)
		if _, err := h.service.Confirm(ctx, record.ID, testPayee); !errors.Is(err, booking.ErrStatusMismatch) {
			test.Fatalf("confirming a cancelled booking must fail, got %v", err)
		}
	})

	test.Run("cancel after join", func(test *testing.T) {
		test.Parallel()
		h := newHarness(test)
		h.grant(test, testPayer, 1000)
		record := h.scheduled(test)
		h.clock.Set(testStart)
		if _, err := h.service.Join(ctx, record.ID, testPayee); err != nil {
			test.Fatalf("join: %v", err)
		}
		if _, err := h.service.Cancel(ctx, record.ID, testPayer); !errors.Is(err, booking.ErrValidation) {
			test.Fatalf("expected cancellation to be refused, got %v", err)
		}
	})
}

func TestExpireUnconfirmed(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.grant(test, testPayer, 1000)
	ctx := context.Background()
	record := h.create(test)

	if _, err := h.service.ExpireUnconfirmed(ctx, record.ID); !errors.Is(err, booking.ErrSessionTiming) {
		test.Fatalf("expected not-due rejection, got %v", err)
	}
	h.clock.Set(testStart)
	expired, err := h.service.ExpireUnconfirmed(ctx, record.ID)
	if err != nil || expired.Status != booking.StatusCancelled {
		test.Fatalf("expire: %+v %v", expired, err)
	}
	expectBalance(test, h.balance(test, testPayer), 1000, 1000)
	if len(h.rooms.deleted) != 1 {
		test.Fatalf("expected room teardown")
	}
}

func TestNotificationFailureDoesNotRollBack(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.grant(test, testPayer, 1000)
	h.notifier.err = errors.New("broker down")

	record := h.create(test)
	stored, err := h.service.Get(context.Background(), record.ID)
	if err != nil || stored.Status != booking.StatusPending {
		test.Fatalf("booking should persist: %+v %v", stored, err)
	}
}

func TestJoinTokenFailure(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.grant(test, testPayer, 1000)
	record := h.scheduled(test)
	h.rooms.tokenErr = errors.New("provider down")
	h.clock.Set(testStart)

	if _, err := h.service.Join(context.Background(), record.ID, testPayer); !errors.Is(err, booking.ErrRoomProvisioningFailed) {
		test.Fatalf("expected ErrRoomProvisioningFailed, got %v", err)
	}
}

func TestSlotsFollowPublishedAvailability(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.grant(test, testPayer, 1000)
	ctx := context.Background()

	schedule := booking.Schedule{Windows: []booking.Window{{Weekday: time.Monday, Start: "09:00", End: "12:00"}}}
	if err := h.service.PublishAvailability(ctx, testPayee, schedule); err != nil {
		test.Fatalf("publish: %v", err)
	}
	if err := h.service.PublishAvailability(ctx, testPayee, booking.Schedule{TimeZone: "Mars/Olympus"}); !errors.Is(err, booking.ErrValidation) {
		test.Fatalf("expected invalid schedule, got %v", err)
	}
	h.create(test)

	slots, err := h.service.Slots(ctx, testPayee, testStart, 60)
	if err != nil {
		test.Fatalf("slots: %v", err)
	}
	expected := []time.Time{
		time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2026, time.March, 2, 10, 30, 0, 0, time.UTC),
		time.Date(2026, time.March, 2, 11, 0, 0, 0, time.UTC),
	}
	if len(slots) != len(expected) {
		test.Fatalf("expected %v, got %v", expected, slots)
	}
	for index := range expected {
		if !slots[index].Equal(expected[index]) {
			test.Fatalf("slot %d: expected %v, got %v", index, expected[index], slots[index])
		}
	}

	_, err = h.service.CreateBooking(ctx, Request{PayerID: testPayer, PayeeID: testPayee, Start: time.Date(2026, time.March, 2, 13, 0, 0, 0, time.UTC), DurationMinutes: 30})
	if !errors.Is(err, booking.ErrValidation) {
		test.Fatalf("expected out-of-window rejection, got %v", err)
	}
}

func TestKeyedMutexSerializesPerKey(test *testing.T) {
	test.Parallel()
	locks := newKeyedMutex()
	counter := 0
	var wait sync.WaitGroup
	for index := 0; index < 50; index++ {
		wait.Add(1)
		go func() {
			defer wait.Done()
			unlock := locks.Lock("payee")
			counter++
			unlock()
		}()
	}
	wait.Wait()
	if counter != 50 {
		test.Fatalf("expected 50 increments, got %d", counter)
	}
	if len(locks.locks) != 0 {
		test.Fatalf("expected idle keys to be dropped, got %d", len(locks.locks))
	}
}

func TestCreateBookingReserveShortfallRollsBack(test *testing.T) {
	test.Parallel()
	h := newHarness(test, withLedger(func(inner Ledger) Ledger { return drainedLedger{Ledger: inner} }))
	h.grant(test, testPayer, 1000)

	_, err := h.service.CreateBooking(context.Background(), Request{PayerID: testPayer, PayeeID: testPayee, Start: testStart, DurationMinutes: 30})
	if !errors.Is(err, booking.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	var sagaError *saga.Error
	if !errors.As(err, &sagaError) || sagaError.Step != StepReserveCredits || sagaError.Compensation != nil {
		test.Fatalf("unexpected saga error %#v", sagaError)
	}
	if _, err := h.store.Get(context.Background(), "booking-1"); !errors.Is(err, booking.ErrNotFound) {
		test.Fatalf("draft should be deleted, got %v", err)
	}
	reservationID, err := ledger.NewReservationID("booking-1")
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	key, err := ledger.NewIdempotencyKey("check:booking-1")
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	metadata, err := ledger.NewMetadataJSON("{}")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	if err := h.ledger.Release(context.Background(), mustUserID(test, testPayer), reservationID, key, metadata); !errors.Is(err, ledger.ErrUnknownReservation) {
		test.Fatalf("no reservation should exist, got %v", err)
	}
	expectBalance(test, h.balance(test, testPayer), 1000, 1000)
	if len(h.rooms.created) != 0 {
		test.Fatalf("no room should be provisioned")
	}
}

func TestFailedSettlementIsRetried(test *testing.T) {
	test.Parallel()
	flaky := &flakyReleaseLedger{failures: 1}
	h := newHarness(test, withLedger(func(inner Ledger) Ledger {
		flaky.Ledger = inner
		return flaky
	}))
	h.grant(test, testPayer, 1000)
	ctx := context.Background()
	record := h.scheduled(test)

	h.clock.Set(testStart.Add(5 * time.Minute))
	if _, err := h.service.CancelNoShow(ctx, record.ID); err == nil {
		test.Fatalf("expected the first release to fail")
	}
	stored, err := h.store.Get(ctx, record.ID)
	if err != nil || stored.Status != booking.StatusCancelledNoShow || stored.SettledAt != nil {
		test.Fatalf("expected an unsettled no-show, got %+v %v", stored, err)
	}
	expectBalance(test, h.balance(test, testPayer), 1000, 850)

	h.clock.Set(testStart.Add(10 * time.Minute))
	outstanding, err := h.store.ListUnsettled(ctx, h.clock.Now())
	if err != nil || len(outstanding) != 1 || outstanding[0].ID != record.ID {
		test.Fatalf("expected the booking to be listed as unsettled, got %+v %v", outstanding, err)
	}
	settled, err := h.service.RetrySettlement(ctx, record.ID)
	if err != nil || settled.SettledAt == nil {
		test.Fatalf("retry settlement: %+v %v", settled, err)
	}
	expectBalance(test, h.balance(test, testPayer), 1000, 1000)
	if _, err := h.service.RetrySettlement(ctx, record.ID); err != nil {
		test.Fatalf("repeat retry should be a no-op: %v", err)
	}
	expectBalance(test, h.balance(test, testPayer), 1000, 1000)
	outstanding, err = h.store.ListUnsettled(ctx, h.clock.Now())
	if err != nil || len(outstanding) != 0 {
		test.Fatalf("expected nothing outstanding, got %+v %v", outstanding, err)
	}
}

func TestRetrySettlementRejectsLiveBookings(test *testing.T) {
	test.Parallel()
	h := newHarness(test)
	h.grant(test, testPayer, 1000)
	record := h.scheduled(test)
	if _, err := h.service.RetrySettlement(context.Background(), record.ID); !errors.Is(err, booking.ErrStatusMismatch) {
		test.Fatalf("expected ErrStatusMismatch, got %v", err)
	}
}

func TestStalledNotifierDoesNotHoldTransitions(test *testing.T) {
	test.Parallel()
	h := newHarness(test,
		func(dependencies *Dependencies, _ *harness) { dependencies.Notifier = stalledNotifier{} },
		withServiceOptions(WithNotificationTimeout(50*time.Millisecond)),
	)
	h.grant(test, testPayer, 1000)

	done := make(chan error, 1)
	go func() {
		record, err := h.service.CreateBooking(context.Background(), Request{PayerID: testPayer, PayeeID: testPayee, Start: testStart, DurationMinutes: 30})
		if err == nil && record.Status != booking.StatusPending {
			err = fmt.Errorf("unexpected status %s", record.Status)
		}
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			test.Fatalf("create booking: %v", err)
		}
	case <-time.After(5 * time.Second):
		test.Fatalf("booking creation waited on the notifier")
	}
}

func TestJoinTicketSessionTiming(test *testing.T) {
	test.Parallel()
	base := session.DefaultTiming
	ticket := JoinTicket{GracePeriodSeconds: 900, EarlyJoinSeconds: 60}
	timing := ticket.SessionTiming(base)
	if timing.GracePeriod != 15*time.Minute || timing.EarlyJoinWindow != time.Minute {
		test.Fatalf("expected ticket deadlines, got %+v", timing)
	}
	if timing.TickInterval != base.TickInterval || len(timing.Warnings) != len(base.Warnings) {
		test.Fatalf("expected the rest of the base timing to be kept, got %+v", timing)
	}
	if fallback := (JoinTicket{}).SessionTiming(base); fallback.GracePeriod != base.GracePeriod || fallback.EarlyJoinWindow != base.EarlyJoinWindow {
		test.Fatalf("expected base timing without ticket deadlines, got %+v", fallback)
	}
}
