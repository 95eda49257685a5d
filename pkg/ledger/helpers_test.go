package ledger

import (
	"context"
	"fmt"
	"testing"
)

type stubStore struct {
	accounts               map[UserID]AccountID
	totals                 map[AccountID]Credits
	reservations           map[ReservationID]Reservation
	entries                []EntryInput
	listEntries            []Entry
	idempotency            map[IdempotencyKey]struct{}
	getAccountError        error
	sumTotalError          error
	sumActiveHoldsError    error
	insertEntryError       error
	insertEntryErrorType   EntryType
	createReservationError error
	getReservationError    error
	updateReservationError error
	listErr                error
	listedBefore           int64
	listedLimit            int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:     make(map[UserID]AccountID),
		totals:       make(map[AccountID]Credits),
		reservations: make(map[ReservationID]Reservation),
		idempotency:  make(map[IdempotencyKey]struct{}),
	}
}

func (store *stubStore) seed(test *testing.T, userID UserID, total Credits) AccountID {
	test.Helper()
	accountID := store.accountFor(userID)
	store.totals[accountID] = total
	return accountID
}

func (store *stubStore) accountFor(userID UserID) AccountID {
	if accountID, ok := store.accounts[userID]; ok {
		return accountID
	}
	accountID := AccountID{value: fmt.Sprintf("acct-%d", len(store.accounts)+1)}
	store.accounts[userID] = accountID
	return accountID
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateAccountID(ctx context.Context, userID UserID) (AccountID, error) {
	if store.getAccountError != nil {
		return AccountID{}, store.getAccountError
	}
	return store.accountFor(userID), nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entryInput EntryInput) error {
	if store.insertEntryError != nil && (store.insertEntryErrorType == "" || store.insertEntryErrorType == entryInput.Type()) {
		return store.insertEntryError
	}
	if _, exists := store.idempotency[entryInput.IdempotencyKey()]; exists {
		return ErrDuplicateIdempotencyKey
	}
	store.idempotency[entryInput.IdempotencyKey()] = struct{}{}
	store.entries = append(store.entries, entryInput)
	switch entryInput.Type() {
	case EntryGrant, EntrySpend, EntryPayout:
		updated := store.totals[entryInput.AccountID()].Int64() + entryInput.Amount().Int64()
		if updated < 0 {
			return ErrInvalidBalance
		}
		store.totals[entryInput.AccountID()] = Credits(updated)
	}
	return nil
}

func (store *stubStore) SumTotal(ctx context.Context, accountID AccountID, _ int64) (Credits, error) {
	if store.sumTotalError != nil {
		return 0, store.sumTotalError
	}
	return store.totals[accountID], nil
}

func (store *stubStore) SumActiveHolds(ctx context.Context, accountID AccountID, _ int64) (Credits, error) {
	if store.sumActiveHoldsError != nil {
		return 0, store.sumActiveHoldsError
	}
	var sum int64
	for _, reservation := range store.reservations {
		if reservation.AccountID() == accountID && reservation.Status() == ReservationStatusActive {
			sum += reservation.Amount().Int64()
		}
	}
	return NewCredits(sum)
}

func (store *stubStore) CreateReservation(ctx context.Context, reservation Reservation) error {
	if store.createReservationError != nil {
		return store.createReservationError
	}
	if _, exists := store.reservations[reservation.ReservationID()]; exists {
		return ErrReservationExists
	}
	store.reservations[reservation.ReservationID()] = reservation
	return nil
}

func (store *stubStore) GetReservation(ctx context.Context, accountID AccountID, reservationID ReservationID) (Reservation, error) {
	if store.getReservationError != nil {
		return Reservation{}, store.getReservationError
	}
	reservation, ok := store.reservations[reservationID]
	if !ok || reservation.AccountID() != accountID {
		return Reservation{}, ErrUnknownReservation
	}
	return reservation, nil
}

func (store *stubStore) UpdateReservationStatus(ctx context.Context, accountID AccountID, reservationID ReservationID, from, to ReservationStatus) error {
	if store.updateReservationError != nil {
		return store.updateReservationError
	}
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	if reservation.Status() != from {
		return ErrReservationClosed
	}
	updated, err := NewReservation(reservation.AccountID(), reservation.ReservationID(), reservation.Amount(), to)
	if err != nil {
		return err
	}
	store.reservations[reservationID] = updated
	return nil
}

func (store *stubStore) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if store.listErr != nil {
		return nil, store.listErr
	}
	store.listedBefore = beforeUnixUTC
	store.listedLimit = limit
	return store.listEntries, nil
}

func (store *stubStore) mustReservation(test *testing.T, reservationID ReservationID) Reservation {
	test.Helper()
	reservation, ok := store.reservations[reservationID]
	if !ok {
		test.Fatalf("reservation %s not found", reservationID.String())
	}
	return reservation
}

func (store *stubStore) entriesFor(accountID AccountID) []EntryInput {
	var out []EntryInput
	for _, entry := range store.entries {
		if entry.AccountID() == accountID {
			out = append(out, entry)
		}
	}
	return out
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustEntryID(test *testing.T, raw string) EntryID {
	test.Helper()
	entryID, err := NewEntryID(raw)
	if err != nil {
		test.Fatalf("entry id: %v", err)
	}
	return entryID
}

func mustReservationID(test *testing.T, raw string) ReservationID {
	test.Helper()
	reservationID, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return reservationID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustCredits(test *testing.T, raw int64) Credits {
	test.Helper()
	amount, err := NewCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return amount
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	amount, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("positive credits: %v", err)
	}
	return amount
}

func mustEntryCredits(test *testing.T, raw int64) EntryCredits {
	test.Helper()
	amount, err := NewEntryCredits(raw)
	if err != nil {
		test.Fatalf("entry credits: %v", err)
	}
	return amount
}

func mustReservationRecord(test *testing.T, accountID AccountID, reservationID ReservationID, amount PositiveCredits, status ReservationStatus) Reservation {
	test.Helper()
	reservation, err := NewReservation(accountID, reservationID, amount, status)
	if err != nil {
		test.Fatalf("reservation: %v", err)
	}
	return reservation
}

func mustEntry(test *testing.T, entryID EntryID, accountID AccountID, entryType EntryType, amount EntryCredits, idempotencyKey IdempotencyKey, metadata MetadataJSON) Entry {
	test.Helper()
	entry, err := NewEntry(entryID, accountID, entryType, amount, nil, idempotencyKey, 0, metadata, 100)
	if err != nil {
		test.Fatalf("entry: %v", err)
	}
	return entry
}
