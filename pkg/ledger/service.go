package ledger

import (
	"context"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns total and available (total minus active holds).
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	accountID, err := service.store.GetOrCreateAccountID(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return balanceOf(ctx, service.store, accountID, service.nowFn())
}

// Grant appends a positive grant (optionally expiring).
func (service *Service) Grant(ctx context.Context, userID UserID, amount PositiveCredits, idempotencyKey IdempotencyKey, expiresAtUnixUTC int64, metadata MetadataJSON) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		accountID, err := transactionStore.GetOrCreateAccountID(ctx, userID)
		if err != nil {
			return err
		}
		entryInput, err := NewEntryInput(
			accountID,
			EntryGrant,
			amount.ToEntryCredits(),
			nil,
			idempotencyKey,
			expiresAtUnixUTC,
			metadata,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, entryInput)
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		UserID:         userID,
		Amount:         amount.ToCredits(),
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return operationError
}

// Reserve appends a negative hold if sufficient available balance.
func (service *Service) Reserve(ctx context.Context, userID UserID, amount PositiveCredits, reservationID ReservationID, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		accountID, err := transactionStore.GetOrCreateAccountID(ctx, userID)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		balance, err := balanceOf(ctx, transactionStore, accountID, nowUnixUTC)
		if err != nil {
			return err
		}
		if balance.Available < amount.ToCredits() {
			return ErrInsufficientFunds
		}
		reservation, err := NewReservation(accountID, reservationID, amount, ReservationStatusActive)
		if err != nil {
			return err
		}
		if err := transactionStore.CreateReservation(ctx, reservation); err != nil {
			return err
		}
		entryInput, err := NewEntryInput(
			accountID,
			EntryHold,
			amount.ToEntryCredits().Negated(),
			&reservationID,
			idempotencyKey,
			0,
			metadata,
			nowUnixUTC,
		)
		if err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, entryInput)
	})
	reservationRef := reservationID
	service.logOperation(ctx, OperationLog{
		Operation:      operationReserve,
		UserID:         userID,
		ReservationID:  &reservationRef,
		Amount:         amount.ToCredits(),
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return operationError
}

// Capture finalizes a reservation: the payer's hold is reversed and the full reserved amount
// spent, and the payee is credited the payout share. Whatever the payout leaves over stays with
// the platform and is not posted anywhere. A zero payout writes no payee entry.
func (service *Service) Capture(ctx context.Context, payerID UserID, reservationID ReservationID, payeeID UserID, payout Credits, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	var reservedAmount Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if payerID == payeeID {
			return ErrSelfPayout
		}
		payerAccountID, err := transactionStore.GetOrCreateAccountID(ctx, payerID)
		if err != nil {
			return err
		}
		reservation, err := transactionStore.GetReservation(ctx, payerAccountID, reservationID)
		if err != nil {
			return err
		}
		if reservation.Status() != ReservationStatusActive {
			return ErrReservationClosed
		}
		reservedAmount = reservation.Amount().ToCredits()
		if payout < 0 || payout > reservedAmount {
			return fmt.Errorf("%w: %w", ErrInvalidCredits, ErrPayoutExceedsReservation)
		}
		if err := transactionStore.UpdateReservationStatus(ctx, payerAccountID, reservationID, ReservationStatusActive, ReservationStatusCaptured); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		postings := []struct {
			accountID AccountID
			entryType EntryType
			amount    EntryCredits
			suffix    string
		}{
			{accountID: payerAccountID, entryType: EntryReverseHold, amount: reservation.Amount().ToEntryCredits(), suffix: idempotencySuffixReverse},
			{accountID: payerAccountID, entryType: EntrySpend, amount: reservation.Amount().ToEntryCredits().Negated(), suffix: idempotencySuffixSpend},
		}
		if payout > 0 {
			payeeAccountID, err := transactionStore.GetOrCreateAccountID(ctx, payeeID)
			if err != nil {
				return err
			}
			postings = append(postings, struct {
				accountID AccountID
				entryType EntryType
				amount    EntryCredits
				suffix    string
			}{accountID: payeeAccountID, entryType: EntryPayout, amount: EntryCredits(payout), suffix: idempotencySuffixPayout})
		}
		for _, posting := range postings {
			postingKey, err := deriveIdempotencyKey(idempotencyKey, posting.suffix)
			if err != nil {
				return err
			}
			entryInput, err := NewEntryInput(
				posting.accountID,
				posting.entryType,
				posting.amount,
				&reservationID,
				postingKey,
				0,
				metadata,
				nowUnixUTC,
			)
			if err != nil {
				return err
			}
			if err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
				return err
			}
		}
		return nil
	})
	reservationRef := reservationID
	payeeRef := payeeID
	service.logOperation(ctx, OperationLog{
		Operation:      operationCapture,
		UserID:         payerID,
		Counterparty:   &payeeRef,
		ReservationID:  &reservationRef,
		Amount:         reservedAmount,
		Payout:         payout,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return operationError
}

// Release cancels a reservation by writing a reverse-hold entry.
func (service *Service) Release(ctx context.Context, userID UserID, reservationID ReservationID, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	var reservationAmount Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		accountID, err := transactionStore.GetOrCreateAccountID(ctx, userID)
		if err != nil {
			return err
		}
		reservation, err := transactionStore.GetReservation(ctx, accountID, reservationID)
		if err != nil {
			return err
		}
		if reservation.Status() != ReservationStatusActive {
			return ErrReservationClosed
		}
		reservationAmount = reservation.Amount().ToCredits()
		if err := transactionStore.UpdateReservationStatus(ctx, accountID, reservationID, ReservationStatusActive, ReservationStatusReleased); err != nil {
			return err
		}
		entryInput, err := NewEntryInput(
			accountID,
			EntryReverseHold,
			reservation.Amount().ToEntryCredits(),
			&reservationID,
			idempotencyKey,
			0,
			metadata,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, entryInput)
	})
	reservationRef := reservationID
	service.logOperation(ctx, OperationLog{
		Operation:      operationRelease,
		UserID:         userID,
		ReservationID:  &reservationRef,
		Amount:         reservationAmount,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func balanceOf(ctx context.Context, store Store, accountID AccountID, nowUnixUTC int64) (Balance, error) {
	total, err := store.SumTotal(ctx, accountID, nowUnixUTC)
	if err != nil {
		return Balance{}, err
	}
	holds, err := store.SumActiveHolds(ctx, accountID, nowUnixUTC)
	if err != nil {
		return Balance{}, err
	}
	available, err := calculateAvailable(total, holds)
	if err != nil {
		return Balance{}, err
	}
	return Balance{Total: total, Available: available}, nil
}

func deriveIdempotencyKey(baseKey IdempotencyKey, suffix string) (IdempotencyKey, error) {
	combined := baseKey.String() + idempotencyKeyDelimiter + suffix
	return NewIdempotencyKey(combined)
}

func calculateAvailable(total Credits, holds Credits) (Credits, error) {
	available, err := NewCredits(total.Int64() - holds.Int64())
	if err != nil {
		return 0, WrapError("service", "balance", "negative_available", ErrInvalidBalance)
	}
	return available, nil
}
