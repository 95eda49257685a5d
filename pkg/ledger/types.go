package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a non-negative integer credit amount.
type Credits int64

// PositiveCredits is a credit amount strictly greater than zero.
type PositiveCredits int64

// EntryCredits is a signed credit delta written to the ledger.
type EntryCredits int64

// AccountID identifies a ledger account.
type AccountID struct {
	value string
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// ReservationID identifies a reservation.
type ReservationID struct {
	value string
}

// IdempotencyKey scopes duplicate detection.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// ReservationStatus defines reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusActive   ReservationStatus = "active"
	ReservationStatusCaptured ReservationStatus = "captured"
	ReservationStatusReleased ReservationStatus = "released"
)

// String returns the stored representation.
func (status ReservationStatus) String() string {
	return string(status)
}

// ParseReservationStatus validates a stored reservation status.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(strings.TrimSpace(raw)) {
	case ReservationStatusActive:
		return ReservationStatusActive, nil
	case ReservationStatusCaptured:
		return ReservationStatusCaptured, nil
	case ReservationStatusReleased:
		return ReservationStatusReleased, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryGrant       EntryType = "grant"
	EntryHold        EntryType = "hold"
	EntryReverseHold EntryType = "reverse_hold"
	EntrySpend       EntryType = "spend"
	EntryPayout      EntryType = "payout"
)

// String returns the stored representation.
func (entryType EntryType) String() string {
	return string(entryType)
}

// ParseEntryType validates a stored entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(strings.TrimSpace(raw)) {
	case EntryGrant:
		return EntryGrant, nil
	case EntryHold:
		return EntryHold, nil
	case EntryReverseHold:
		return EntryReverseHold, nil
	case EntrySpend:
		return EntrySpend, nil
	case EntryPayout:
		return EntryPayout, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// NewCredits validates a non-negative amount.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw amount.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// ToCredits widens the amount.
func (amount PositiveCredits) ToCredits() Credits {
	return Credits(amount)
}

// ToEntryCredits converts the amount into a positive ledger delta.
func (amount PositiveCredits) ToEntryCredits() EntryCredits {
	return EntryCredits(amount)
}

// NewEntryCredits validates a ledger delta; zero deltas are rejected.
func NewEntryCredits(raw int64) (EntryCredits, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must not be zero", ErrInvalidEntryCredits)
	}
	return EntryCredits(raw), nil
}

// Int64 returns the raw delta.
func (amount EntryCredits) Int64() int64 {
	return int64(amount)
}

// Negated flips the sign of the delta.
func (amount EntryCredits) Negated() EntryCredits {
	return -amount
}

func newIdentifier(raw string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", sentinel)
	}
	return trimmed, nil
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	value, err := newIdentifier(raw, ErrInvalidAccountID)
	if err != nil {
		return AccountID{}, err
	}
	return AccountID{value: value}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	value, err := newIdentifier(raw, ErrInvalidEntryID)
	if err != nil {
		return EntryID{}, err
	}
	return EntryID{value: value}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	value, err := newIdentifier(raw, ErrInvalidUserID)
	if err != nil {
		return UserID{}, err
	}
	return UserID{value: value}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	value, err := newIdentifier(raw, ErrInvalidReservationID)
	if err != nil {
		return ReservationID{}, err
	}
	return ReservationID{value: value}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	value, err := newIdentifier(raw, ErrInvalidIdempotencyKey)
	if err != nil {
		return IdempotencyKey{}, err
	}
	return IdempotencyKey{value: value}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Reservation represents a stored reservation record.
type Reservation struct {
	accountID     AccountID
	reservationID ReservationID
	amount        PositiveCredits
	status        ReservationStatus
}

// NewReservation validates a reservation record.
func NewReservation(accountID AccountID, reservationID ReservationID, amount PositiveCredits, status ReservationStatus) (Reservation, error) {
	if accountID.String() == "" {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if reservationID.String() == "" {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	if amount <= 0 {
		return Reservation{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	if _, err := ParseReservationStatus(status.String()); err != nil {
		return Reservation{}, err
	}
	return Reservation{accountID: accountID, reservationID: reservationID, amount: amount, status: status}, nil
}

func (reservation Reservation) AccountID() AccountID         { return reservation.accountID }
func (reservation Reservation) ReservationID() ReservationID { return reservation.reservationID }
func (reservation Reservation) Amount() PositiveCredits      { return reservation.amount }
func (reservation Reservation) Status() ReservationStatus    { return reservation.status }

// EntryInput is a validated entry waiting to be appended.
type EntryInput struct {
	accountID        AccountID
	entryType        EntryType
	amount           EntryCredits
	reservationID    *ReservationID
	idempotencyKey   IdempotencyKey
	expiresAtUnixUTC int64
	metadata         MetadataJSON
	createdUnixUTC   int64
}

// NewEntryInput validates an entry before it is written.
func NewEntryInput(accountID AccountID, entryType EntryType, amount EntryCredits, reservationID *ReservationID, idempotencyKey IdempotencyKey, expiresAtUnixUTC int64, metadata MetadataJSON, createdUnixUTC int64) (EntryInput, error) {
	if accountID.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseEntryType(entryType.String()); err != nil {
		return EntryInput{}, err
	}
	if amount == 0 {
		return EntryInput{}, fmt.Errorf("%w: must not be zero", ErrInvalidEntryCredits)
	}
	if idempotencyKey.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if reservationID != nil && reservationID.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return EntryInput{
		accountID:        accountID,
		entryType:        entryType,
		amount:           amount,
		reservationID:    reservationID,
		idempotencyKey:   idempotencyKey,
		expiresAtUnixUTC: expiresAtUnixUTC,
		metadata:         metadata,
		createdUnixUTC:   createdUnixUTC,
	}, nil
}

func (entry EntryInput) AccountID() AccountID           { return entry.accountID }
func (entry EntryInput) Type() EntryType                { return entry.entryType }
func (entry EntryInput) Amount() EntryCredits           { return entry.amount }
func (entry EntryInput) IdempotencyKey() IdempotencyKey { return entry.idempotencyKey }
func (entry EntryInput) ExpiresAtUnixUTC() int64        { return entry.expiresAtUnixUTC }
func (entry EntryInput) MetadataJSON() MetadataJSON     { return entry.metadata }
func (entry EntryInput) CreatedUnixUTC() int64          { return entry.createdUnixUTC }

// ReservationID returns the reservation the entry belongs to, if any.
func (entry EntryInput) ReservationID() (ReservationID, bool) {
	if entry.reservationID == nil {
		return ReservationID{}, false
	}
	return *entry.reservationID, true
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryInput
	entryID EntryID
}

// NewEntry validates a stored entry.
func NewEntry(entryID EntryID, accountID AccountID, entryType EntryType, amount EntryCredits, reservationID *ReservationID, idempotencyKey IdempotencyKey, expiresAtUnixUTC int64, metadata MetadataJSON, createdUnixUTC int64) (Entry, error) {
	if entryID.String() == "" {
		return Entry{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	input, err := NewEntryInput(accountID, entryType, amount, reservationID, idempotencyKey, expiresAtUnixUTC, metadata, createdUnixUTC)
	if err != nil {
		return Entry{}, err
	}
	return Entry{EntryInput: input, entryID: entryID}, nil
}

// EntryID returns the stored identifier.
func (entry Entry) EntryID() EntryID {
	return entry.entryID
}

// Balance view for an account.
type Balance struct {
	Total     Credits
	Available Credits
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccountID(ctx context.Context, userID UserID) (AccountID, error)
	InsertEntry(ctx context.Context, entry EntryInput) error
	SumTotal(ctx context.Context, accountID AccountID, atUnixUTC int64) (Credits, error)
	SumActiveHolds(ctx context.Context, accountID AccountID, atUnixUTC int64) (Credits, error)
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, accountID AccountID, reservationID ReservationID) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, accountID AccountID, reservationID ReservationID, from, to ReservationStatus) error
	ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error)
}
