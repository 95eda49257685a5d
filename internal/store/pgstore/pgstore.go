// Package pgstore implements ledger.Store directly on pgx for postgres deployments.
// It shares the accounts, ledger_entries and reservations tables migrated by gormstore.
package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/callbook/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintAccountIdempotencyKey = "uniq_entry_account_idem"
	constraintReservationPrimary    = "reservations_pkey"
	pgUniqueViolationCode           = "23505"
	errorOperationStore             = "store"
	errorSubjectAccount             = "account"
	errorSubjectBalance             = "balance"
	errorSubjectEntry               = "entry"
	errorSubjectReservation         = "reservation"
	errorSubjectTransaction         = "transaction"
	errorCodeBegin                  = "begin"
	errorCodeCommit                 = "commit"
	errorCodeCreate                 = "create"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeLookup                 = "lookup"
	errorCodeSumActiveHolds         = "sum_active_holds"
	errorCodeSumTotal               = "sum_total"
	errorCodeUpdateStatus           = "update_status"

	sqlInsertOrGetAccount = `
		insert into accounts(account_id, user_id, created_at) values(gen_random_uuid(), $1, now())
		on conflict (user_id) do update set user_id = excluded.user_id
		returning account_id::text
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, account_id, type, amount, reservation_id, idempotency_key, expires_at, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3,
			nullif($4,''), $5,
			to_timestamp(nullif($6,0)),
			coalesce(nullif($7,''),'{}')::jsonb,
			to_timestamp($8)
		)
	`

	sqlSumTotal = `
		select coalesce(sum(amount),0) from ledger_entries
		where account_id = $1 and (expires_at is null or expires_at > to_timestamp($2))
		and type <> 'hold' and type <> 'reverse_hold'
	`

	sqlSumActiveHolds = `
		select coalesce(sum(amount),0) from reservations
		where account_id = $1 and status = 'active'
	`

	sqlInsertReservation = `
		insert into reservations(account_id, reservation_id, amount, status, created_at, updated_at)
		values ($1, $2, $3, $4, now(), now())
	`

	sqlSelectReservation = `
		select account_id::text, reservation_id, amount, status
		from reservations
		where account_id = $1 and reservation_id = $2
		for update
	`

	sqlUpdateReservationStatus = `
		update reservations
		set status = $4, updated_at = now()
		where account_id = $1 and reservation_id = $2 and status = $3
	`

	sqlListEntriesBefore = `
		select
			entry_id::text,
			account_id::text,
			type,
			amount,
			coalesce(reservation_id,''),
			idempotency_key,
			coalesce(extract(epoch from expires_at)::bigint,0),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`
)

// querier is the part of pgxpool.Pool and pgx.Tx the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit) or an open transaction.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx runs fn in a transaction. Nested calls reuse the open transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccountID(ctx context.Context, userID ledger.UserID) (ledger.AccountID, error) {
	var accountIDValue string
	if err := store.db.QueryRow(ctx, sqlInsertOrGetAccount, userID.String()).Scan(&accountIDValue); err != nil {
		return ledger.AccountID{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	accountID, err := ledger.NewAccountID(accountIDValue)
	if err != nil {
		return ledger.AccountID{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return accountID, nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) error {
	reservationID := ""
	if reservationValue, hasReservation := entryInput.ReservationID(); hasReservation {
		reservationID = reservationValue.String()
	}
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entryInput.AccountID().String(),
		entryInput.Type().String(),
		entryInput.Amount().Int64(),
		reservationID,
		entryInput.IdempotencyKey().String(),
		entryInput.ExpiresAtUnixUTC(),
		entryInput.MetadataJSON().String(),
		entryInput.CreatedUnixUTC(),
	)
	if isUniqueViolation(err, constraintAccountIdempotencyKey) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumTotal(ctx context.Context, accountID ledger.AccountID, atUnixUTC int64) (ledger.Credits, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumTotal, accountID.String(), atUnixUTC).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumTotal, err)
	}
	total, err := ledger.NewCredits(sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return total, nil
}

func (store *Store) SumActiveHolds(ctx context.Context, accountID ledger.AccountID, _ int64) (ledger.Credits, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumActiveHolds, accountID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumActiveHolds, err)
	}
	activeHolds, err := ledger.NewCredits(sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return activeHolds, nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	_, err := store.db.Exec(ctx, sqlInsertReservation,
		reservation.AccountID().String(),
		reservation.ReservationID().String(),
		reservation.Amount().Int64(),
		reservation.Status().String(),
	)
	if isUniqueViolation(err, constraintReservationPrimary) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, accountID ledger.AccountID, reservationID ledger.ReservationID) (ledger.Reservation, error) {
	var (
		accountValue     string
		reservationValue string
		statusValue      string
		amountValue      int64
	)
	err := store.db.QueryRow(ctx, sqlSelectReservation, accountID.String(), reservationID.String()).Scan(
		&accountValue,
		&reservationValue,
		&amountValue,
		&statusValue,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrUnknownReservation)
		}
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := parseReservation(accountValue, reservationValue, amountValue, statusValue)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, accountID ledger.AccountID, reservationID ledger.ReservationID, from, to ledger.ReservationStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateReservationStatus, accountID.String(), reservationID.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, ledger.ErrReservationClosed)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, accountID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func parseReservation(accountValue string, reservationValue string, amountValue int64, statusValue string) (ledger.Reservation, error) {
	accountID, err := ledger.NewAccountID(accountValue)
	if err != nil {
		return ledger.Reservation{}, err
	}
	reservationID, err := ledger.NewReservationID(reservationValue)
	if err != nil {
		return ledger.Reservation{}, err
	}
	amount, err := ledger.NewPositiveCredits(amountValue)
	if err != nil {
		return ledger.Reservation{}, err
	}
	status, err := ledger.ParseReservationStatus(statusValue)
	if err != nil {
		return ledger.Reservation{}, err
	}
	return ledger.NewReservation(accountID, reservationID, amount, status)
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue     string
			accountIDValue   string
			entryTypeValue   string
			amountValue      int64
			reservationValue string
			idempotencyValue string
			expiresAtUnixUTC int64
			metadataValue    string
			createdAtUnixUTC int64
		)
		if err := rows.Scan(
			&entryIDValue,
			&accountIDValue,
			&entryTypeValue,
			&amountValue,
			&reservationValue,
			&idempotencyValue,
			&expiresAtUnixUTC,
			&metadataValue,
			&createdAtUnixUTC,
		); err != nil {
			return nil, err
		}
		entry, err := parseEntry(entryIDValue, accountIDValue, entryTypeValue, amountValue, reservationValue, idempotencyValue, expiresAtUnixUTC, metadataValue, createdAtUnixUTC)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func parseEntry(entryIDValue string, accountIDValue string, entryTypeValue string, amountValue int64, reservationValue string, idempotencyValue string, expiresAtUnixUTC int64, metadataValue string, createdAtUnixUTC int64) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(entryIDValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	accountID, err := ledger.NewAccountID(accountIDValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(entryTypeValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewEntryCredits(amountValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	var reservationID *ledger.ReservationID
	if reservationValue != "" {
		parsedReservationID, err := ledger.NewReservationID(reservationValue)
		if err != nil {
			return ledger.Entry{}, err
		}
		reservationID = &parsedReservationID
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(idempotencyValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.NewEntry(entryID, accountID, entryType, amount, reservationID, idempotencyKey, expiresAtUnixUTC, metadata, createdAtUnixUTC)
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
