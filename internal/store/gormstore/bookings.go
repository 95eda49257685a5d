package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
	"github.com/MarkoPoloResearchLab/callbook/pkg/ledger"
	"gorm.io/gorm"
)

const (
	errorSubjectBooking      = "booking"
	errorSubjectAvailability = "availability"
	errorCodeDelete          = "delete"
	errorCodeOverlap         = "overlap"
	errorCodeRecordJoin      = "record_join"
	errorCodeMarkSettled     = "mark_settled"
	errorCodeReplace         = "replace"
)

// Create inserts a booking unless it overlaps a live booking of the same payee.
func (store *Store) Create(ctx context.Context, record booking.Booking) error {
	if err := record.Validate(); err != nil {
		return err
	}
	model := bookingModel(record)
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if transaction.Dialector.Name() == dialectPostgres {
			if err := transaction.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", record.PayeeID).Error; err != nil {
				return wrapStoreError(errorSubjectBooking, errorCodeOverlap, err)
			}
		}
		var overlapping int64
		err := transaction.Model(&Booking{}).
			Where("payee_id = ? AND status IN ?", record.PayeeID, statusStrings(booking.NonTerminalStatuses)).
			Where("scheduled_start < ? AND scheduled_end > ?", model.ScheduledEnd, model.ScheduledStart).
			Count(&overlapping).Error
		if err != nil {
			return wrapStoreError(errorSubjectBooking, errorCodeOverlap, err)
		}
		if overlapping > 0 {
			return wrapStoreError(errorSubjectBooking, errorCodeOverlap, booking.ErrConflict)
		}
		err = transaction.Create(&model).Error
		if isUniqueViolation(err, constraintBookingPrimary) {
			return wrapStoreError(errorSubjectBooking, errorCodeDuplicate, booking.ErrConflict)
		}
		if err != nil {
			return wrapStoreError(errorSubjectBooking, errorCodeCreate, err)
		}
		return nil
	})
}

func (store *Store) Get(ctx context.Context, bookingID string) (booking.Booking, error) {
	return store.getBooking(store.db.WithContext(ctx), bookingID)
}

func (store *Store) Delete(ctx context.Context, bookingID string) error {
	err := store.db.WithContext(ctx).Where("id = ?", bookingID).Delete(&Booking{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectBooking, errorCodeDelete, err)
	}
	return nil
}

// UpdateIfStatus applies update only while the booking is in one of the expected statuses.
func (store *Store) UpdateIfStatus(ctx context.Context, bookingID string, expected []booking.Status, update booking.Update) (booking.Booking, error) {
	var updated booking.Booking
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		values := map[string]any{
			"status":     update.Status.String(),
			"updated_at": update.At.UTC(),
		}
		if update.RoomURL != nil {
			values["room_url"] = *update.RoomURL
		}
		if update.StartedAt != nil {
			values["started_at"] = update.StartedAt.UTC()
		}
		if update.EndedAt != nil {
			values["ended_at"] = update.EndedAt.UTC()
		}
		result := transaction.Model(&Booking{}).
			Where("id = ? AND status IN ?", bookingID, statusStrings(expected)).
			Updates(values)
		if result.Error != nil {
			return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, result.Error)
		}
		current, err := store.getBooking(transaction, bookingID)
		if err != nil {
			return err
		}
		if result.RowsAffected == 0 {
			return wrapStoreError(errorSubjectBooking, errorCodeUpdateStatus, fmt.Errorf("%w: booking %s is %s", booking.ErrStatusMismatch, bookingID, current.Status))
		}
		updated = current
		return nil
	})
	if err != nil {
		return booking.Booking{}, err
	}
	return updated, nil
}

// RecordJoin stamps the party's first join; later joins leave the stamp untouched.
func (store *Store) RecordJoin(ctx context.Context, bookingID string, party booking.Party, at time.Time) (booking.Booking, error) {
	column := "payer_joined_at"
	if party == booking.PartyPayee {
		column = "payee_joined_at"
	}
	var updated booking.Booking
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		err := transaction.Model(&Booking{}).
			Where("id = ? AND "+column+" IS NULL", bookingID).
			Updates(map[string]any{column: at.UTC(), "updated_at": at.UTC()}).Error
		if err != nil {
			return wrapStoreError(errorSubjectBooking, errorCodeRecordJoin, err)
		}
		updated, err = store.getBooking(transaction, bookingID)
		return err
	})
	if err != nil {
		return booking.Booking{}, err
	}
	return updated, nil
}

func (store *Store) ListActiveForPayee(ctx context.Context, payeeID string, from time.Time, to time.Time) ([]booking.Booking, error) {
	var rows []Booking
	err := store.db.WithContext(ctx).
		Where("payee_id = ? AND status IN ?", payeeID, statusStrings(booking.NonTerminalStatuses)).
		Where("scheduled_start < ? AND scheduled_end > ?", to.UTC(), from.UTC()).
		Order("scheduled_start ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	return mapBookings(rows)
}

// ListDue returns bookings in the given statuses whose scheduled start is at or before before.
func (store *Store) ListDue(ctx context.Context, statuses []booking.Status, before time.Time) ([]booking.Booking, error) {
	var rows []Booking
	err := store.db.WithContext(ctx).
		Where("status IN ? AND scheduled_start <= ?", statusStrings(statuses), before.UTC()).
		Order("scheduled_start ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	return mapBookings(rows)
}

// MarkSettled stamps settled_at on a terminal booking. An existing stamp is kept.
func (store *Store) MarkSettled(ctx context.Context, bookingID string, at time.Time) (booking.Booking, error) {
	var updated booking.Booking
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Model(&Booking{}).
			Where("id = ? AND status IN ? AND settled_at IS NULL", bookingID, statusStrings(booking.TerminalStatuses)).
			Updates(map[string]any{"settled_at": at.UTC(), "updated_at": at.UTC()})
		if result.Error != nil {
			return wrapStoreError(errorSubjectBooking, errorCodeMarkSettled, result.Error)
		}
		current, err := store.getBooking(transaction, bookingID)
		if err != nil {
			return err
		}
		if !current.Status.Terminal() {
			return wrapStoreError(errorSubjectBooking, errorCodeMarkSettled, fmt.Errorf("%w: booking %s is %s", booking.ErrStatusMismatch, bookingID, current.Status))
		}
		updated = current
		return nil
	})
	if err != nil {
		return booking.Booking{}, err
	}
	return updated, nil
}

// ListUnsettled returns terminal bookings whose settlement is still outstanding, oldest first.
func (store *Store) ListUnsettled(ctx context.Context, before time.Time) ([]booking.Booking, error) {
	var rows []Booking
	err := store.db.WithContext(ctx).
		Where("status IN ? AND settled_at IS NULL AND updated_at <= ?", statusStrings(booking.TerminalStatuses), before.UTC()).
		Order("updated_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	return mapBookings(rows)
}

func (store *Store) ListForUser(ctx context.Context, userID string, limit int) ([]booking.Booking, error) {
	var rows []Booking
	err := store.db.WithContext(ctx).
		Where("(payer_id = ? OR payee_id = ?) AND status <> ?", userID, userID, booking.StatusDraft.String()).
		Order("scheduled_start DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBooking, errorCodeList, err)
	}
	return mapBookings(rows)
}

// Windows returns the payee's schedule, or the zero schedule when none was published.
func (store *Store) Windows(ctx context.Context, payeeID string) (booking.Schedule, error) {
	var settings AvailabilitySchedule
	err := store.db.WithContext(ctx).Where("payee_id = ?", payeeID).Take(&settings).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return booking.Schedule{}, wrapStoreError(errorSubjectAvailability, errorCodeGet, err)
	}
	var rows []AvailabilityWindow
	err = store.db.WithContext(ctx).
		Where("payee_id = ?", payeeID).
		Order("weekday ASC").
		Order("start_time ASC").
		Find(&rows).Error
	if err != nil {
		return booking.Schedule{}, wrapStoreError(errorSubjectAvailability, errorCodeList, err)
	}
	schedule := booking.Schedule{TimeZone: settings.TimeZone}
	for _, row := range rows {
		schedule.Windows = append(schedule.Windows, booking.Window{
			Weekday: time.Weekday(row.Weekday),
			Start:   row.StartTime,
			End:     row.EndTime,
		})
	}
	return schedule, nil
}

// ReplaceWindows swaps the payee's whole schedule in one transaction.
func (store *Store) ReplaceWindows(ctx context.Context, payeeID string, schedule booking.Schedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		settings := AvailabilitySchedule{PayeeID: payeeID, TimeZone: schedule.TimeZone, UpdatedAt: time.Now().UTC()}
		if err := transaction.Save(&settings).Error; err != nil {
			return wrapStoreError(errorSubjectAvailability, errorCodeReplace, err)
		}
		if err := transaction.Where("payee_id = ?", payeeID).Delete(&AvailabilityWindow{}).Error; err != nil {
			return wrapStoreError(errorSubjectAvailability, errorCodeReplace, err)
		}
		for _, window := range schedule.Windows {
			row := AvailabilityWindow{
				PayeeID:   payeeID,
				Weekday:   int(window.Weekday),
				StartTime: window.Start,
				EndTime:   window.End,
			}
			if err := transaction.Create(&row).Error; err != nil {
				return wrapStoreError(errorSubjectAvailability, errorCodeReplace, err)
			}
		}
		return nil
	})
}

func (store *Store) getBooking(db *gorm.DB, bookingID string) (booking.Booking, error) {
	var model Booking
	err := db.Where("id = ?", bookingID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, booking.ErrNotFound)
		}
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeGet, err)
	}
	record, err := mapBooking(model)
	if err != nil {
		return booking.Booking{}, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
	}
	return record, nil
}

func bookingModel(record booking.Booking) Booking {
	return Booking{
		ID:              record.ID,
		PayerID:         record.PayerID,
		PayeeID:         record.PayeeID,
		ScheduledStart:  record.ScheduledStart.UTC(),
		ScheduledEnd:    record.ScheduledEnd().UTC(),
		DurationMinutes: record.DurationMinutes,
		ReservedCredits: record.ReservedCredits.Int64(),
		Payout:          record.Payout.Int64(),
		PlatformFee:     record.PlatformFee.Int64(),
		Status:          record.Status.String(),
		RoomURL:         record.RoomURL,
		PayerJoinedAt:   utcPointer(record.PayerJoinedAt),
		PayeeJoinedAt:   utcPointer(record.PayeeJoinedAt),
		StartedAt:       utcPointer(record.StartedAt),
		EndedAt:         utcPointer(record.EndedAt),
		SettledAt:       utcPointer(record.SettledAt),
		CreatedAt:       record.CreatedAt.UTC(),
		UpdatedAt:       record.UpdatedAt.UTC(),
	}
}

func mapBooking(model Booking) (booking.Booking, error) {
	status, err := booking.ParseStatus(model.Status)
	if err != nil {
		return booking.Booking{}, err
	}
	return booking.Booking{
		ID:              model.ID,
		PayerID:         model.PayerID,
		PayeeID:         model.PayeeID,
		ScheduledStart:  model.ScheduledStart.UTC(),
		DurationMinutes: model.DurationMinutes,
		ReservedCredits: ledger.Credits(model.ReservedCredits),
		Payout:          ledger.Credits(model.Payout),
		PlatformFee:     ledger.Credits(model.PlatformFee),
		Status:          status,
		RoomURL:         model.RoomURL,
		PayerJoinedAt:   utcPointer(model.PayerJoinedAt),
		PayeeJoinedAt:   utcPointer(model.PayeeJoinedAt),
		StartedAt:       utcPointer(model.StartedAt),
		EndedAt:         utcPointer(model.EndedAt),
		SettledAt:       utcPointer(model.SettledAt),
		CreatedAt:       model.CreatedAt.UTC(),
		UpdatedAt:       model.UpdatedAt.UTC(),
	}, nil
}

func mapBookings(rows []Booking) ([]booking.Booking, error) {
	records := make([]booking.Booking, 0, len(rows))
	for _, row := range rows {
		record, err := mapBooking(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBooking, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func statusStrings(statuses []booking.Status) []string {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, status.String())
	}
	return values
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}
