package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/callbook/pkg/availability"
	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
	"github.com/MarkoPoloResearchLab/callbook/pkg/ledger"
	"github.com/MarkoPoloResearchLab/callbook/pkg/saga"
	"github.com/MarkoPoloResearchLab/callbook/pkg/settlement"
)

const operationCreate = "create_booking"

// Saga step names, also used as error codes.
const (
	StepInsertDraft    = "insert_draft"
	StepReserveCredits = "reserve_credits"
	StepProvisionRoom  = "provision_room"
	StepPromotePending = "promote_pending"
)

// Request asks for a call with a payee.
type Request struct {
	PayerID         string
	PayeeID         string
	Start           time.Time
	DurationMinutes int
}

// CreateBooking validates the slot, escrows the price and provisions the room. Either the
// booking ends up pending with an active reservation and a room, or nothing persists.
func (service *Service) CreateBooking(ctx context.Context, request Request) (booking.Booking, error) {
	payerID := strings.TrimSpace(request.PayerID)
	payeeID := strings.TrimSpace(request.PayeeID)
	if payerID == "" || payeeID == "" {
		return booking.Booking{}, ledger.WrapError(operationCreate, subjectBooking, "invalid_request", fmt.Errorf("%w: payer and payee are required", booking.ErrValidation))
	}
	if payerID == payeeID {
		return booking.Booking{}, ledger.WrapError(operationCreate, subjectBooking, "invalid_request", fmt.Errorf("%w: cannot book a call with yourself", booking.ErrValidation))
	}
	price, err := service.config.Pricing.Price(request.DurationMinutes)
	if err != nil {
		return booking.Booking{}, ledger.WrapError(operationCreate, subjectBooking, "invalid_duration", err)
	}
	payout, fee, err := booking.Split(price.ToCredits(), service.config.FeeBasisPoints)
	if err != nil {
		return booking.Booking{}, ledger.WrapError(operationCreate, subjectBooking, "invalid_fee", err)
	}
	payerUserID, err := ledger.NewUserID(payerID)
	if err != nil {
		return booking.Booking{}, ledger.WrapError(operationCreate, subjectBooking, "invalid_request", fmt.Errorf("%w: %w", booking.ErrValidation, err))
	}

	unlock := service.payeeLocks.Lock(payeeID)
	defer unlock()

	now := service.now()
	start := request.Start.UTC()
	if err := service.checkSlot(ctx, payeeID, start, request.DurationMinutes, now); err != nil {
		return booking.Booking{}, ledger.WrapError(operationCreate, subjectBooking, "slot_unavailable", err)
	}

	balance, err := service.ledger.Balance(ctx, payerUserID)
	if err != nil {
		return booking.Booking{}, ledger.WrapError(operationCreate, subjectBooking, "balance", err)
	}
	if balance.Available < price.ToCredits() {
		return booking.Booking{}, ledger.WrapError(operationCreate, subjectBooking, "insufficient_credits",
			fmt.Errorf("%w: need %d, available %d", booking.ErrInsufficientCredits, price.Int64(), balance.Available.Int64()))
	}

	record := booking.Booking{
		ID:              service.newID(),
		PayerID:         payerID,
		PayeeID:         payeeID,
		ScheduledStart:  start,
		DurationMinutes: request.DurationMinutes,
		ReservedCredits: price.ToCredits(),
		Payout:          payout,
		PlatformFee:     fee,
		Status:          booking.StatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	reservationID, err := settlement.ReservationIDFor(record.ID)
	if err != nil {
		return booking.Booking{}, ledger.WrapError(operationCreate, subjectBooking, "invalid_request", err)
	}
	reserveKey, err := settlement.IdempotencyKeyFor(record.ID, "reserve")
	if err != nil {
		return booking.Booking{}, ledger.WrapError(operationCreate, subjectBooking, "invalid_request", err)
	}
	releaseKey, err := settlement.IdempotencyKeyFor(record.ID, "release")
	if err != nil {
		return booking.Booking{}, ledger.WrapError(operationCreate, subjectBooking, "invalid_request", err)
	}
	metadata, err := ledger.NewMetadataJSON(fmt.Sprintf(`{"booking_id":%q,"payee_id":%q}`, record.ID, payeeID))
	if err != nil {
		return booking.Booking{}, ledger.WrapError(operationCreate, subjectBooking, "invalid_request", err)
	}

	var roomURL string
	creation := saga.New(operationCreate, saga.WithTracerProvider(service.tracerProvider)).
		Then(saga.Step{
			Name:   StepInsertDraft,
			Action: func(ctx context.Context) error { return service.bookings.Create(ctx, record) },
			Compensate: func(ctx context.Context) error {
				return service.bookings.Delete(ctx, record.ID)
			},
		}).
		Then(saga.Step{
			Name: StepReserveCredits,
			Action: func(ctx context.Context) error {
				err := service.ledger.Reserve(ctx, payerUserID, price, reservationID, reserveKey, metadata)
				if errors.Is(err, ledger.ErrInsufficientFunds) {
					return fmt.Errorf("%w: %w", booking.ErrInsufficientCredits, err)
				}
				return err
			},
			Compensate: func(ctx context.Context) error {
				return service.ledger.Release(ctx, payerUserID, reservationID, releaseKey, metadata)
			},
		}).
		Then(saga.Step{
			Name: StepProvisionRoom,
			Action: func(ctx context.Context) error {
				url, err := service.rooms.CreateRoom(ctx, record.ID, record.ScheduledEnd())
				if err != nil {
					return fmt.Errorf("%w: %w", booking.ErrRoomProvisioningFailed, err)
				}
				roomURL = url
				return nil
			},
			Compensate: func(ctx context.Context) error {
				return service.rooms.DeleteRoom(ctx, record.ID)
			},
		}).
		Then(saga.Step{
			Name: StepPromotePending,
			Action: func(ctx context.Context) error {
				promoted, err := service.bookings.UpdateIfStatus(ctx, record.ID, []booking.Status{booking.StatusDraft}, booking.Update{
					Status:  booking.StatusPending,
					RoomURL: &roomURL,
					At:      service.now(),
				})
				if err != nil {
					return err
				}
				record = promoted
				return nil
			},
		})

	if err := creation.Run(ctx); err != nil {
		step := "saga"
		var sagaError *saga.Error
		if errors.As(err, &sagaError) {
			step = sagaError.Step
			if sagaError.Compensation != nil {
				service.logger.Error("booking compensation failed",
					zap.String("booking_id", record.ID),
					zap.String("step", step),
					zap.Error(sagaError.Compensation),
				)
			}
		}
		service.observer.ObserveSagaFailure(step)
		service.logger.Warn("booking creation rolled back",
			zap.String("booking_id", record.ID),
			zap.String("step", step),
			zap.Error(err),
		)
		return booking.Booking{}, ledger.WrapError(operationCreate, subjectBooking, step, err)
	}

	service.observer.ObserveTransition(record.Status)
	service.announce(ctx, record, notice{recipient: record.PayeeID, kind: NotifyBookingRequested})
	return record, nil
}

// Slots lists the legal starts on date for a call of the given length with the payee.
func (service *Service) Slots(ctx context.Context, payeeID string, date time.Time, durationMinutes int) ([]time.Time, error) {
	query, err := service.slotQuery(ctx, payeeID, date, durationMinutes, service.now())
	if err != nil {
		return nil, ledger.WrapError("slots", subjectBooking, "load", err)
	}
	slots, err := service.config.Rules.Slots(query)
	if err != nil {
		return nil, err
	}
	return slots, nil
}

// Schedule returns the payee's published availability.
func (service *Service) Schedule(ctx context.Context, payeeID string) (booking.Schedule, error) {
	schedule, err := service.availability.Windows(ctx, strings.TrimSpace(payeeID))
	if err != nil {
		return booking.Schedule{}, ledger.WrapError("schedule", subjectBooking, "load", err)
	}
	return schedule, nil
}

// PublishAvailability replaces the payee's weekly windows.
func (service *Service) PublishAvailability(ctx context.Context, payeeID string, schedule booking.Schedule) error {
	payeeID = strings.TrimSpace(payeeID)
	if payeeID == "" {
		return ledger.WrapError("publish_availability", subjectBooking, "invalid_request", fmt.Errorf("%w: payee is required", booking.ErrValidation))
	}
	if err := schedule.Validate(); err != nil {
		return ledger.WrapError("publish_availability", subjectBooking, "invalid_schedule", err)
	}
	if err := service.availability.ReplaceWindows(ctx, payeeID, schedule); err != nil {
		return ledger.WrapError("publish_availability", subjectBooking, "store", err)
	}
	return nil
}

func (service *Service) checkSlot(ctx context.Context, payeeID string, start time.Time, durationMinutes int, now time.Time) error {
	query, err := service.slotQuery(ctx, payeeID, start, durationMinutes, now)
	if err != nil {
		return err
	}
	return service.config.Rules.Check(query, start)
}

func (service *Service) slotQuery(ctx context.Context, payeeID string, date time.Time, durationMinutes int, now time.Time) (availability.Query, error) {
	if err := booking.ValidateDuration(durationMinutes); err != nil {
		return availability.Query{}, err
	}
	schedule, err := service.availability.Windows(ctx, payeeID)
	if err != nil {
		return availability.Query{}, err
	}
	location, err := schedule.Location()
	if err != nil {
		return availability.Query{}, err
	}
	year, month, day := date.In(location).Date()
	dayStart := time.Date(year, month, day, 0, 0, 0, 0, location)
	to := dayStart.AddDate(0, 0, 1).Add(time.Duration(durationMinutes) * time.Minute)
	existing, err := service.bookings.ListActiveForPayee(ctx, payeeID, dayStart, to)
	if err != nil {
		return availability.Query{}, err
	}
	return availability.Query{
		Schedule:        schedule,
		Date:            date.In(location),
		DurationMinutes: durationMinutes,
		Existing:        existing,
		Now:             now,
	}, nil
}
