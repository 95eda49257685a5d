package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
	"github.com/MarkoPoloResearchLab/callbook/pkg/ledger"
	"github.com/MarkoPoloResearchLab/callbook/pkg/session"
	"github.com/MarkoPoloResearchLab/callbook/pkg/settlement"
)

const (
	operationConfirm        = "confirm"
	operationDecline        = "decline"
	operationCancel         = "cancel"
	operationJoin           = "join"
	operationMarkBothJoined = "mark_both_joined"
	operationCancelNoShow   = "cancel_no_show"
	operationComplete       = "complete"
	operationExpire         = "expire_unconfirmed"
	operationSettle         = "retry_settlement"
)

// JoinTicket is what a participant needs to enter the room. It carries the server's deadline
// constants so both clients count down against the same grace period.
type JoinTicket struct {
	Booking            booking.Booking `json:"booking"`
	Party              booking.Party   `json:"party"`
	RoomURL            string          `json:"room_url"`
	Token              string          `json:"token"`
	ExpiresAt          time.Time       `json:"expires_at"`
	GracePeriodSeconds int64           `json:"grace_period_seconds"`
	EarlyJoinSeconds   int64           `json:"early_join_seconds"`
}

// SessionTiming overrides base with the ticket's deadline constants when the server sent them.
func (ticket JoinTicket) SessionTiming(base session.Timing) session.Timing {
	if ticket.GracePeriodSeconds > 0 {
		base.GracePeriod = time.Duration(ticket.GracePeriodSeconds) * time.Second
	}
	if ticket.EarlyJoinSeconds > 0 {
		base.EarlyJoinWindow = time.Duration(ticket.EarlyJoinSeconds) * time.Second
	}
	return base
}

type notice struct {
	recipient string
	kind      NotificationKind
}

// Confirm accepts a pending booking on behalf of its payee.
func (service *Service) Confirm(ctx context.Context, bookingID string, actorID string) (booking.Booking, error) {
	record, err := service.load(ctx, operationConfirm, bookingID)
	if err != nil {
		return booking.Booking{}, err
	}
	if _, err := record.VisibleTo(actorID); errors.Is(err, booking.ErrNotFound) {
		return booking.Booking{}, ledger.WrapError(operationConfirm, subjectBooking, "load", err)
	}
	if record.PayeeID != actorID {
		return booking.Booking{}, ledger.WrapError(operationConfirm, subjectBooking, "forbidden", booking.ErrForbidden)
	}
	if record.Status == booking.StatusScheduled {
		return record, nil
	}
	if !service.now().Before(record.ScheduledStart) {
		return booking.Booking{}, ledger.WrapError(operationConfirm, subjectBooking, "expired", fmt.Errorf("%w: booking start has passed", booking.ErrValidation))
	}
	confirmed, err := service.transition(ctx, operationConfirm, record.ID, []booking.Status{booking.StatusPending}, booking.Update{Status: booking.StatusScheduled})
	if err != nil {
		return booking.Booking{}, err
	}
	service.announce(ctx, confirmed, notice{recipient: confirmed.PayerID, kind: NotifyBookingConfirmed})
	return confirmed, nil
}

// Decline refuses a pending booking on behalf of its payee and releases the escrow.
func (service *Service) Decline(ctx context.Context, bookingID string, actorID string) (booking.Booking, error) {
	record, err := service.load(ctx, operationDecline, bookingID)
	if err != nil {
		return booking.Booking{}, err
	}
	if _, err := record.VisibleTo(actorID); errors.Is(err, booking.ErrNotFound) {
		return booking.Booking{}, ledger.WrapError(operationDecline, subjectBooking, "load", err)
	}
	if record.PayeeID != actorID {
		return booking.Booking{}, ledger.WrapError(operationDecline, subjectBooking, "forbidden", booking.ErrForbidden)
	}
	if record.Status == booking.StatusDeclined {
		return service.settleExisting(ctx, operationDecline, record)
	}
	now := service.now()
	declined, err := service.transition(ctx, operationDecline, record.ID, []booking.Status{booking.StatusPending}, booking.Update{Status: booking.StatusDeclined, EndedAt: &now})
	if err != nil {
		return booking.Booking{}, err
	}
	return service.finish(ctx, operationDecline, declined, NotifyBookingDeclined)
}

// Cancel withdraws a booking before anyone joined. Either participant may cancel.
func (service *Service) Cancel(ctx context.Context, bookingID string, actorID string) (booking.Booking, error) {
	record, err := service.load(ctx, operationCancel, bookingID)
	if err != nil {
		return booking.Booking{}, err
	}
	if _, err := record.VisibleTo(actorID); err != nil {
		return booking.Booking{}, ledger.WrapError(operationCancel, subjectBooking, "forbidden", err)
	}
	if record.Status == booking.StatusCancelled {
		return service.settleExisting(ctx, operationCancel, record)
	}
	if record.PayerJoinedAt != nil || record.PayeeJoinedAt != nil {
		return booking.Booking{}, ledger.WrapError(operationCancel, subjectBooking, "already_joined", fmt.Errorf("%w: a participant already joined", booking.ErrValidation))
	}
	now := service.now()
	cancelled, err := service.transition(ctx, operationCancel, record.ID, []booking.Status{booking.StatusPending, booking.StatusScheduled}, booking.Update{Status: booking.StatusCancelled, EndedAt: &now})
	if err != nil {
		return booking.Booking{}, err
	}
	return service.finish(ctx, operationCancel, cancelled, NotifyBookingCancelled)
}

// Join records the participant's arrival and issues a room token. Joins are accepted from
// EarlyJoinWindow before the start until the scheduled end.
func (service *Service) Join(ctx context.Context, bookingID string, userID string) (JoinTicket, error) {
	record, err := service.load(ctx, operationJoin, bookingID)
	if err != nil {
		return JoinTicket{}, err
	}
	party, err := record.VisibleTo(userID)
	if err != nil {
		return JoinTicket{}, ledger.WrapError(operationJoin, subjectBooking, "forbidden", err)
	}
	switch {
	case record.Status == booking.StatusScheduled, record.Status == booking.StatusInProgress:
	case record.Status.Terminal():
		return JoinTicket{}, ledger.WrapError(operationJoin, subjectBooking, "session_over", fmt.Errorf("%w: booking is %s", booking.ErrSessionTiming, record.Status))
	default:
		return JoinTicket{}, ledger.WrapError(operationJoin, subjectBooking, "not_confirmed", fmt.Errorf("%w: booking is %s", booking.ErrValidation, record.Status))
	}
	now := service.now()
	if err := session.CheckJoinWindow(record, now, service.config.EarlyJoinWindow); err != nil {
		return JoinTicket{}, ledger.WrapError(operationJoin, subjectBooking, "join_window", err)
	}
	joined, err := service.bookings.RecordJoin(ctx, record.ID, party, now)
	if err != nil {
		return JoinTicket{}, ledger.WrapError(operationJoin, subjectBooking, "record_join", err)
	}
	token, err := service.rooms.JoinToken(ctx, record.ID, userID, record.ScheduledEnd())
	if err != nil {
		return JoinTicket{}, ledger.WrapError(operationJoin, subjectBooking, "join_token", fmt.Errorf("%w: %w", booking.ErrRoomProvisioningFailed, err))
	}
	service.publish(ctx, joined)
	return JoinTicket{
		Booking:   joined,
		Party:     party,
		RoomURL:   joined.RoomURL,
		Token:     token,
		ExpiresAt: joined.ScheduledEnd(),

		GracePeriodSeconds: int64(service.config.GracePeriod / time.Second),
		EarlyJoinSeconds:   int64(service.config.EarlyJoinWindow / time.Second),
	}, nil
}

// MarkBothJoined starts the call once both participants were seen in the room.
func (service *Service) MarkBothJoined(ctx context.Context, bookingID string) (booking.Booking, error) {
	record, err := service.load(ctx, operationMarkBothJoined, bookingID)
	if err != nil {
		return booking.Booking{}, err
	}
	if record.Status == booking.StatusInProgress {
		return record, nil
	}
	if record.Status != booking.StatusScheduled {
		return booking.Booking{}, ledger.WrapError(operationMarkBothJoined, subjectBooking, "status", fmt.Errorf("%w: booking is %s", booking.ErrStatusMismatch, record.Status))
	}
	if record.PayerJoinedAt == nil || record.PayeeJoinedAt == nil {
		return booking.Booking{}, ledger.WrapError(operationMarkBothJoined, subjectBooking, "not_joined", fmt.Errorf("%w: both participants must join first", booking.ErrValidation))
	}
	now := service.now()
	if !now.Before(record.ScheduledEnd()) {
		return booking.Booking{}, ledger.WrapError(operationMarkBothJoined, subjectBooking, "join_window", fmt.Errorf("%w: call already ended", booking.ErrSessionTiming))
	}
	started, err := service.transition(ctx, operationMarkBothJoined, record.ID, []booking.Status{booking.StatusScheduled}, booking.Update{Status: booking.StatusInProgress, StartedAt: &now})
	if errors.Is(err, booking.ErrStatusMismatch) {
		current, loadErr := service.load(ctx, operationMarkBothJoined, bookingID)
		if loadErr == nil && current.Status == booking.StatusInProgress {
			return current, nil
		}
	}
	if err != nil {
		return booking.Booking{}, err
	}
	service.announce(ctx, started,
		notice{recipient: started.PayerID, kind: NotifySessionStarted},
		notice{recipient: started.PayeeID, kind: NotifySessionStarted},
	)
	return started, nil
}

// CancelNoShow ends a call that never got both participants once the grace period is over.
func (service *Service) CancelNoShow(ctx context.Context, bookingID string) (booking.Booking, error) {
	record, err := service.load(ctx, operationCancelNoShow, bookingID)
	if err != nil {
		return booking.Booking{}, err
	}
	if record.Status == booking.StatusCancelledNoShow {
		return service.settleExisting(ctx, operationCancelNoShow, record)
	}
	if record.Status != booking.StatusScheduled {
		return booking.Booking{}, ledger.WrapError(operationCancelNoShow, subjectBooking, "status", fmt.Errorf("%w: booking is %s", booking.ErrStatusMismatch, record.Status))
	}
	now := service.now()
	if now.Before(record.ScheduledStart.Add(service.config.GracePeriod)) {
		return booking.Booking{}, ledger.WrapError(operationCancelNoShow, subjectBooking, "grace", fmt.Errorf("%w: grace period still running", booking.ErrSessionTiming))
	}
	cancelled, err := service.transition(ctx, operationCancelNoShow, record.ID, []booking.Status{booking.StatusScheduled}, booking.Update{Status: booking.StatusCancelledNoShow, EndedAt: &now})
	if err != nil {
		return booking.Booking{}, err
	}
	return service.finish(ctx, operationCancelNoShow, cancelled, NotifySessionNoShow)
}

// Complete closes an in-progress call at its scheduled end and pays the payee.
func (service *Service) Complete(ctx context.Context, bookingID string) (booking.Booking, error) {
	record, err := service.load(ctx, operationComplete, bookingID)
	if err != nil {
		return booking.Booking{}, err
	}
	if record.Status == booking.StatusCompleted {
		return service.settleExisting(ctx, operationComplete, record)
	}
	if record.Status != booking.StatusInProgress {
		return booking.Booking{}, ledger.WrapError(operationComplete, subjectBooking, "status", fmt.Errorf("%w: booking is %s", booking.ErrStatusMismatch, record.Status))
	}
	now := service.now()
	if now.Before(record.ScheduledEnd()) {
		return booking.Booking{}, ledger.WrapError(operationComplete, subjectBooking, "deadline", fmt.Errorf("%w: call runs until %s", booking.ErrSessionTiming, record.ScheduledEnd().Format(time.RFC3339)))
	}
	completed, err := service.transition(ctx, operationComplete, record.ID, []booking.Status{booking.StatusInProgress}, booking.Update{Status: booking.StatusCompleted, EndedAt: &now})
	if err != nil {
		return booking.Booking{}, err
	}
	return service.finish(ctx, operationComplete, completed, NotifySessionCompleted)
}

// ExpireUnconfirmed cancels a booking the payee never confirmed before its start.
func (service *Service) ExpireUnconfirmed(ctx context.Context, bookingID string) (booking.Booking, error) {
	record, err := service.load(ctx, operationExpire, bookingID)
	if err != nil {
		return booking.Booking{}, err
	}
	if record.Status == booking.StatusCancelled {
		return service.settleExisting(ctx, operationExpire, record)
	}
	if record.Status != booking.StatusPending {
		return booking.Booking{}, ledger.WrapError(operationExpire, subjectBooking, "status", fmt.Errorf("%w: booking is %s", booking.ErrStatusMismatch, record.Status))
	}
	now := service.now()
	if now.Before(record.ScheduledStart) {
		return booking.Booking{}, ledger.WrapError(operationExpire, subjectBooking, "not_due", fmt.Errorf("%w: booking has not started", booking.ErrSessionTiming))
	}
	expired, err := service.transition(ctx, operationExpire, record.ID, []booking.Status{booking.StatusPending}, booking.Update{Status: booking.StatusCancelled, EndedAt: &now})
	if err != nil {
		return booking.Booking{}, err
	}
	return service.finish(ctx, operationExpire, expired, NotifyBookingExpired)
}

func (service *Service) load(ctx context.Context, operation string, bookingID string) (booking.Booking, error) {
	record, err := service.bookings.Get(ctx, bookingID)
	if err != nil {
		return booking.Booking{}, ledger.WrapError(operation, subjectBooking, "load", err)
	}
	return record, nil
}

func (service *Service) transition(ctx context.Context, operation string, bookingID string, expected []booking.Status, update booking.Update) (booking.Booking, error) {
	update.At = service.now()
	record, err := service.bookings.UpdateIfStatus(ctx, bookingID, expected, update)
	if err != nil {
		return booking.Booking{}, ledger.WrapError(operation, subjectBooking, "transition", err)
	}
	service.observer.ObserveTransition(record.Status)
	service.logger.Info("booking transition",
		zap.String("operation", operation),
		zap.String("booking_id", record.ID),
		zap.String("status", record.Status.String()),
	)
	return record, nil
}

// finish settles a freshly terminal booking, tears down its room and tells both participants.
// The status change is already durable when settlement fails; the booking then stays unsettled
// until a repeated operation or RetrySettlement resolves it.
func (service *Service) finish(ctx context.Context, operation string, record booking.Booking, kind NotificationKind) (booking.Booking, error) {
	settled, settleErr := service.settle(ctx, operation, record)
	if record.RoomURL != "" {
		if err := service.rooms.DeleteRoom(ctx, record.ID); err != nil {
			service.logger.Warn("room teardown failed", zap.String("booking_id", record.ID), zap.Error(err))
		}
	}
	service.announce(ctx, settled,
		notice{recipient: record.PayerID, kind: kind},
		notice{recipient: record.PayeeID, kind: kind},
	)
	if settleErr != nil {
		return booking.Booking{}, settleErr
	}
	return settled, nil
}

func (service *Service) settleExisting(ctx context.Context, operation string, record booking.Booking) (booking.Booking, error) {
	if record.SettledAt != nil {
		return record, nil
	}
	return service.settle(ctx, operation, record)
}

// RetrySettlement posts the outstanding settlement of a terminal booking. Already settled
// bookings are returned unchanged.
func (service *Service) RetrySettlement(ctx context.Context, bookingID string) (booking.Booking, error) {
	record, err := service.load(ctx, operationSettle, bookingID)
	if err != nil {
		return booking.Booking{}, err
	}
	if !record.Status.Terminal() {
		return booking.Booking{}, ledger.WrapError(operationSettle, subjectBooking, "status", fmt.Errorf("%w: booking is %s", booking.ErrStatusMismatch, record.Status))
	}
	settled, err := service.settleExisting(ctx, operationSettle, record)
	if err != nil {
		return booking.Booking{}, err
	}
	if record.SettledAt == nil {
		service.publish(ctx, settled)
	}
	return settled, nil
}

// settle posts the ledger side of a terminal booking and stamps it settled. The posting runs
// detached from the caller's cancellation so an abandoned request cannot strand the escrow.
func (service *Service) settle(ctx context.Context, operation string, record booking.Booking) (booking.Booking, error) {
	ctx = context.WithoutCancel(ctx)
	err := service.settlement.Settle(ctx, record)
	if !settlement.IsApplied(err) {
		service.observer.ObserveSettlement(record.Status, err)
	}
	if err != nil && !settlement.IsApplied(err) {
		service.logger.Error("settlement failed",
			zap.String("booking_id", record.ID),
			zap.String("status", record.Status.String()),
			zap.Error(err),
		)
		return record, ledger.WrapError(operation, subjectBooking, "settle", err)
	}
	settled, err := service.bookings.MarkSettled(ctx, record.ID, service.now())
	if err != nil {
		service.logger.Warn("settlement stamp failed", zap.String("booking_id", record.ID), zap.Error(err))
		return record, nil
	}
	return settled, nil
}

// announce publishes the record and sends the notices. Delivery is detached from the caller's
// cancellation but shares one deadline; failures are only logged.
func (service *Service) announce(ctx context.Context, record booking.Booking, notices ...notice) {
	service.publish(ctx, record)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), service.notifyTimeout)
	defer cancel()
	for _, item := range notices {
		notification := Notification{Kind: item.kind, RecipientID: item.recipient, Booking: record}
		if err := service.notifier.Notify(ctx, notification); err != nil {
			service.logger.Warn("notification failed",
				zap.String("booking_id", record.ID),
				zap.String("kind", string(item.kind)),
				zap.String("recipient_id", item.recipient),
				zap.Error(err),
			)
		}
	}
}

func (service *Service) publish(ctx context.Context, record booking.Booking) {
	if err := service.publisher.Publish(ctx, record); err != nil {
		service.logger.Warn("realtime publish failed", zap.String("booking_id", record.ID), zap.Error(err))
	}
}
