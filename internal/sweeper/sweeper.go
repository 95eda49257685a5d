// Package sweeper applies overdue booking transitions on the server. It is the backstop for
// clients that went away: the same idempotent operations the clients call, fired late.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
)

// ErrInvalidConfig indicates missing dependencies.
var ErrInvalidConfig = errors.New("invalid sweeper config")

// Lister finds bookings whose start has passed and ended bookings still holding escrow.
type Lister interface {
	ListDue(ctx context.Context, statuses []booking.Status, before time.Time) ([]booking.Booking, error)
	ListUnsettled(ctx context.Context, before time.Time) ([]booking.Booking, error)
}

// Lifecycle applies the deadline transitions.
type Lifecycle interface {
	ExpireUnconfirmed(ctx context.Context, bookingID string) (booking.Booking, error)
	CancelNoShow(ctx context.Context, bookingID string) (booking.Booking, error)
	Complete(ctx context.Context, bookingID string) (booking.Booking, error)
	RetrySettlement(ctx context.Context, bookingID string) (booking.Booking, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Config holds the sweep cadence and how long clients get to act first.
type Config struct {
	Interval    time.Duration
	GracePeriod time.Duration
	ClientSlack time.Duration
}

// DefaultConfig sweeps every 30 seconds and waits one minute past each client deadline.
var DefaultConfig = Config{
	Interval:    30 * time.Second,
	GracePeriod: 5 * time.Minute,
	ClientSlack: time.Minute,
}

// Result counts what one sweep did.
type Result struct {
	Expired   int
	NoShows   int
	Completed int
	Settled   int
	Failures  int
}

// Sweeper runs Sweep on a gocron duration job.
type Sweeper struct {
	config    Config
	lister    Lister
	lifecycle Lifecycle
	clock     Clock
	logger    *zap.Logger
	scheduler gocron.Scheduler
	onSweep   func(Result)
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(sweeper *Sweeper) {
		if logger != nil {
			sweeper.logger = logger
		}
	}
}

// WithResultHook receives every sweep result.
func WithResultHook(hook func(Result)) Option {
	return func(sweeper *Sweeper) {
		sweeper.onSweep = hook
	}
}

// New validates the configuration.
func New(config Config, lister Lister, lifecycle Lifecycle, clock Clock, options ...Option) (*Sweeper, error) {
	if lister == nil || lifecycle == nil || clock == nil {
		return nil, fmt.Errorf("%w: lister, lifecycle and clock are required", ErrInvalidConfig)
	}
	if config.Interval <= 0 || config.GracePeriod <= 0 || config.ClientSlack < 0 {
		return nil, fmt.Errorf("%w: interval and grace period must be positive, slack non-negative", ErrInvalidConfig)
	}
	sweeper := &Sweeper{
		config:    config,
		lister:    lister,
		lifecycle: lifecycle,
		clock:     clock,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	return sweeper, nil
}

// Start schedules the sweep. Overlapping runs are skipped.
func (sweeper *Sweeper) Start(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(sweeper.config.Interval),
		gocron.NewTask(func() {
			if _, err := sweeper.Sweep(ctx); err != nil {
				sweeper.logger.Error("booking sweep failed", zap.Error(err))
			}
		}),
		gocron.WithName("booking-sweeper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sweeper.scheduler = scheduler
	scheduler.Start()
	return nil
}

// Shutdown stops the scheduler and waits for a running sweep.
func (sweeper *Sweeper) Shutdown() error {
	if sweeper.scheduler == nil {
		return nil
	}
	return sweeper.scheduler.Shutdown()
}

// Sweep applies every overdue transition once, then retries settlements that did not post.
// Settlements of transitions applied in this sweep are left to the next one when they fail.
func (sweeper *Sweeper) Sweep(ctx context.Context) (Result, error) {
	now := sweeper.clock.Now().UTC()
	due, err := sweeper.lister.ListDue(ctx, []booking.Status{booking.StatusPending, booking.StatusScheduled, booking.StatusInProgress}, now)
	if err != nil {
		return Result{}, fmt.Errorf("list due bookings: %w", err)
	}
	var result Result
	for _, record := range due {
		switch record.Status {
		case booking.StatusPending:
			sweeper.apply(ctx, "expire_unconfirmed", record, sweeper.lifecycle.ExpireUnconfirmed, &result.Expired, &result.Failures)
		case booking.StatusScheduled:
			if sweeper.noShowDue(record, now) {
				sweeper.apply(ctx, "cancel_no_show", record, sweeper.lifecycle.CancelNoShow, &result.NoShows, &result.Failures)
			}
		case booking.StatusInProgress:
			if !now.Before(record.ScheduledEnd().Add(sweeper.config.ClientSlack)) {
				sweeper.apply(ctx, "complete", record, sweeper.lifecycle.Complete, &result.Completed, &result.Failures)
			}
		}
	}
	unsettled, err := sweeper.lister.ListUnsettled(ctx, now.Add(-sweeper.config.ClientSlack))
	if err != nil {
		return result, fmt.Errorf("list unsettled bookings: %w", err)
	}
	for _, record := range unsettled {
		sweeper.apply(ctx, "retry_settlement", record, sweeper.lifecycle.RetrySettlement, &result.Settled, &result.Failures)
	}
	if sweeper.onSweep != nil {
		sweeper.onSweep(result)
	}
	return result, nil
}

// noShowDue waits for the grace period plus slack. When both participants joined but nobody
// reported them present together, the booking is left to the clients until the call would have ended.
func (sweeper *Sweeper) noShowDue(record booking.Booking, now time.Time) bool {
	if now.Before(record.ScheduledStart.Add(sweeper.config.GracePeriod + sweeper.config.ClientSlack)) {
		return false
	}
	if record.PayerJoinedAt != nil && record.PayeeJoinedAt != nil {
		return !now.Before(record.ScheduledEnd().Add(sweeper.config.ClientSlack))
	}
	return true
}

func (sweeper *Sweeper) apply(ctx context.Context, name string, record booking.Booking, transition func(context.Context, string) (booking.Booking, error), applied *int, failures *int) {
	_, err := transition(ctx, record.ID)
	switch {
	case err == nil:
		*applied++
		sweeper.logger.Info("sweeper applied transition", zap.String("transition", name), zap.String("booking_id", record.ID))
	case errors.Is(err, booking.ErrStatusMismatch):
		// A client got there first.
	default:
		*failures++
		sweeper.logger.Warn("sweeper transition failed", zap.String("transition", name), zap.String("booking_id", record.ID), zap.Error(err))
	}
}
