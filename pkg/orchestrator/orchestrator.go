// Package orchestrator owns the booking lifecycle: creation as a compensated saga, the
// confirmation and cancellation paths, join handling and the terminal transitions that trigger
// settlement.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/callbook/pkg/availability"
	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
	"github.com/MarkoPoloResearchLab/callbook/pkg/ledger"
	"github.com/MarkoPoloResearchLab/callbook/pkg/settlement"
)

// ErrInvalidServiceConfig indicates missing dependencies or unusable settings.
var ErrInvalidServiceConfig = errors.New("invalid orchestrator config")

const (
	subjectBooking       = "booking"
	defaultNotifyTimeout = 10 * time.Second
)

// Ledger is the credit ledger as seen by the booking lifecycle.
type Ledger interface {
	settlement.Ledger
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	Reserve(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, reservationID ledger.ReservationID, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) error
}

// Rooms provisions video rooms. Implementations bound every call with a timeout.
type Rooms interface {
	CreateRoom(ctx context.Context, bookingID string, expiresAt time.Time) (string, error)
	DeleteRoom(ctx context.Context, bookingID string) error
	JoinToken(ctx context.Context, bookingID string, participantID string, expiresAt time.Time) (string, error)
}

// NotificationKind names the message sent to a participant.
type NotificationKind string

const (
	NotifyBookingRequested NotificationKind = "booking_requested"
	NotifyBookingConfirmed NotificationKind = "booking_confirmed"
	NotifyBookingDeclined  NotificationKind = "booking_declined"
	NotifyBookingCancelled NotificationKind = "booking_cancelled"
	NotifyBookingExpired   NotificationKind = "booking_expired"
	NotifySessionStarted   NotificationKind = "session_started"
	NotifySessionCompleted NotificationKind = "session_completed"
	NotifySessionNoShow    NotificationKind = "session_no_show"
)

// Notification is one message to one participant.
type Notification struct {
	Kind        NotificationKind `json:"kind"`
	RecipientID string           `json:"recipient_id"`
	Booking     booking.Booking  `json:"booking"`
}

// Notifier delivers notifications. Failures never roll back a transition.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Publisher pushes the latest booking record to the realtime feed.
type Publisher interface {
	Publish(ctx context.Context, record booking.Booking) error
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Observer receives lifecycle measurements.
type Observer interface {
	ObserveTransition(status booking.Status)
	ObserveSagaFailure(step string)
	ObserveSettlement(status booking.Status, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveTransition(booking.Status)        {}
func (nopObserver) ObserveSagaFailure(string)               {}
func (nopObserver) ObserveSettlement(booking.Status, error) {}

// Config holds the lifecycle constants.
type Config struct {
	FeeBasisPoints  int64
	Pricing         booking.Pricing
	Rules           availability.Rules
	GracePeriod     time.Duration
	EarlyJoinWindow time.Duration
}

// DefaultConfig takes a 20% platform fee and allows joining five minutes early.
var DefaultConfig = Config{
	FeeBasisPoints:  2000,
	Pricing:         booking.DefaultPricing,
	Rules:           availability.DefaultRules,
	GracePeriod:     5 * time.Minute,
	EarlyJoinWindow: 5 * time.Minute,
}

// Validate checks the configuration.
func (config Config) Validate() error {
	switch {
	case config.FeeBasisPoints < 0 || config.FeeBasisPoints > 10000:
		return fmt.Errorf("%w: fee basis points %d out of range", ErrInvalidServiceConfig, config.FeeBasisPoints)
	case config.Pricing.CreditsPerMinute <= 0:
		return fmt.Errorf("%w: credits per minute must be positive", ErrInvalidServiceConfig)
	case config.Rules.Granularity <= 0:
		return fmt.Errorf("%w: slot granularity must be positive", ErrInvalidServiceConfig)
	case config.GracePeriod <= 0:
		return fmt.Errorf("%w: grace period must be positive", ErrInvalidServiceConfig)
	case config.EarlyJoinWindow < 0:
		return fmt.Errorf("%w: early join window must not be negative", ErrInvalidServiceConfig)
	}
	return nil
}

// Dependencies are the collaborators of a Service.
type Dependencies struct {
	Bookings     booking.Store
	Availability booking.AvailabilityStore
	Ledger       Ledger
	Rooms        Rooms
	Notifier     Notifier
	Publisher    Publisher
	Clock        Clock
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithObserver records lifecycle metrics.
func WithObserver(observer Observer) Option {
	return func(service *Service) {
		if observer != nil {
			service.observer = observer
		}
	}
}

// WithTracerProvider traces the creation saga with the given provider.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(service *Service) {
		service.tracerProvider = provider
	}
}

// WithNotificationTimeout bounds the delivery of each transition's notifications.
func WithNotificationTimeout(timeout time.Duration) Option {
	return func(service *Service) {
		if timeout > 0 {
			service.notifyTimeout = timeout
		}
	}
}

// WithIDGenerator overrides booking ID generation.
func WithIDGenerator(generate func() string) Option {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

// Service runs the booking lifecycle.
type Service struct {
	config       Config
	bookings     booking.Store
	availability booking.AvailabilityStore
	ledger       Ledger
	settlement   *settlement.Engine
	rooms        Rooms
	notifier     Notifier
	publisher    Publisher
	clock        Clock

	logger         *zap.Logger
	observer       Observer
	tracerProvider trace.TracerProvider
	newID          func() string
	payeeLocks     *keyedMutex
	notifyTimeout  time.Duration
}

// New validates and wires a Service.
func New(dependencies Dependencies, config Config, options ...Option) (*Service, error) {
	if dependencies.Bookings == nil || dependencies.Availability == nil || dependencies.Ledger == nil {
		return nil, fmt.Errorf("%w: bookings, availability and ledger are required", ErrInvalidServiceConfig)
	}
	if dependencies.Rooms == nil || dependencies.Notifier == nil || dependencies.Publisher == nil || dependencies.Clock == nil {
		return nil, fmt.Errorf("%w: rooms, notifier, publisher and clock are required", ErrInvalidServiceConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	engine, err := settlement.NewEngine(dependencies.Ledger)
	if err != nil {
		return nil, err
	}
	service := &Service{
		config:       config,
		bookings:     dependencies.Bookings,
		availability: dependencies.Availability,
		ledger:       dependencies.Ledger,
		settlement:   engine,
		rooms:        dependencies.Rooms,
		notifier:     dependencies.Notifier,
		publisher:    dependencies.Publisher,
		clock:        dependencies.Clock,
		logger:       zap.NewNop(),
		observer:     nopObserver{},
		newID:        uuid.NewString,
		payeeLocks:   newKeyedMutex(),

		notifyTimeout: defaultNotifyTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Config returns the lifecycle constants in use.
func (service *Service) Config() Config {
	return service.config
}

// Get loads one booking.
func (service *Service) Get(ctx context.Context, bookingID string) (booking.Booking, error) {
	record, err := service.bookings.Get(ctx, bookingID)
	if err != nil {
		return booking.Booking{}, ledger.WrapError("get", subjectBooking, "load", err)
	}
	return record, nil
}

// ListForUser returns the user's bookings on either side, newest first.
func (service *Service) ListForUser(ctx context.Context, userID string, limit int) ([]booking.Booking, error) {
	records, err := service.bookings.ListForUser(ctx, userID, limit)
	if err != nil {
		return nil, ledger.WrapError("list", subjectBooking, "load", err)
	}
	return records, nil
}

func (service *Service) now() time.Time {
	return service.clock.Now().UTC()
}
