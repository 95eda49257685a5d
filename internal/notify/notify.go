// Package notify delivers booking notifications through RabbitMQ.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/callbook/pkg/orchestrator"
)

const (
	routingKeyPrefix = "notification."

	defaultPublishTimeout = 3 * time.Second
	defaultAttempts       = 3
	defaultBackoff        = 200 * time.Millisecond
)

// channel is the part of *amqp.Channel the notifier publishes through.
type channel interface {
	PublishWithContext(ctx context.Context, exchange string, key string, mandatory bool, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Option customizes an AMQPNotifier.
type Option func(*AMQPNotifier)

// WithPublishTimeout bounds each publish attempt.
func WithPublishTimeout(timeout time.Duration) Option {
	return func(notifier *AMQPNotifier) {
		if timeout > 0 {
			notifier.timeout = timeout
		}
	}
}

// WithAttempts sets how many publishes are tried before giving up.
func WithAttempts(attempts int, backoff time.Duration) Option {
	return func(notifier *AMQPNotifier) {
		if attempts > 0 {
			notifier.attempts = attempts
		}
		if backoff >= 0 {
			notifier.backoff = backoff
		}
	}
}

// WithLogger logs retries.
func WithLogger(logger *zap.Logger) Option {
	return func(notifier *AMQPNotifier) {
		if logger != nil {
			notifier.logger = logger
		}
	}
}

// AMQPNotifier publishes one persistent JSON message per notification to a topic exchange.
// Routing keys are "notification.<kind>". Each publish is bounded by a timeout and retried a
// fixed number of times.
type AMQPNotifier struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	now      func() time.Time
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

// DialAMQP connects and declares the exchange.
func DialAMQP(url string, exchange string, options ...Option) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	notifier := newAMQPNotifier(ch, exchange, time.Now, options...)
	notifier.conn = conn
	return notifier, nil
}

func newAMQPNotifier(ch channel, exchange string, now func() time.Time, options ...Option) *AMQPNotifier {
	notifier := &AMQPNotifier{
		ch:       ch,
		exchange: exchange,
		now:      now,
		timeout:  defaultPublishTimeout,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(notifier)
		}
	}
	return notifier
}

// Notify publishes the notification, retrying failed or stalled publishes.
func (notifier *AMQPNotifier) Notify(ctx context.Context, notification orchestrator.Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	message := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    notification.Booking.ID + ":" + string(notification.Kind) + ":" + notification.RecipientID,
		Timestamp:    notifier.now().UTC(),
		Type:         string(notification.Kind),
		Body:         body,
	}
	key := routingKeyPrefix + string(notification.Kind)

	var lastErr error
	for attempt := 1; attempt <= notifier.attempts; attempt++ {
		if attempt > 1 {
			notifier.logger.Warn("notification publish retry",
				zap.String("message_id", message.MessageId),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			timer := time.NewTimer(notifier.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("publish notification: %w", ctx.Err())
			case <-timer.C:
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, notifier.timeout)
		lastErr = notifier.ch.PublishWithContext(attemptCtx, notifier.exchange, key, false, false, message)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("publish notification after %d attempts: %w", notifier.attempts, lastErr)
}

// Close releases the channel and connection.
func (notifier *AMQPNotifier) Close() error {
	if notifier.ch != nil {
		_ = notifier.ch.Close()
	}
	if notifier.conn != nil {
		return notifier.conn.Close()
	}
	return nil
}

// LogNotifier only logs notifications. It stands in when no broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier wraps logger; nil means no output.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the notification.
func (notifier *LogNotifier) Notify(_ context.Context, notification orchestrator.Notification) error {
	notifier.logger.Info("notification",
		zap.String("kind", string(notification.Kind)),
		zap.String("recipient_id", notification.RecipientID),
		zap.String("booking_id", notification.Booking.ID),
		zap.String("status", notification.Booking.Status.String()),
	)
	return nil
}
