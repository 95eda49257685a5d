// Package realtime fans booking changes out over Redis pub/sub. Messages are change hints:
// subscribers refetch the booking instead of trusting the payload.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
)

const channelPrefix = "callbook:"

// Change is the payload published for every booking transition.
type Change struct {
	BookingID string         `json:"booking_id"`
	Status    booking.Status `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// BookingChannel names the channel carrying changes of one booking.
func BookingChannel(bookingID string) string {
	return channelPrefix + "booking:" + bookingID
}

// UserChannel names the channel carrying changes of every booking a user takes part in.
func UserChannel(userID string) string {
	return channelPrefix + "user:" + userID
}

type publishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Publisher publishes booking changes.
type Publisher struct {
	client publishClient
}

// NewPublisher wraps a redis client.
func NewPublisher(client publishClient) *Publisher {
	return &Publisher{client: client}
}

// Publish announces the record on its booking channel and on both participants' channels.
func (publisher *Publisher) Publish(ctx context.Context, record booking.Booking) error {
	payload, err := json.Marshal(Change{BookingID: record.ID, Status: record.Status, UpdatedAt: record.UpdatedAt})
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	for _, channel := range []string{BookingChannel(record.ID), UserChannel(record.PayerID), UserChannel(record.PayeeID)} {
		if err := publisher.client.Publish(ctx, channel, payload).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", channel, err)
		}
	}
	return nil
}

// Subscriber turns booking channel messages into refetch signals.
type Subscriber struct {
	client *redis.Client
	logger *zap.Logger
}

// NewSubscriber wraps a redis client.
func NewSubscriber(client *redis.Client, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{client: client, logger: logger}
}

// Signals subscribes to one booking. The returned channel is closed once ctx ends.
func (subscriber *Subscriber) Signals(ctx context.Context, bookingID string) (<-chan struct{}, error) {
	pubsub := subscriber.client.Subscribe(ctx, BookingChannel(bookingID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", bookingID, err)
	}
	signals := make(chan struct{}, 1)
	go func() {
		defer func() {
			if err := pubsub.Close(); err != nil {
				subscriber.logger.Debug("realtime unsubscribe failed", zap.Error(err))
			}
		}()
		pump(ctx, pubsub.Channel(), signals)
	}()
	return signals, nil
}

// pump coalesces messages: a pending signal already tells the reader to refetch.
func pump(ctx context.Context, messages <-chan *redis.Message, signals chan<- struct{}) {
	defer close(signals)
	for {
		select {
		case <-ctx.Done():
			return
		case _, open := <-messages:
			if !open {
				return
			}
			select {
			case signals <- struct{}{}:
			default:
			}
		}
	}
}

// Discard drops every change; used when no Redis is configured. Clients then rely on polling.
type Discard struct{}

// Publish implements the orchestrator publisher.
func (Discard) Publish(context.Context, booking.Booking) error { return nil }
