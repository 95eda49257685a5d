// Package rooms talks to the video room provider over HTTP.
package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	// ErrInvalidConfig indicates an unusable client configuration.
	ErrInvalidConfig = errors.New("invalid room provider config")
	// ErrProvider wraps every failed provider call.
	ErrProvider = errors.New("room provider request failed")
)

const (
	defaultTimeout        = 5 * time.Second
	defaultAttempts       = 3
	defaultInitialBackoff = 100 * time.Millisecond
	maxBackoff            = 2 * time.Second
)

// Config configures the provider client.
type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	Attempts       int
	InitialBackoff time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.http = httpClient
		}
	}
}

// WithLogger logs retries.
func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// WithRequestCounter counts requests by operation and outcome.
func WithRequestCounter(counter *prometheus.CounterVec) Option {
	return func(client *Client) {
		client.requests = counter
	}
}

// Client provisions rooms, issues participant tokens and reports presence.
type Client struct {
	baseURL        *url.URL
	apiKey         string
	timeout        time.Duration
	attempts       int
	initialBackoff time.Duration
	http           *http.Client
	logger         *zap.Logger
	requests       *prometheus.CounterVec
}

// New validates the configuration.
func New(config Config, options ...Option) (*Client, error) {
	baseURL, err := url.Parse(strings.TrimRight(strings.TrimSpace(config.BaseURL), "/"))
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidConfig, config.BaseURL)
	}
	client := &Client{
		baseURL:        baseURL,
		apiKey:         strings.TrimSpace(config.APIKey),
		timeout:        config.Timeout,
		attempts:       config.Attempts,
		initialBackoff: config.InitialBackoff,
		http:           &http.Client{},
		logger:         zap.NewNop(),
	}
	if client.timeout <= 0 {
		client.timeout = defaultTimeout
	}
	if client.attempts <= 0 {
		client.attempts = defaultAttempts
	}
	if client.initialBackoff <= 0 {
		client.initialBackoff = defaultInitialBackoff
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

type createRoomRequest struct {
	Name      string `json:"name"`
	ExpiresAt int64  `json:"expires_at"`
}

type createRoomResponse struct {
	URL string `json:"url"`
}

type tokenRequest struct {
	Room          string `json:"room"`
	ParticipantID string `json:"participant_id"`
	ExpiresAt     int64  `json:"expires_at"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type presenceResponse struct {
	Participants int `json:"participants"`
}

// CreateRoom provisions the room of a booking. Creating an existing room returns its URL.
func (client *Client) CreateRoom(ctx context.Context, bookingID string, expiresAt time.Time) (string, error) {
	var response createRoomResponse
	request := createRoomRequest{Name: bookingID, ExpiresAt: expiresAt.Unix()}
	if err := client.do(ctx, "create_room", http.MethodPost, "/rooms", request, &response); err != nil {
		return "", err
	}
	if strings.TrimSpace(response.URL) == "" {
		return "", fmt.Errorf("%w: create_room: empty room url", ErrProvider)
	}
	return response.URL, nil
}

// DeleteRoom tears the room down. A room that no longer exists counts as deleted.
func (client *Client) DeleteRoom(ctx context.Context, bookingID string) error {
	err := client.do(ctx, "delete_room", http.MethodDelete, "/rooms/"+url.PathEscape(bookingID), nil, nil)
	var status *statusError
	if errors.As(err, &status) && status.code == http.StatusNotFound {
		return nil
	}
	return err
}

// JoinToken issues a token that admits one participant until expiresAt.
func (client *Client) JoinToken(ctx context.Context, bookingID string, participantID string, expiresAt time.Time) (string, error) {
	var response tokenResponse
	request := tokenRequest{Room: bookingID, ParticipantID: participantID, ExpiresAt: expiresAt.Unix()}
	if err := client.do(ctx, "join_token", http.MethodPost, "/meeting-tokens", request, &response); err != nil {
		return "", err
	}
	if strings.TrimSpace(response.Token) == "" {
		return "", fmt.Errorf("%w: join_token: empty token", ErrProvider)
	}
	return response.Token, nil
}

// Participants reports how many participants are connected to the booking's room.
func (client *Client) Participants(ctx context.Context, bookingID string) (int, error) {
	var response presenceResponse
	if err := client.do(ctx, "presence", http.MethodGet, "/rooms/"+url.PathEscape(bookingID)+"/presence", nil, &response); err != nil {
		return 0, err
	}
	return response.Participants, nil
}

type statusError struct {
	code int
	body string
}

func (err *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", err.code, err.body)
}

func (err *statusError) retryable() bool {
	return err.code == http.StatusTooManyRequests || err.code >= http.StatusInternalServerError
}

// do runs one provider call with a per-attempt timeout and exponential backoff between attempts.
// Client errors other than 429 are not retried.
func (client *Client) do(ctx context.Context, operation string, method string, path string, payload any, target any) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%w: %s: encode: %w", ErrProvider, operation, err)
		}
		body = encoded
	}

	backoff := client.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= client.attempts; attempt++ {
		if attempt > 1 {
			client.logger.Warn("room provider retry",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				client.count(operation, "cancelled")
				return fmt.Errorf("%w: %s: %w", ErrProvider, operation, ctx.Err())
			case <-timer.C:
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		lastErr = client.attempt(ctx, method, path, body, target)
		if lastErr == nil {
			client.count(operation, "success")
			return nil
		}
		var status *statusError
		if errors.As(lastErr, &status) && !status.retryable() {
			client.count(operation, "rejected")
			return fmt.Errorf("%w: %s: %w", ErrProvider, operation, lastErr)
		}
		if ctx.Err() != nil {
			break
		}
	}
	client.count(operation, "failure")
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrProvider, operation, client.attempts, lastErr)
}

func (client *Client) attempt(ctx context.Context, method string, path string, body []byte, target any) error {
	attemptCtx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(attemptCtx, method, client.baseURL.String()+path, reader)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if client.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+client.apiKey)
	}

	response, err := client.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return &statusError{code: response.StatusCode, body: strings.TrimSpace(string(snippet))}
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (client *Client) count(operation string, outcome string) {
	if client.requests != nil {
		client.requests.WithLabelValues(operation, outcome).Inc()
	}
}
