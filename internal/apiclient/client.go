// Package apiclient calls the callbook HTTP API on behalf of one signed-in participant.
package apiclient

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

	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
	"github.com/MarkoPoloResearchLab/callbook/pkg/ledger"
	"github.com/MarkoPoloResearchLab/callbook/pkg/orchestrator"
)

// ErrInvalidConfig reports an unusable client configuration.
var ErrInvalidConfig = errors.New("invalid api client config")

// ErrUnexpectedResponse reports a response the client could not interpret.
var ErrUnexpectedResponse = errors.New("unexpected api response")

const defaultTimeout = 10 * time.Second

// sentinels maps the API's stable error codes back onto domain errors.
var sentinels = map[string]error{
	"validation_failed":         booking.ErrValidation,
	"insufficient_credits":      booking.ErrInsufficientCredits,
	"slot_conflict":             booking.ErrConflict,
	"status_changed":            booking.ErrStatusMismatch,
	"session_timing":            booking.ErrSessionTiming,
	"room_provisioning_failed":  booking.ErrRoomProvisioningFailed,
	"forbidden":                 booking.ErrForbidden,
	"not_found":                 booking.ErrNotFound,
	"duplicate_idempotency_key": ledger.ErrDuplicateIdempotencyKey,
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	CookieName   string
	SessionToken string
	Timeout      time.Duration
}

// Client is a session-cookie authenticated API client.
type Client struct {
	baseURL *url.URL
	cookie  *http.Cookie
	http    *http.Client
}

// New validates the configuration.
func New(config Config) (*Client, error) {
	baseURL, err := url.Parse(strings.TrimRight(strings.TrimSpace(config.BaseURL), "/"))
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidConfig, config.BaseURL)
	}
	if strings.TrimSpace(config.CookieName) == "" || strings.TrimSpace(config.SessionToken) == "" {
		return nil, fmt.Errorf("%w: cookie name and session token are required", ErrInvalidConfig)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		cookie:  &http.Cookie{Name: config.CookieName, Value: config.SessionToken},
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type bookingEnvelope struct {
	Booking booking.Booking `json:"booking"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Get fetches a booking.
func (client *Client) Get(ctx context.Context, bookingID string) (booking.Booking, error) {
	var envelope bookingEnvelope
	if err := client.do(ctx, http.MethodGet, bookingPath(bookingID, ""), &envelope); err != nil {
		return booking.Booking{}, err
	}
	return envelope.Booking, nil
}

// Join records the caller's arrival and returns the room ticket.
func (client *Client) Join(ctx context.Context, bookingID string) (orchestrator.JoinTicket, error) {
	var ticket orchestrator.JoinTicket
	if err := client.do(ctx, http.MethodPost, bookingPath(bookingID, "join"), &ticket); err != nil {
		return orchestrator.JoinTicket{}, err
	}
	return ticket, nil
}

// MarkBothJoined starts the call.
func (client *Client) MarkBothJoined(ctx context.Context, bookingID string) (booking.Booking, error) {
	return client.transition(ctx, bookingID, "both-joined")
}

// CancelNoShow cancels a call nobody completed joining.
func (client *Client) CancelNoShow(ctx context.Context, bookingID string) (booking.Booking, error) {
	return client.transition(ctx, bookingID, "no-show")
}

// Complete ends the call at its deadline.
func (client *Client) Complete(ctx context.Context, bookingID string) (booking.Booking, error) {
	return client.transition(ctx, bookingID, "complete")
}

func (client *Client) transition(ctx context.Context, bookingID string, action string) (booking.Booking, error) {
	var envelope bookingEnvelope
	if err := client.do(ctx, http.MethodPost, bookingPath(bookingID, action), &envelope); err != nil {
		return booking.Booking{}, err
	}
	return envelope.Booking, nil
}

func bookingPath(bookingID string, action string) string {
	path := "/api/bookings/" + bookingID
	if action != "" {
		path += "/" + action
	}
	return path
}

func (client *Client) do(ctx context.Context, method string, path string, target any) error {
	endpoint := client.baseURL.JoinPath(path)
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), bytes.NewReader(nil))
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	request.AddCookie(client.cookie)
	response, err := client.http.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if response.StatusCode >= http.StatusBadRequest {
		return decodeError(response.StatusCode, body)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnexpectedResponse, method, path, err)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Code == "" {
		return fmt.Errorf("%w: status %d", ErrUnexpectedResponse, status)
	}
	if sentinel, ok := sentinels[envelope.Error.Code]; ok {
		return fmt.Errorf("%w: %s", sentinel, envelope.Error.Message)
	}
	return fmt.Errorf("%w: status %d: %s: %s", ErrUnexpectedResponse, status, envelope.Error.Code, envelope.Error.Message)
}
