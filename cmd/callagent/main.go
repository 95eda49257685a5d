package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/callbook/internal/apiclient"
	"github.com/MarkoPoloResearchLab/callbook/internal/realtime"
	"github.com/MarkoPoloResearchLab/callbook/internal/rooms"
	"github.com/MarkoPoloResearchLab/callbook/pkg/session"
)

const (
	flagAPIURL          = "api-url"
	flagSessionToken    = "session-token"
	flagCookieName      = "jwt-cookie-name"
	flagBookingID       = "booking-id"
	flagRedisURL        = "redis-url"
	flagRoomProviderURL = "room-provider-url"
	flagRoomAPIKey      = "room-api-key"
	envPrefix           = "CALLAGENT"
	defaultAPIURL       = "http://localhost:8080"
	defaultCookieName   = "app_session"
)

type agentConfig struct {
	APIURL          string
	SessionToken    string
	CookieName      string
	BookingID       string
	RedisURL        string
	RoomProviderURL string
	RoomAPIKey      string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "callagent: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := agentConfig{}
	cmd := &cobra.Command{
		Use:           "callagent",
		Short:         "Joins a booked call and runs its session controller",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg)
		},
	}

	cmd.Flags().String(flagAPIURL, defaultAPIURL, "callbookd base url")
	cmd.Flags().String(flagSessionToken, "", "TAuth session token of the participant (required)")
	cmd.Flags().String(flagCookieName, defaultCookieName, "session cookie name")
	cmd.Flags().String(flagBookingID, "", "booking to join (required)")
	cmd.Flags().String(flagRedisURL, "", "redis url of the realtime feed (empty polls only)")
	cmd.Flags().String(flagRoomProviderURL, "", "video room provider base url (required)")
	cmd.Flags().String(flagRoomAPIKey, "", "video room provider api key")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *agentConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{flagAPIURL, flagSessionToken, flagCookieName, flagBookingID, flagRedisURL, flagRoomProviderURL, flagRoomAPIKey} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.APIURL = strings.TrimSpace(v.GetString(flagAPIURL))
	cfg.SessionToken = strings.TrimSpace(v.GetString(flagSessionToken))
	cfg.CookieName = strings.TrimSpace(v.GetString(flagCookieName))
	cfg.BookingID = strings.TrimSpace(v.GetString(flagBookingID))
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.RoomProviderURL = strings.TrimSpace(v.GetString(flagRoomProviderURL))
	cfg.RoomAPIKey = v.GetString(flagRoomAPIKey)

	if cfg.SessionToken == "" {
		return fmt.Errorf("%s is required", flagSessionToken)
	}
	if cfg.BookingID == "" {
		return fmt.Errorf("%s is required", flagBookingID)
	}
	if cfg.RoomProviderURL == "" {
		return fmt.Errorf("%s is required", flagRoomProviderURL)
	}
	return nil
}

func runAgent(ctx context.Context, cfg agentConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("booking_id", cfg.BookingID))

	api, err := apiclient.New(apiclient.Config{BaseURL: cfg.APIURL, CookieName: cfg.CookieName, SessionToken: cfg.SessionToken})
	if err != nil {
		return err
	}
	room, err := rooms.New(rooms.Config{BaseURL: cfg.RoomProviderURL, APIKey: cfg.RoomAPIKey}, rooms.WithLogger(logger))
	if err != nil {
		return err
	}

	ticket, err := api.Join(ctx, cfg.BookingID)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	logger.Info("joined call",
		zap.String("party", string(ticket.Party)),
		zap.String("room_url", ticket.RoomURL),
		zap.Time("expires_at", ticket.ExpiresAt),
		zap.Int64("grace_period_seconds", ticket.GracePeriodSeconds),
	)

	options := []session.Option{session.WithLogger(logger)}
	if cfg.RedisURL != "" {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(redisOptions)
		defer func() { _ = client.Close() }()
		signals, err := realtime.NewSubscriber(client, logger).Signals(ctx, cfg.BookingID)
		if err != nil {
			logger.Warn("realtime feed unavailable, polling only", zap.Error(err))
		} else {
			options = append(options, session.WithSignals(signals))
		}
	}

	controller, err := session.NewController(session.Config{
		BookingID: cfg.BookingID,
		Role:      ticket.Party,
		Timing:    ticket.SessionTiming(session.DefaultTiming),
	}, api, room, options...)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- controller.Run(ctx) }()

	for event := range controller.Events() {
		logEvent(logger, event)
	}
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func logEvent(logger *zap.Logger, event session.Event) {
	fields := []zap.Field{
		zap.String("kind", string(event.Kind)),
		zap.String("phase", string(event.Phase)),
		zap.Duration("remaining", event.Remaining),
	}
	switch event.Kind {
	case session.EventError:
		logger.Warn("session event", append(fields, zap.Error(event.Err))...)
	case session.EventTick:
		logger.Debug("session event", fields...)
	default:
		logger.Info("session event", fields...)
	}
}
