// Package config holds the runtime settings of callbookd.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/callbook/internal/rooms"
	"github.com/MarkoPoloResearchLab/callbook/internal/sweeper"
	"github.com/MarkoPoloResearchLab/callbook/internal/telemetry"
	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
	"github.com/MarkoPoloResearchLab/callbook/pkg/orchestrator"
)

const (
	defaultListenAddr          = ":8080"
	defaultHealthAddr          = ":7000"
	defaultDatabaseURL         = "sqlite:///tmp/callbook.db"
	defaultAllowedOrigin       = "http://localhost:8000"
	defaultSessionIssuer       = "tauth"
	defaultSessionCookie       = "app_session"
	defaultAMQPExchange        = "callbook.notifications"
	defaultRoomTimeout         = 5 * time.Second
	defaultRoomAttempts        = 3
	defaultSweepInterval       = 30 * time.Second
	defaultServiceName         = "callbookd"
	defaultEnvironment         = "development"
	defaultHistoryLimit        = 20
	maxFeeBasisPoints    int64 = 10000
)

// Config aggregates runtime settings for callbookd.
type Config struct {
	ListenAddr        string
	HealthAddr        string
	DatabaseURL       string
	RedisURL          string
	AMQPURL           string
	AMQPExchange      string
	RoomProviderURL   string
	RoomAPIKey        string
	RoomTimeout       time.Duration
	RoomAttempts      int
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AllowedOrigins    []string
	FeeBasisPoints    int64
	CreditsPerMinute  int64
	GracePeriod       time.Duration
	EarlyJoinWindow   time.Duration
	SweepInterval     time.Duration
	OTLPEndpoint      string
	Environment       string
	HistoryLimit      int
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		ListenAddr:        defaultListenAddr,
		HealthAddr:        defaultHealthAddr,
		DatabaseURL:       defaultDatabaseURL,
		AMQPExchange:      defaultAMQPExchange,
		RoomTimeout:       defaultRoomTimeout,
		RoomAttempts:      defaultRoomAttempts,
		SessionIssuer:     defaultSessionIssuer,
		SessionCookieName: defaultSessionCookie,
		AllowedOrigins:    []string{defaultAllowedOrigin},
		FeeBasisPoints:    orchestrator.DefaultConfig.FeeBasisPoints,
		CreditsPerMinute:  booking.DefaultPricing.CreditsPerMinute,
		GracePeriod:       orchestrator.DefaultConfig.GracePeriod,
		EarlyJoinWindow:   orchestrator.DefaultConfig.EarlyJoinWindow,
		SweepInterval:     defaultSweepInterval,
		Environment:       defaultEnvironment,
		HistoryLimit:      defaultHistoryLimit,
	}
}

// Validate fills unset values with defaults and rejects unusable ones.
func (cfg *Config) Validate() error {
	defaults := Default()
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaults.ListenAddr)
	cfg.HealthAddr = defaultIfEmpty(cfg.HealthAddr, defaults.HealthAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaults.DatabaseURL)
	cfg.AMQPExchange = defaultIfEmpty(cfg.AMQPExchange, defaults.AMQPExchange)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaults.SessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaults.SessionCookieName)
	cfg.Environment = defaultIfEmpty(cfg.Environment, defaults.Environment)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = defaults.AllowedOrigins
	}
	if cfg.RoomTimeout <= 0 {
		cfg.RoomTimeout = defaults.RoomTimeout
	}
	if cfg.RoomAttempts <= 0 {
		cfg.RoomAttempts = defaults.RoomAttempts
	}
	if cfg.CreditsPerMinute == 0 {
		cfg.CreditsPerMinute = defaults.CreditsPerMinute
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = defaults.GracePeriod
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
	}

	if strings.TrimSpace(cfg.RoomProviderURL) == "" {
		return fmt.Errorf("room provider url is required")
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.FeeBasisPoints < 0 || cfg.FeeBasisPoints > maxFeeBasisPoints {
		return fmt.Errorf("fee basis points must be within 0..%d", maxFeeBasisPoints)
	}
	if cfg.CreditsPerMinute < 0 {
		return fmt.Errorf("credits per minute must be positive")
	}
	if cfg.GracePeriod < 0 {
		return fmt.Errorf("grace period must be positive")
	}
	if cfg.EarlyJoinWindow < 0 {
		return fmt.Errorf("early join window must not be negative")
	}
	return nil
}

// Orchestrator returns the lifecycle constants derived from cfg.
func (cfg Config) Orchestrator() orchestrator.Config {
	lifecycle := orchestrator.DefaultConfig
	lifecycle.FeeBasisPoints = cfg.FeeBasisPoints
	lifecycle.Pricing = booking.Pricing{CreditsPerMinute: cfg.CreditsPerMinute}
	lifecycle.GracePeriod = cfg.GracePeriod
	lifecycle.EarlyJoinWindow = cfg.EarlyJoinWindow
	return lifecycle
}

// Rooms returns the room provider client settings.
func (cfg Config) Rooms() rooms.Config {
	return rooms.Config{
		BaseURL:  cfg.RoomProviderURL,
		APIKey:   cfg.RoomAPIKey,
		Timeout:  cfg.RoomTimeout,
		Attempts: cfg.RoomAttempts,
	}
}

// Sweeper returns the deadline sweeper settings.
func (cfg Config) Sweeper() sweeper.Config {
	return sweeper.Config{
		Interval:    cfg.SweepInterval,
		GracePeriod: cfg.GracePeriod,
		ClientSlack: sweeper.DefaultConfig.ClientSlack,
	}
}

// Telemetry returns the tracing settings.
func (cfg Config) Telemetry(version string) telemetry.Config {
	return telemetry.Config{
		ServiceName: defaultServiceName,
		Version:     version,
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
