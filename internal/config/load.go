package config

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. CALLBOOK_DATABASE_URL.
const EnvPrefix = "CALLBOOK"

const (
	FlagListenAddr        = "listen-addr"
	FlagHealthAddr        = "health-addr"
	FlagDatabaseURL       = "database-url"
	FlagRedisURL          = "redis-url"
	FlagAMQPURL           = "amqp-url"
	FlagAMQPExchange      = "amqp-exchange"
	FlagRoomProviderURL   = "room-provider-url"
	FlagRoomAPIKey        = "room-api-key"
	FlagRoomTimeout       = "room-timeout"
	FlagRoomAttempts      = "room-attempts"
	FlagJWTSigningKey     = "jwt-signing-key"
	FlagJWTIssuer         = "jwt-issuer"
	FlagJWTCookieName     = "jwt-cookie-name"
	FlagAllowedOrigins    = "allowed-origins"
	FlagFeeBasisPoints    = "fee-basis-points"
	FlagCreditsPerMinute  = "credits-per-minute"
	FlagGracePeriod       = "grace-period"
	FlagEarlyJoinWindow   = "early-join-window"
	FlagSweepInterval     = "sweep-interval"
	FlagOTLPEndpoint      = "otlp-endpoint"
	FlagEnvironment       = "environment"
	FlagWalletHistorySize = "wallet-history-size"
)

var flagNames = []string{
	FlagListenAddr, FlagHealthAddr, FlagDatabaseURL, FlagRedisURL, FlagAMQPURL, FlagAMQPExchange,
	FlagRoomProviderURL, FlagRoomAPIKey, FlagRoomTimeout, FlagRoomAttempts, FlagJWTSigningKey,
	FlagJWTIssuer, FlagJWTCookieName, FlagAllowedOrigins, FlagFeeBasisPoints, FlagCreditsPerMinute,
	FlagGracePeriod, FlagEarlyJoinWindow, FlagSweepInterval, FlagOTLPEndpoint, FlagEnvironment,
	FlagWalletHistorySize,
}

// RegisterFlags declares every setting on cmd with its default.
func RegisterFlags(cmd *cobra.Command) {
	defaults := Default()
	flags := cmd.Flags()
	flags.String(FlagListenAddr, defaults.ListenAddr, "HTTP listen address")
	flags.String(FlagHealthAddr, defaults.HealthAddr, "gRPC health listen address")
	flags.String(FlagDatabaseURL, defaults.DatabaseURL, "postgres:// or sqlite:// database url")
	flags.String(FlagRedisURL, "", "redis url for the realtime feed (empty disables it)")
	flags.String(FlagAMQPURL, "", "AMQP url for notifications (empty logs them instead)")
	flags.String(FlagAMQPExchange, defaults.AMQPExchange, "AMQP topic exchange for notifications")
	flags.String(FlagRoomProviderURL, "", "video room provider base url (required)")
	flags.String(FlagRoomAPIKey, "", "video room provider api key")
	flags.Duration(FlagRoomTimeout, defaults.RoomTimeout, "per-attempt room provider timeout")
	flags.Int(FlagRoomAttempts, defaults.RoomAttempts, "room provider attempts per call")
	flags.String(FlagJWTSigningKey, "", "TAuth JWT signing key (required)")
	flags.String(FlagJWTIssuer, defaults.SessionIssuer, "expected JWT issuer")
	flags.String(FlagJWTCookieName, defaults.SessionCookieName, "JWT cookie name")
	flags.String(FlagAllowedOrigins, strings.Join(defaults.AllowedOrigins, ","), "comma-separated list of allowed CORS origins")
	flags.Int64(FlagFeeBasisPoints, defaults.FeeBasisPoints, "platform fee in basis points")
	flags.Int64(FlagCreditsPerMinute, defaults.CreditsPerMinute, "credits charged per call minute")
	flags.Duration(FlagGracePeriod, defaults.GracePeriod, "no-show grace period after the scheduled start")
	flags.Duration(FlagEarlyJoinWindow, defaults.EarlyJoinWindow, "how early participants may join")
	flags.Duration(FlagSweepInterval, defaults.SweepInterval, "deadline sweeper interval")
	flags.String(FlagOTLPEndpoint, "", "OTLP gRPC trace endpoint (empty disables tracing)")
	flags.String(FlagEnvironment, defaults.Environment, "deployment environment name")
	flags.Int(FlagWalletHistorySize, defaults.HistoryLimit, "wallet history entries returned per request")
}

// Load resolves flags and CALLBOOK_* environment variables into a validated Config.
func Load(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range flagNames {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		ListenAddr:        strings.TrimSpace(v.GetString(FlagListenAddr)),
		HealthAddr:        strings.TrimSpace(v.GetString(FlagHealthAddr)),
		DatabaseURL:       strings.TrimSpace(v.GetString(FlagDatabaseURL)),
		RedisURL:          strings.TrimSpace(v.GetString(FlagRedisURL)),
		AMQPURL:           strings.TrimSpace(v.GetString(FlagAMQPURL)),
		AMQPExchange:      strings.TrimSpace(v.GetString(FlagAMQPExchange)),
		RoomProviderURL:   strings.TrimSpace(v.GetString(FlagRoomProviderURL)),
		RoomAPIKey:        v.GetString(FlagRoomAPIKey),
		RoomTimeout:       v.GetDuration(FlagRoomTimeout),
		RoomAttempts:      v.GetInt(FlagRoomAttempts),
		SessionSigningKey: v.GetString(FlagJWTSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(FlagJWTIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(FlagJWTCookieName)),
		AllowedOrigins:    ParseAllowedOrigins(v.GetString(FlagAllowedOrigins)),
		FeeBasisPoints:    v.GetInt64(FlagFeeBasisPoints),
		CreditsPerMinute:  v.GetInt64(FlagCreditsPerMinute),
		GracePeriod:       v.GetDuration(FlagGracePeriod),
		EarlyJoinWindow:   v.GetDuration(FlagEarlyJoinWindow),
		SweepInterval:     v.GetDuration(FlagSweepInterval),
		OTLPEndpoint:      strings.TrimSpace(v.GetString(FlagOTLPEndpoint)),
		Environment:       strings.TrimSpace(v.GetString(FlagEnvironment)),
		HistoryLimit:      v.GetInt(FlagWalletHistorySize),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
