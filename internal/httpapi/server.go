// Package httpapi exposes bookings, availability and wallets over HTTP behind TAuth sessions.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
	"github.com/MarkoPoloResearchLab/callbook/pkg/ledger"
	"github.com/MarkoPoloResearchLab/callbook/pkg/orchestrator"
)

// ErrInvalidConfig reports a Server that cannot be built.
var ErrInvalidConfig = errors.New("invalid http api config")

const (
	claimsContextKey    = "auth_claims"
	defaultHistoryLimit = 20
	maxListLimit        = 100
	shutdownTimeout     = 5 * time.Second
)

// Bookings is the booking lifecycle as driven by HTTP clients.
type Bookings interface {
	CreateBooking(ctx context.Context, request orchestrator.Request) (booking.Booking, error)
	Get(ctx context.Context, bookingID string) (booking.Booking, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]booking.Booking, error)
	Confirm(ctx context.Context, bookingID string, actorID string) (booking.Booking, error)
	Decline(ctx context.Context, bookingID string, actorID string) (booking.Booking, error)
	Cancel(ctx context.Context, bookingID string, actorID string) (booking.Booking, error)
	Join(ctx context.Context, bookingID string, userID string) (orchestrator.JoinTicket, error)
	MarkBothJoined(ctx context.Context, bookingID string) (booking.Booking, error)
	CancelNoShow(ctx context.Context, bookingID string) (booking.Booking, error)
	Complete(ctx context.Context, bookingID string) (booking.Booking, error)
	Slots(ctx context.Context, payeeID string, date time.Time, durationMinutes int) ([]time.Time, error)
	Schedule(ctx context.Context, payeeID string) (booking.Schedule, error)
	PublishAvailability(ctx context.Context, payeeID string, schedule booking.Schedule) error
}

// Wallet is the subset of the ledger users reach directly.
type Wallet interface {
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	Grant(ctx context.Context, userID ledger.UserID, amount ledger.PositiveCredits, idempotencyKey ledger.IdempotencyKey, expiresAtUnixUTC int64, metadata ledger.MetadataJSON) error
	ListEntries(ctx context.Context, userID ledger.UserID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error)
}

// Metrics instruments the router and serves the scrape endpoint.
type Metrics interface {
	Middleware() gin.HandlerFunc
	Handler() http.Handler
}

// Config aggregates the HTTP settings.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	HistoryLimit      int
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the request error logger.
func WithLogger(logger *zap.Logger) Option {
	return func(server *Server) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// WithMetrics instruments every route and mounts /metrics.
func WithMetrics(metrics Metrics) Option {
	return func(server *Server) {
		server.metrics = metrics
	}
}

// Server is the HTTP facade over the orchestrator and the ledger.
type Server struct {
	cfg       Config
	bookings  Bookings
	wallet    Wallet
	validator *sessionvalidator.Validator
	logger    *zap.Logger
	metrics   Metrics
	router    *gin.Engine
}

// New builds the router.
func New(cfg Config, bookings Bookings, wallet Wallet, options ...Option) (*Server, error) {
	if bookings == nil || wallet == nil {
		return nil, fmt.Errorf("%w: bookings and wallet are required", ErrInvalidConfig)
	}
	if len(cfg.SessionSigningKey) == 0 || strings.TrimSpace(cfg.SessionIssuer) == "" || strings.TrimSpace(cfg.SessionCookieName) == "" {
		return nil, fmt.Errorf("%w: session signing key, issuer and cookie name are required", ErrInvalidConfig)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	server := &Server{
		cfg:       cfg,
		bookings:  bookings,
		wallet:    wallet,
		validator: validator,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	server.router = server.setupRouter()
	return server, nil
}

// Handler returns the router.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if server.metrics != nil {
		router.Use(server.metrics.Middleware())
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if server.metrics != nil {
		router.GET("/metrics", gin.WrapH(server.metrics.Handler()))
	}

	api := router.Group("/api")
	api.Use(server.validator.GinMiddleware(claimsContextKey))

	api.GET("/session", server.handleSession)

	api.GET("/wallet", server.handleWallet)
	api.POST("/wallet/grants", server.handleGrant)

	api.PUT("/availability", server.handlePublishAvailability)
	api.GET("/payees/:payeeID/availability", server.handleSchedule)
	api.GET("/payees/:payeeID/slots", server.handleSlots)

	api.POST("/bookings", server.handleCreateBooking)
	api.GET("/bookings", server.handleListBookings)
	api.GET("/bookings/:bookingID", server.handleGetBooking)
	api.POST("/bookings/:bookingID/confirm", server.handleConfirm)
	api.POST("/bookings/:bookingID/decline", server.handleDecline)
	api.POST("/bookings/:bookingID/cancel", server.handleCancel)
	api.POST("/bookings/:bookingID/join", server.handleJoin)
	api.POST("/bookings/:bookingID/both-joined", server.handleBothJoined)
	api.POST("/bookings/:bookingID/no-show", server.handleNoShow)
	api.POST("/bookings/:bookingID/complete", server.handleComplete)

	return router
}

func (server *Server) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":    claims.GetUserID(),
		"email":      claims.GetUserEmail(),
		"display":    claims.GetUserDisplayName(),
		"avatar_url": claims.GetUserAvatarURL(),
		"roles":      claims.GetUserRoles(),
		"expires":    claims.GetExpiresAt().Unix(),
	})
}

// sessionUser resolves the caller or writes a 401.
func sessionUser(ctx *gin.Context) (string, bool) {
	claims := getClaims(ctx)
	if claims == nil || strings.TrimSpace(claims.GetUserID()) == "" {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return "", false
	}
	return claims.GetUserID(), true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}
