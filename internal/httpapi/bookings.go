package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarkoPoloResearchLab/callbook/pkg/availability"
	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
	"github.com/MarkoPoloResearchLab/callbook/pkg/orchestrator"
)

const dateLayout = "2006-01-02"

type createBookingRequest struct {
	PayeeID         string    `json:"payee_id"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
}

type bookingEnvelope struct {
	Booking booking.Booking `json:"booking"`
}

type bookingsEnvelope struct {
	Bookings []booking.Booking `json:"bookings"`
}

type slotsEnvelope struct {
	PayeeID         string      `json:"payee_id"`
	Date            string      `json:"date"`
	DurationMinutes int         `json:"duration_minutes"`
	Slots           []time.Time `json:"slots"`
}

func (server *Server) handleCreateBooking(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request createBookingRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorValidation, "invalid booking payload"))
		return
	}
	record, err := server.bookings.CreateBooking(ctx.Request.Context(), orchestrator.Request{
		PayerID:         userID,
		PayeeID:         request.PayeeID,
		Start:           request.Start,
		DurationMinutes: request.DurationMinutes,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, bookingEnvelope{Booking: record})
}

func (server *Server) handleListBookings(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	limit, err := parseLimit(ctx.Query("limit"), maxListLimit)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorValidation, err.Error()))
		return
	}
	records, err := server.bookings.ListForUser(ctx.Request.Context(), userID, limit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	if records == nil {
		records = []booking.Booking{}
	}
	ctx.JSON(http.StatusOK, bookingsEnvelope{Bookings: records})
}

func (server *Server) handleGetBooking(ctx *gin.Context) {
	record, ok := server.participantBooking(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, bookingEnvelope{Booking: record})
}

func (server *Server) handleConfirm(ctx *gin.Context) {
	server.actorTransition(ctx, server.bookings.Confirm)
}

func (server *Server) handleDecline(ctx *gin.Context) {
	server.actorTransition(ctx, server.bookings.Decline)
}

func (server *Server) handleCancel(ctx *gin.Context) {
	server.actorTransition(ctx, server.bookings.Cancel)
}

func (server *Server) handleJoin(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	ticket, err := server.bookings.Join(ctx.Request.Context(), ctx.Param("bookingID"), userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, ticket)
}

func (server *Server) handleBothJoined(ctx *gin.Context) {
	server.participantTransition(ctx, server.bookings.MarkBothJoined)
}

func (server *Server) handleNoShow(ctx *gin.Context) {
	server.participantTransition(ctx, server.bookings.CancelNoShow)
}

func (server *Server) handleComplete(ctx *gin.Context) {
	server.participantTransition(ctx, server.bookings.Complete)
}

// actorTransition runs an operation that authorizes the caller itself.
func (server *Server) actorTransition(ctx *gin.Context, operation func(context.Context, string, string) (booking.Booking, error)) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	record, err := operation(ctx.Request.Context(), ctx.Param("bookingID"), userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, bookingEnvelope{Booking: record})
}

// participantTransition runs a deadline transition after checking the caller takes part in the call.
func (server *Server) participantTransition(ctx *gin.Context, operation func(context.Context, string) (booking.Booking, error)) {
	record, ok := server.participantBooking(ctx)
	if !ok {
		return
	}
	updated, err := operation(ctx.Request.Context(), record.ID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, bookingEnvelope{Booking: updated})
}

func (server *Server) participantBooking(ctx *gin.Context) (booking.Booking, bool) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return booking.Booking{}, false
	}
	record, err := server.bookings.Get(ctx.Request.Context(), ctx.Param("bookingID"))
	if err != nil {
		server.respondError(ctx, err)
		return booking.Booking{}, false
	}
	if _, err := record.VisibleTo(userID); err != nil {
		server.respondError(ctx, err)
		return booking.Booking{}, false
	}
	return record, true
}

func (server *Server) handleSlots(ctx *gin.Context) {
	if _, ok := sessionUser(ctx); !ok {
		return
	}
	payeeID := ctx.Param("payeeID")
	durationMinutes, err := strconv.Atoi(strings.TrimSpace(ctx.Query("duration")))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorValidation, "duration must be a number of minutes"))
		return
	}
	schedule, err := server.bookings.Schedule(ctx.Request.Context(), payeeID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	location, err := schedule.Location()
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	rawDate := strings.TrimSpace(ctx.Query("date"))
	date, err := time.ParseInLocation(dateLayout, rawDate, location)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorValidation, fmt.Sprintf("date must use %s", dateLayout)))
		return
	}
	slots, err := server.bookings.Slots(ctx.Request.Context(), payeeID, date, durationMinutes)
	if errors.Is(err, availability.ErrNoAvailability) {
		slots, err = []time.Time{}, nil
	}
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, slotsEnvelope{
		PayeeID:         payeeID,
		Date:            rawDate,
		DurationMinutes: durationMinutes,
		Slots:           slots,
	})
}

func (server *Server) handleSchedule(ctx *gin.Context) {
	if _, ok := sessionUser(ctx); !ok {
		return
	}
	schedule, err := server.bookings.Schedule(ctx.Request.Context(), ctx.Param("payeeID"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, schedule)
}

func (server *Server) handlePublishAvailability(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var schedule booking.Schedule
	if err := ctx.ShouldBindJSON(&schedule); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorValidation, "invalid schedule payload"))
		return
	}
	if err := server.bookings.PublishAvailability(ctx.Request.Context(), userID, schedule); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, schedule)
}

func parseLimit(raw string, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return max, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > max {
		limit = max
	}
	return limit, nil
}
