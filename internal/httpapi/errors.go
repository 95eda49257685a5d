package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/callbook/pkg/availability"
	"github.com/MarkoPoloResearchLab/callbook/pkg/booking"
	"github.com/MarkoPoloResearchLab/callbook/pkg/ledger"
)

const (
	errorValidation          = "validation_failed"
	errorInsufficientCredits = "insufficient_credits"
	errorConflict            = "slot_conflict"
	errorStatusMismatch      = "status_changed"
	errorSessionTiming       = "session_timing"
	errorRoomProvisioning    = "room_provisioning_failed"
	errorForbidden           = "forbidden"
	errorNotFound            = "not_found"
	errorDuplicateRequest    = "duplicate_idempotency_key"
	errorNoAvailability      = "no_availability"
	errorInternal            = "internal_error"
)

// ledgerValidationErrors are ledger input errors that surface as bad requests.
var ledgerValidationErrors = []error{
	ledger.ErrInvalidUserID,
	ledger.ErrInvalidCredits,
	ledger.ErrInvalidIdempotencyKey,
	ledger.ErrInvalidMetadataJSON,
	ledger.ErrInvalidReservationID,
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, booking.ErrNotFound):
		return http.StatusNotFound, errorNotFound
	case errors.Is(err, booking.ErrForbidden):
		return http.StatusForbidden, errorForbidden
	case errors.Is(err, booking.ErrInsufficientCredits), errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, errorInsufficientCredits
	case errors.Is(err, booking.ErrConflict):
		return http.StatusConflict, errorConflict
	case errors.Is(err, booking.ErrStatusMismatch):
		return http.StatusConflict, errorStatusMismatch
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, errorDuplicateRequest
	case errors.Is(err, booking.ErrSessionTiming):
		return http.StatusUnprocessableEntity, errorSessionTiming
	case errors.Is(err, booking.ErrRoomProvisioningFailed):
		return http.StatusServiceUnavailable, errorRoomProvisioning
	case errors.Is(err, availability.ErrNoAvailability):
		return http.StatusNotFound, errorNoAvailability
	case errors.Is(err, booking.ErrValidation):
		return http.StatusBadRequest, errorValidation
	}
	for _, sentinel := range ledgerValidationErrors {
		if errors.Is(err, sentinel) {
			return http.StatusBadRequest, errorValidation
		}
	}
	return http.StatusInternalServerError, errorInternal
}

// respondError writes the error envelope; internal failures are logged and not echoed.
func (server *Server) respondError(ctx *gin.Context, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		fields := []zap.Field{
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Error(err),
		}
		if operationCode, ok := ledger.CodeOf(err); ok {
			fields = append(fields, zap.String("operation_code", operationCode))
		}
		server.logger.Error("request failed", fields...)
		message = "internal error"
	}
	ctx.JSON(status, errorResponse(code, message))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
