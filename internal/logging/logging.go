// Package logging adapts zap to the ledger's operation log hook.
package logging

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/callbook/pkg/ledger"
)

const ledgerMessage = "ledger operation"

// OperationLogger writes ledger operations as structured zap entries.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger returns an OperationLogger writing to logger; nil logs nothing.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("idempotency_key", entry.IdempotencyKey.String()),
		zap.String("status", entry.Status),
	}
	if entry.Counterparty != nil {
		fields = append(fields, zap.String("counterparty", entry.Counterparty.String()))
	}
	if entry.ReservationID != nil {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID.String()))
	}
	if entry.Payout > 0 {
		fields = append(fields,
			zap.Int64("payout", entry.Payout.Int64()),
			zap.Int64("platform_fee", entry.Amount.Int64()-entry.Payout.Int64()),
		)
	}
	if metadata := entry.Metadata.String(); metadata != "" && metadata != "{}" {
		fields = append(fields, zap.String("metadata", metadata))
	}
	if entry.Error != nil {
		if code, ok := ledger.CodeOf(entry.Error); ok {
			fields = append(fields, zap.String("code", code))
		}
		operationLogger.logger.Error(ledgerMessage, append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info(ledgerMessage, fields...)
}
