package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/callbook/pkg/ledger"
)

type grantRequest struct {
	Amount         int64          `json:"amount"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type balanceView struct {
	Total     int64 `json:"total"`
	Available int64 `json:"available"`
}

type entryView struct {
	EntryID        string `json:"entry_id"`
	Type           string `json:"type"`
	Amount         int64  `json:"amount"`
	ReservationID  string `json:"reservation_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
	Metadata       any    `json:"metadata,omitempty"`
}

type walletEnvelope struct {
	UserID  string      `json:"user_id"`
	Balance balanceView `json:"balance"`
	Entries []entryView `json:"entries"`
}

func (server *Server) handleWallet(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var before int64
	if raw := strings.TrimSpace(ctx.Query("before")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorValidation, "before must be a unix timestamp"))
			return
		}
		before = parsed
	}
	envelope, err := server.walletSnapshot(ctx, userID, before)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, envelope)
}

func (server *Server) handleGrant(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorValidation, "invalid grant payload"))
		return
	}
	ledgerUserID, err := ledger.NewUserID(userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	rawKey := strings.TrimSpace(request.IdempotencyKey)
	if rawKey == "" {
		rawKey = "grant:" + uuid.NewString()
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(rawKey)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	metadata, err := metadataJSON(request.Metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	if err := server.wallet.Grant(ctx.Request.Context(), ledgerUserID, amount, idempotencyKey, 0, metadata); err != nil {
		server.respondError(ctx, err)
		return
	}
	envelope, err := server.walletSnapshot(ctx, userID, 0)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, envelope)
}

func (server *Server) walletSnapshot(ctx *gin.Context, userID string, before int64) (walletEnvelope, error) {
	ledgerUserID, err := ledger.NewUserID(userID)
	if err != nil {
		return walletEnvelope{}, err
	}
	balance, err := server.wallet.Balance(ctx.Request.Context(), ledgerUserID)
	if err != nil {
		return walletEnvelope{}, err
	}
	entries, err := server.wallet.ListEntries(ctx.Request.Context(), ledgerUserID, before, server.cfg.HistoryLimit)
	if err != nil {
		return walletEnvelope{}, err
	}
	views := make([]entryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, newEntryView(entry))
	}
	return walletEnvelope{
		UserID:  userID,
		Balance: balanceView{Total: balance.Total.Int64(), Available: balance.Available.Int64()},
		Entries: views,
	}, nil
}

func newEntryView(entry ledger.Entry) entryView {
	view := entryView{
		EntryID:        entry.EntryID().String(),
		Type:           entry.Type().String(),
		Amount:         entry.Amount().Int64(),
		IdempotencyKey: entry.IdempotencyKey().String(),
		CreatedUnixUTC: entry.CreatedUnixUTC(),
	}
	if reservationID, ok := entry.ReservationID(); ok {
		view.ReservationID = reservationID.String()
	}
	if raw := entry.MetadataJSON().String(); raw != "" && raw != "{}" {
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
			view.Metadata = decoded
		}
	}
	return view
}

func metadataJSON(values map[string]any) (ledger.MetadataJSON, error) {
	if len(values) == 0 {
		return ledger.NewMetadataJSON("{}")
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return ledger.MetadataJSON{}, err
	}
	return ledger.NewMetadataJSON(string(encoded))
}
