package handler

import (
	"net/http"

	"github.com/ayo6706/bounty-escrow/internal/api/middleware"
	"github.com/ayo6706/bounty-escrow/internal/service"
	"github.com/google/uuid"
)

// WithdrawalHandler starts payouts to an external destination.
type WithdrawalHandler struct {
	transfers *service.TransferService
}

func NewWithdrawalHandler(transfers *service.TransferService) *WithdrawalHandler {
	return &WithdrawalHandler{transfers: transfers}
}

type withdrawalResponse struct {
	LedgerEntryID uuid.UUID `json:"ledger_entry_id"`
	AccountID     uuid.UUID `json:"account_id"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
}

// Create handles POST /v1/withdrawals and returns 202. Once the debit is
// accepted the caller only ever sees paid or payment_pending.
func (h *WithdrawalHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID   uuid.UUID `json:"account_id"`
		Amount      int64     `json:"amount"`
		Destination string    `json:"destination"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.transfers.RequestWithdrawal(r.Context(), service.WithdrawalRequest{
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		Destination:    req.Destination,
		IdempotencyKey: middleware.IdempotencyKeyFromContext(r.Context()),
	})
	if err != nil {
		RespondServiceError(w, r, "request withdrawal", err)
		return
	}

	RespondJSON(w, http.StatusAccepted, withdrawalResponse{
		LedgerEntryID: res.Entry.ID,
		AccountID:     res.Entry.AccountID,
		Amount:        -res.Entry.Amount,
		Status:        res.Status,
	})
}
