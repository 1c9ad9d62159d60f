package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ayo6706/bounty-escrow/internal/api/middleware"
	"github.com/ayo6706/bounty-escrow/internal/domain"
	"github.com/ayo6706/bounty-escrow/internal/models"
	"github.com/ayo6706/bounty-escrow/internal/service"
	"github.com/google/uuid"
)

type AccountHandler struct {
	accounts *service.AccountService
	ledger   *service.LedgerService
}

func NewAccountHandler(accounts *service.AccountService, ledger *service.LedgerService) *AccountHandler {
	return &AccountHandler{accounts: accounts, ledger: ledger}
}

type accountResponse struct {
	models.Account
	BalanceFormatted string `json:"balance_formatted"`
}

func newAccountResponse(a *models.Account) accountResponse {
	return accountResponse{Account: *a, BalanceFormatted: domain.FormatAmount(a.Balance)}
}

// CreateAccount handles POST /v1/accounts. It is idempotent per user id:
// 201 when the account was opened, 200 when it already existed.
func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-user-id", "Invalid user_id")
		return
	}

	account, created, err := h.accounts.OpenAccount(r.Context(), userID)
	if err != nil {
		RespondServiceError(w, r, "open account", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	RespondJSON(w, status, newAccountResponse(account))
}

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	account, err := h.accounts.GetAccount(r.Context(), accountID)
	if err != nil {
		RespondServiceError(w, r, "get account", err)
		return
	}
	RespondJSON(w, http.StatusOK, newAccountResponse(account))
}

func (h *AccountHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	accountID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.accounts.ListEntries(r.Context(), accountID, queryInt(r, "page", 1), queryInt(r, "page_size", 0))
	if err != nil {
		RespondServiceError(w, r, "list entries", err)
		return
	}
	RespondJSON(w, http.StatusOK, entries)
}

type postingBody struct {
	Amount      int64           `json:"amount"`
	Type        string          `json:"type"`
	BountyID    *uuid.UUID      `json:"bounty_id,omitempty"`
	ExternalRef string          `json:"external_ref,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Credit handles POST /v1/accounts/{id}/credits.
func (h *AccountHandler) Credit(w http.ResponseWriter, r *http.Request) {
	h.post(w, r, "credit", h.ledger.Credit)
}

// Debit handles POST /v1/accounts/{id}/debits.
func (h *AccountHandler) Debit(w http.ResponseWriter, r *http.Request) {
	h.post(w, r, "debit", h.ledger.Debit)
}

type postingFunc func(ctx context.Context, req service.PostingRequest) (*models.LedgerEntry, error)

func (h *AccountHandler) post(w http.ResponseWriter, r *http.Request, op string, fn postingFunc) {
	accountID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var body postingBody
	if !decodeBody(w, r, &body) {
		return
	}
	entry, err := fn(r.Context(), service.PostingRequest{
		AccountID:      accountID,
		Amount:         body.Amount,
		Type:           body.Type,
		BountyID:       body.BountyID,
		ExternalRef:    body.ExternalRef,
		Metadata:       body.Metadata,
		IdempotencyKey: middleware.IdempotencyKeyFromContext(r.Context()),
	})
	if err != nil {
		RespondServiceError(w, r, op, err)
		return
	}
	RespondJSON(w, http.StatusCreated, entry)
}
