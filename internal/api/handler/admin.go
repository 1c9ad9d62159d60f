package handler

import (
	"net/http"

	"github.com/ayo6706/bounty-escrow/internal/service"
	"github.com/go-chi/chi/v5"
)

// AdminHandler serves operator tooling for stuck events and payouts.
type AdminHandler struct {
	intake    *service.IntakeService
	transfers *service.TransferService
}

func NewAdminHandler(intake *service.IntakeService, transfers *service.TransferService) *AdminHandler {
	return &AdminHandler{intake: intake, transfers: transfers}
}

func (h *AdminHandler) ListFailedEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.intake.ListFailedEvents(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		RespondServiceError(w, r, "list failed events", err)
		return
	}
	RespondJSON(w, http.StatusOK, events)
}

// ReplayEvent re-dispatches one failed event, ignoring the automated cap.
func (h *AdminHandler) ReplayEvent(w http.ResponseWriter, r *http.Request) {
	res, err := h.intake.ReplayEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		RespondServiceError(w, r, "replay event", err)
		return
	}
	RespondJSON(w, http.StatusOK, res)
}

func (h *AdminHandler) ListFailedTransfers(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.transfers.ListTerminallyFailed(r.Context(), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		RespondServiceError(w, r, "list failed transfers", err)
		return
	}
	RespondJSON(w, http.StatusOK, attempts)
}

// ListTransfersNeedingReview lists attempts whose outcome stayed unknown
// after every resubmission.
func (h *AdminHandler) ListTransfersNeedingReview(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.transfers.ListNeedsReview(r.Context(), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		RespondServiceError(w, r, "list transfers needing review", err)
		return
	}
	RespondJSON(w, http.StatusOK, attempts)
}

// RetryTransfer starts the next attempt for a failed withdrawal.
func (h *AdminHandler) RetryTransfer(w http.ResponseWriter, r *http.Request) {
	entryID, ok := uuidParam(w, r, "entryID")
	if !ok {
		return
	}
	attempt, err := h.transfers.RetryTransfer(r.Context(), entryID)
	if err != nil {
		RespondServiceError(w, r, "retry transfer", err)
		return
	}
	RespondJSON(w, http.StatusAccepted, map[string]any{
		"attempt": attempt,
		"status":  service.PublicTransferStatus(attempt.Status),
	})
}
