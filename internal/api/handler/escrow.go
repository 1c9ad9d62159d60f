package handler

import (
	"net/http"

	"github.com/ayo6706/bounty-escrow/internal/api/middleware"
	"github.com/ayo6706/bounty-escrow/internal/domain"
	"github.com/ayo6706/bounty-escrow/internal/service"
	"github.com/google/uuid"
)

// EscrowHandler exposes the bounty hold lifecycle.
type EscrowHandler struct {
	escrow        *service.EscrowService
	defaultFeeBPS int64
}

func NewEscrowHandler(escrow *service.EscrowService, defaultFeeBPS int64) *EscrowHandler {
	return &EscrowHandler{escrow: escrow, defaultFeeBPS: defaultFeeBPS}
}

// Hold handles POST /v1/escrow/{bountyID}/hold. The Idempotency-Key header
// is the hold key.
func (h *EscrowHandler) Hold(w http.ResponseWriter, r *http.Request) {
	bountyID, ok := uuidParam(w, r, "bountyID")
	if !ok {
		return
	}
	var req struct {
		PosterAccountID uuid.UUID `json:"poster_account_id"`
		Amount          int64     `json:"amount"`
		Category        string    `json:"category"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.escrow.Hold(r.Context(), service.HoldRequest{
		BountyID:        bountyID,
		PosterAccountID: req.PosterAccountID,
		Amount:          req.Amount,
		Category:        req.Category,
		IdempotencyKey:  middleware.IdempotencyKeyFromContext(r.Context()),
	})
	if err != nil {
		RespondServiceError(w, r, "hold escrow", err)
		return
	}
	respondEscrow(w, res, http.StatusCreated)
}

// Release handles POST /v1/escrow/{bountyID}/release. fee_bps overrides the
// configured default fee.
func (h *EscrowHandler) Release(w http.ResponseWriter, r *http.Request) {
	bountyID, ok := uuidParam(w, r, "bountyID")
	if !ok {
		return
	}
	var req struct {
		HunterAccountID uuid.UUID `json:"hunter_account_id"`
		FeeBPS          *int64    `json:"fee_bps,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	bps := h.defaultFeeBPS
	if req.FeeBPS != nil {
		bps = *req.FeeBPS
	}

	res, err := h.escrow.Release(r.Context(), service.ReleaseRequest{
		BountyID:        bountyID,
		HunterAccountID: req.HunterAccountID,
		FeePolicy:       domain.PercentageFee{BasisPoints: bps},
	})
	if err != nil {
		RespondServiceError(w, r, "release escrow", err)
		return
	}
	respondEscrow(w, res, http.StatusOK)
}

func (h *EscrowHandler) Refund(w http.ResponseWriter, r *http.Request) {
	bountyID, ok := uuidParam(w, r, "bountyID")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	res, err := h.escrow.Refund(r.Context(), bountyID, req.Reason)
	if err != nil {
		RespondServiceError(w, r, "refund escrow", err)
		return
	}
	respondEscrow(w, res, http.StatusOK)
}

func (h *EscrowHandler) Dispute(w http.ResponseWriter, r *http.Request) {
	bountyID, ok := uuidParam(w, r, "bountyID")
	if !ok {
		return
	}
	res, err := h.escrow.Dispute(r.Context(), bountyID)
	if err != nil {
		RespondServiceError(w, r, "dispute escrow", err)
		return
	}
	respondEscrow(w, res, http.StatusOK)
}

func (h *EscrowHandler) Get(w http.ResponseWriter, r *http.Request) {
	bountyID, ok := uuidParam(w, r, "bountyID")
	if !ok {
		return
	}
	hold, err := h.escrow.GetHold(r.Context(), bountyID)
	if err != nil {
		RespondServiceError(w, r, "get escrow", err)
		return
	}
	RespondJSON(w, http.StatusOK, hold)
}

// respondEscrow answers replays with 200 and sets X-Idempotent-Replay.
func respondEscrow(w http.ResponseWriter, res *service.EscrowResult, status int) {
	if res.Replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
		status = http.StatusOK
	}
	RespondJSON(w, status, res)
}
