package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/ayo6706/bounty-escrow/internal/service"
	"go.uber.org/zap"
)

const SignatureHeader = "X-Processor-Signature"

// WebhookHandler receives signed events from the payment processor.
type WebhookHandler struct {
	intake *service.IntakeService
}

// NewWebhookHandler creates a new WebhookHandler instance.
func NewWebhookHandler(intake *service.IntakeService) *WebhookHandler {
	return &WebhookHandler{intake: intake}
}

// HandleProcessorEvent handles POST /v1/webhooks/processor. Accepted and
// duplicate deliveries both answer 200 so the processor stops retrying.
func (h *WebhookHandler) HandleProcessorEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		zap.L().Warn("read webhook body failed", zap.Error(err))
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Failed to read request body")
		return
	}

	res, err := h.intake.Receive(r.Context(), "", "", body, r.Header.Get(SignatureHeader))
	switch {
	case errors.Is(err, service.ErrInvalidSignature):
		RespondError(w, r, http.StatusUnauthorized, "webhook/invalid-signature", "Invalid signature")
		return
	case errors.Is(err, service.ErrMalformedEvent):
		RespondError(w, r, http.StatusBadRequest, "webhook/malformed-event", err.Error())
		return
	case err != nil:
		RespondServiceError(w, r, "receive processor event", err)
		return
	}
	RespondJSON(w, http.StatusOK, res)
}
