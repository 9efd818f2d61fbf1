package api

import (
	"net/http"

	"github.com/atelier-dev/atelier/internal/credit"
	"github.com/atelier-dev/atelier/internal/log"
)

// CreditHandler exposes the caller's credit status.
type CreditHandler struct {
	ledger *credit.Ledger
	logger log.Logger
}

// NewCreditHandler creates a new credit handler.
func NewCreditHandler(ledger *credit.Ledger, logger log.Logger) *CreditHandler {
	return &CreditHandler{ledger: ledger, logger: logger}
}

// RegisterRoutes registers credit routes on the given mux.
func (h *CreditHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/credits", h.status)
}

func (h *CreditHandler) status(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "credit ledger not configured")
		return
	}

	receipt, err := h.ledger.Status(r.Context(), user)
	if err != nil {
		h.logger.Error("failed to read credit status", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to read credit status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"remaining": receipt.Remaining,
		"reset_at":  receipt.ResetAt,
	})
}
