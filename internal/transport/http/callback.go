package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/pellax/memorymeet-sub001/internal/app"
	"github.com/pellax/memorymeet-sub001/internal/domain"
)

// CallbackHandler is the minimal interface needed to settle a callback.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, in app.CallbackInput) (app.CallbackResult, error)
}

// HandleCompletionCallback returns the handler the orchestrator posts
// completion reports to. It acknowledges with 200 even for unknown and
// duplicate reservation ids so the orchestrator stops redelivering.
func HandleCompletionCallback(svc CallbackHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		var req completionCallbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		result, err := svc.HandleCallback(r.Context(), app.CallbackInput{
			ReservationID: req.ReservationID,
			Outcome:       domain.SettlementOutcome(req.Outcome),
			ActualHours:   req.ActualHours,
			Error:         req.Error,
		})
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrReservationIDRequired):
				writeError(w, http.StatusBadRequest, codeReservationIDRequired, err.Error())
			case errors.Is(err, domain.ErrInvalidOutcome):
				writeError(w, http.StatusBadRequest, codeInvalidOutcome, err.Error())
			case errors.Is(err, domain.ErrInvalidAmount):
				writeError(w, http.StatusBadRequest, codeInvalidAmount, err.Error())
			case errors.Is(err, domain.ErrUnknownReservation):
				writeJSON(w, http.StatusOK, completionCallbackResponse{
					Ack:    true,
					Status: "unknown_reservation",
				})
			case errors.Is(err, domain.ErrReservationNotSettled):
				writeJSON(w, http.StatusOK, completionCallbackResponse{
					Ack:    true,
					Status: "not_settleable",
				})
			default:
				// Storage failure mid-settlement: nothing was applied, the
				// orchestrator should redeliver.
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
			return
		}

		status := "settled"
		if result.Duplicate {
			status = "already_settled"
		}
		writeJSON(w, http.StatusOK, completionCallbackResponse{
			Ack:    true,
			Status: status,
			State:  string(result.Reservation.State),
		})
	}
}

type completionCallbackRequest struct {
	ReservationID string           `json:"reservation_id"`
	Outcome       string           `json:"outcome"`
	ActualHours   *decimal.Decimal `json:"actual_hours"`
	Error         string           `json:"error"`
}

type completionCallbackResponse struct {
	Ack    bool   `json:"ack"`
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
}
