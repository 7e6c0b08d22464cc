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

// WorkRequester is the minimal interface needed to submit work.
type WorkRequester interface {
	RequestWork(ctx context.Context, in app.RequestWorkInput) (app.RequestWorkResult, error)
}

// HandleRequestWork returns an HTTP handler for submitting metered work.
func HandleRequestWork(svc WorkRequester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		var req requestWorkRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		if code, msg := req.validate(); code != "" {
			writeError(w, http.StatusBadRequest, code, msg)
			return
		}

		result, err := svc.RequestWork(r.Context(), app.RequestWorkInput{
			AccountID:      req.AccountID,
			ReservationID:  req.ReservationID,
			EstimatedHours: req.EstimatedHours,
			Payload:        req.Payload,
		})
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrInvalidAmount):
				writeError(w, http.StatusBadRequest, codeInvalidAmount, err.Error())
			case errors.Is(err, domain.ErrReservationIDRequired):
				writeError(w, http.StatusBadRequest, codeReservationIDRequired, err.Error())
			case errors.Is(err, domain.ErrAccountNotFound):
				writeError(w, http.StatusNotFound, codeAccountNotFound, err.Error())
			case errors.Is(err, domain.ErrIdempotencyConflict):
				writeError(w, http.StatusConflict, codeIdempotencyConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
			return
		}

		switch result.Status {
		case app.RequestQuotaDenied:
			// Resource exhausted: definitive until the account's quota
			// refreshes.
			writeError(w, http.StatusForbidden, codeInsufficientQuota, "insufficient quota")
		case app.RequestDispatchFailed:
			writeError(w, http.StatusServiceUnavailable, codeDispatchFailed, "orchestrator unavailable, quota released")
		case app.RequestDuplicate:
			writeJSON(w, http.StatusOK, requestWorkResponse{
				Status:     string(result.Status),
				TrackingID: result.TrackingID,
				State:      string(result.State),
			})
		default:
			writeJSON(w, http.StatusAccepted, requestWorkResponse{
				Status:     string(result.Status),
				TrackingID: result.TrackingID,
				State:      string(result.State),
			})
		}
	}
}

type requestWorkRequest struct {
	AccountID      string          `json:"account_id"`
	ReservationID  string          `json:"reservation_id"`
	EstimatedHours decimal.Decimal `json:"estimated_hours"`
	Payload        json.RawMessage `json:"payload"`
}

func (r requestWorkRequest) validate() (code, msg string) {
	if r.AccountID == "" {
		return codeInvalidID, "account_id is required"
	}
	if r.ReservationID == "" {
		return codeReservationIDRequired, "reservation_id is required"
	}
	if !r.EstimatedHours.IsPositive() {
		return codeInvalidAmount, "estimated_hours must be positive"
	}
	return "", ""
}

type requestWorkResponse struct {
	Status     string `json:"status"`
	TrackingID string `json:"tracking_id"`
	State      string `json:"state"`
}
