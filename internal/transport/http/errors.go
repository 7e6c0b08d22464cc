package http

import (
	"encoding/json"
	"net/http"
)

const (
	codeMethodNotAllowed      = "method_not_allowed"
	codeNotFound              = "not_found"
	codeInvalidRequestBody    = "invalid_request_body"
	codeInvalidID             = "invalid_id"
	codeInvalidAmount         = "invalid_amount"
	codeInvalidAllocation     = "invalid_allocation"
	codeInvalidOutcome        = "invalid_outcome"
	codeReservationIDRequired = "reservation_id_required"
	codeIdempotencyConflict   = "idempotency_conflict"
	codeInsufficientQuota     = "insufficient_quota"
	codeAccountNotFound       = "account_not_found"
	codeAccountExists         = "account_already_exists"
	codeDispatchFailed        = "dispatch_failed"
	codeForbidden             = "forbidden"
	codeInternalError         = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
