package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pellax/memorymeet-sub001/internal/app"
	"github.com/pellax/memorymeet-sub001/internal/domain"
)

// AccountAdmin is the minimal interface for account provisioning and usage.
type AccountAdmin interface {
	CreateAccount(ctx context.Context, in app.CreateAccountInput) (domain.Account, error)
	GetUsage(ctx context.Context, accountID string) (app.UsageReport, error)
}

// HandleCreateAccount returns an HTTP handler that provisions an account.
func HandleCreateAccount(svc AccountAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		var req createAccountRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		acc, err := svc.CreateAccount(r.Context(), app.CreateAccountInput{
			AccountID:      req.AccountID,
			TotalAllocated: req.TotalAllocated,
		})
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrInvalidID):
				writeError(w, http.StatusBadRequest, codeInvalidID, "account_id is required")
			case errors.Is(err, domain.ErrInvalidAllocation):
				writeError(w, http.StatusBadRequest, codeInvalidAllocation, err.Error())
			case errors.Is(err, domain.ErrAccountExists):
				writeError(w, http.StatusConflict, codeAccountExists, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
			return
		}

		writeJSON(w, http.StatusCreated, accountResponse{
			AccountID:      acc.ID,
			TotalAllocated: acc.TotalAllocated,
			Reserved:       acc.Reserved,
			Consumed:       acc.Consumed,
		})
	}
}

// HandleAccountUsage serves GET /v1/accounts/{id}/usage.
func HandleAccountUsage(svc AccountAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		accountID, ok := usagePathAccountID(r.URL.Path)
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}

		usage, err := svc.GetUsage(r.Context(), accountID)
		if err != nil {
			if errors.Is(err, domain.ErrAccountNotFound) {
				writeError(w, http.StatusNotFound, codeAccountNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, usageResponse{
			AccountID:             usage.AccountID,
			TotalAllocated:        usage.TotalAllocated,
			Reserved:              usage.Reserved,
			Consumed:              usage.Consumed,
			Available:             usage.Available,
			ConsumptionPercentage: usage.ConsumptionPercentage,
			NearLimit:             usage.NearLimit,
		})
	}
}

func usagePathAccountID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/v1/accounts/")
	if !ok {
		return "", false
	}
	accountID, ok := strings.CutSuffix(rest, "/usage")
	if !ok || accountID == "" || strings.Contains(accountID, "/") {
		return "", false
	}
	return accountID, true
}

type createAccountRequest struct {
	AccountID      string          `json:"account_id"`
	TotalAllocated decimal.Decimal `json:"total_allocated"`
}

type accountResponse struct {
	AccountID      string          `json:"account_id"`
	TotalAllocated decimal.Decimal `json:"total_allocated"`
	Reserved       decimal.Decimal `json:"reserved"`
	Consumed       decimal.Decimal `json:"consumed"`
}

type usageResponse struct {
	AccountID             string          `json:"account_id"`
	TotalAllocated        decimal.Decimal `json:"total_allocated"`
	Reserved              decimal.Decimal `json:"reserved"`
	Consumed              decimal.Decimal `json:"consumed"`
	Available             decimal.Decimal `json:"available"`
	ConsumptionPercentage decimal.Decimal `json:"consumption_percentage"`
	NearLimit             bool            `json:"near_limit"`
}
