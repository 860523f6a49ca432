package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"communityloans/native/loanpool"
	nativecommon "communityloans/native/common"
	"communityloans/services/loancontract"
	"communityloans/services/loanpool/node"
	"communityloans/state/bank"
	"communityloans/state/uniques"
)

var (
	errStreamDisabled  = errors.New("event stream disabled")
	errJournalDisabled = errors.New("event journal disabled")
	errNoSubject       = errors.New("request is not bound to an account")
)

// toStatus maps pool errors onto HTTP statuses. Unknown errors are reported as
// internal without leaking their text.
func toStatus(err error) (int, string) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, reqErr.Error()
	case errors.Is(err, loanpool.ErrInvalidIndex), errors.Is(err, loancontract.ErrUnknownLoan):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, loanpool.ErrInsufficientPermission):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, loanpool.ErrInvalidAmount), errors.Is(err, loanpool.ErrInvalidApproval),
		errors.Is(err, loancontract.ErrUnknownContract), errors.Is(err, loancontract.ErrBadCallData),
		errors.Is(err, loancontract.ErrUnderfunded):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, loanpool.ErrInsufficientProposersBalance), errors.Is(err, loanpool.ErrInsufficientLoanPoolBalance),
		errors.Is(err, bank.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, loanpool.ErrTooManyLoans), errors.Is(err, loancontract.ErrLoanExists),
		errors.Is(err, uniques.ErrCollectionExists), errors.Is(err, uniques.ErrItemExists):
		return http.StatusConflict, err.Error()
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, "loan pool paused"
	case errors.Is(err, node.ErrRepayUnavailable), errors.Is(err, errStreamDisabled), errors.Is(err, errJournalDisabled):
		return http.StatusNotImplemented, err.Error()
	case errors.Is(err, errNoSubject):
		return http.StatusUnauthorized, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}
