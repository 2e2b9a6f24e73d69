package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pario-ai/jobmeter/pkg/jobs"
	"github.com/pario-ai/jobmeter/pkg/ledger"
	"github.com/pario-ai/jobmeter/pkg/provider"
	"github.com/pario-ai/jobmeter/pkg/router"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	CallID    string `json:"call_id,omitempty"`
	ErrorKind string `json:"error_type,omitempty"`
}

func writeJSONError(w http.ResponseWriter, code int, message, callID string) {
	writeErrorBody(w, errorDetail{Message: message, Type: "jobmeter_error", Code: code, CallID: callID})
}

func writeErrorBody(w http.ResponseWriter, d errorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.Code)
	_ = json.NewEncoder(w).Encode(errorBody{Error: d})
}

// statusCode maps a domain error to its HTTP status.
func statusCode(err error) int {
	var callErr *jobs.CallError
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, router.ErrAccessDenied), errors.Is(err, jobs.ErrTeamSuspended):
		return http.StatusForbidden
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, ledger.ErrTeamNotFound), errors.Is(err, router.ErrGroupNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, jobs.ErrJobTerminal), errors.Is(err, jobs.ErrCallsInFlight), errors.Is(err, ledger.ErrRefundExceedsCharge):
		return http.StatusConflict
	case errors.As(err, &callErr), errors.Is(err, provider.ErrNoCandidates):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Internal errors are logged and hidden from the caller.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	d := errorDetail{Message: err.Error(), Type: "jobmeter_error", Code: code}

	var callErr *jobs.CallError
	if errors.As(err, &callErr) {
		d.CallID = callErr.CallID
		d.ErrorKind = string(provider.Kind(err))
	}
	if code == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		if !errors.Is(err, ledger.ErrLedgerMismatch) {
			d.Message = "internal error"
		}
	}
	writeErrorBody(w, d)
}
