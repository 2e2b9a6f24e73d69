package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pario-ai/jobmeter/pkg/jobs"
	"github.com/pario-ai/jobmeter/pkg/ledger"
	"github.com/pario-ai/jobmeter/pkg/models"
)

// decode reads a JSON request body into v.
func decode(r *http.Request, w http.ResponseWriter, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to read request body", jobs.ErrInvalidRequest)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid request body", jobs.ErrInvalidRequest)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateJobRequest
	if err := decode(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.CreateJob(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	detail, err := s.jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleAttributeCall(w http.ResponseWriter, r *http.Request) {
	var req jobs.CallRequest
	if err := decode(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	jobID := r.PathValue("id")

	if !req.Stream {
		res, err := s.jobs.AttributeCall(r.Context(), jobID, req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	sw, err := newSSEWriter(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.jobs.AttributeCallStream(r.Context(), jobID, req, sw); err != nil {
		if !sw.started {
			s.writeError(w, r, err)
			return
		}
		// Once frames are flowing the failure has been reported in-band.
		s.logger.WarnContext(r.Context(), "stream ended with error", "job_id", jobID, "error", err)
	}
}

func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.CompleteRequest
	if err := decode(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	summary, err := s.jobs.CompleteJob(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	b, err := s.jobs.CheckCredits(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", jobs.ErrInvalidRequest, name)
	}
	return n, nil
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	history, err := s.ledger.History(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []models.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": history})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 30)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	teamID := r.PathValue("id")
	if _, err := s.ledger.Balance(r.Context(), teamID); err != nil {
		s.writeError(w, r, err)
		return
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.store.UsageSummary(r.Context(), teamID, since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []models.UsageSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": since, "usage": rows})
}

type creditRequest struct {
	Amount int64  `json:"amount"`
	JobID  string `json:"job_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := decode(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual allocation"
	}
	entry, err := s.ledger.Allocate(r.Context(), r.PathValue("id"), req.Amount, reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := decode(r, w, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual refund"
	}
	entry, err := s.ledger.Refund(r.Context(), r.PathValue("id"), req.JobID, req.Amount, reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ledger.Reconcile(r.Context(), r.PathValue("id"))
	if err != nil && !errors.Is(err, ledger.ErrLedgerMismatch) {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if err != nil {
		code = http.StatusInternalServerError
		s.logger.ErrorContext(r.Context(), "reconcile found mismatch", "team_id", rec.TeamID, "error", err)
	}
	writeJSON(w, code, map[string]any{"reconciliation": rec, "consistent": rec.Consistent()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "driver": s.store.Driver()})
}
