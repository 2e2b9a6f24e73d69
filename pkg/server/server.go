// Package server exposes the job, call and credit operations over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/jobmeter/pkg/config"
	"github.com/pario-ai/jobmeter/pkg/jobs"
	"github.com/pario-ai/jobmeter/pkg/ledger"
	"github.com/pario-ai/jobmeter/pkg/logging"
	"github.com/pario-ai/jobmeter/pkg/metrics"
	"github.com/pario-ai/jobmeter/pkg/store"
)

const maxBodyBytes = 4 << 20

// Server is the jobmeter HTTP API.
type Server struct {
	cfg    *config.Config
	jobs   *jobs.Service
	ledger *ledger.Ledger
	store  *store.Store
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a Server wired with all dependencies.
func New(cfg *config.Config, svc *jobs.Service, l *ledger.Ledger, st *store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		jobs:   svc,
		ledger: l,
		store:  st,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/calls", s.handleAttributeCall)
	s.mux.HandleFunc("POST /v1/jobs/{id}/complete", s.handleCompleteJob)
	s.mux.HandleFunc("GET /v1/teams/{id}/credits", s.handleCredits)

	s.mux.Handle("GET /v1/teams/{id}/transactions", s.admin(s.handleTransactions))
	s.mux.Handle("GET /v1/teams/{id}/usage", s.admin(s.handleUsage))
	s.mux.Handle("POST /v1/teams/{id}/credits/allocate", s.admin(s.handleAllocate))
	s.mux.Handle("POST /v1/teams/{id}/credits/refund", s.admin(s.handleRefund))
	s.mux.Handle("GET /v1/teams/{id}/reconcile", s.admin(s.handleReconcile))

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)
	ctx := logging.Scoped(r.Context(), s.logger, "request_id", requestID)
	r = r.WithContext(ctx)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	elapsed := time.Since(start)
	metrics.ObserveHTTP(r.Method, route, rec.status, elapsed)
	logging.FromContext(ctx, s.logger).DebugContext(ctx, "http request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"duration_ms", elapsed.Milliseconds(),
	)
}

// ListenAndServe starts the API server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("jobmeter listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// admin guards ledger routes with the configured bearer token.
func (s *Server) admin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Admin.Token
		if token == "" {
			next(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "admin token required", "")
			return
		}
		next(w, r)
	})
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
