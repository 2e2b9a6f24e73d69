// Package jobs runs the job lifecycle: creating jobs, attributing provider
// calls to them and completing them, which is the single point where
// credits are charged.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/jobmeter/pkg/ledger"
	"github.com/pario-ai/jobmeter/pkg/metrics"
	"github.com/pario-ai/jobmeter/pkg/models"
	"github.com/pario-ai/jobmeter/pkg/pricing"
	"github.com/pario-ai/jobmeter/pkg/provider"
	"github.com/pario-ai/jobmeter/pkg/relay"
	"github.com/pario-ai/jobmeter/pkg/store"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobTerminal    = errors.New("job is already completed or failed")
	ErrTeamSuspended  = errors.New("team is not active")
	ErrInvalidRequest = errors.New("invalid request")
	// ErrCallsInFlight is returned by CompleteJob while a call is still
	// running. Callers should retry once their calls have returned.
	ErrCallsInFlight = errors.New("job has calls in flight")
)

const defaultCallTimeout = 2 * time.Minute

// Resolver turns a model group into ordered candidates.
type Resolver interface {
	Resolve(ctx context.Context, teamID, group string) ([]models.Candidate, error)
}

// Executor runs a request across candidates with fallback.
type Executor interface {
	Complete(ctx context.Context, group string, candidates []models.Candidate, req provider.Request, advance provider.AdvanceFunc) (*provider.Response, provider.Outcome, error)
	OpenStream(ctx context.Context, group string, candidates []models.Candidate, req provider.Request, advance provider.AdvanceFunc) (provider.Stream, provider.Outcome, error)
}

// Config wires a Service.
type Config struct {
	Store    *store.Store
	Ledger   *ledger.Ledger
	Resolver Resolver
	Executor Executor
	Pricing  *pricing.Store
	Relay    *relay.Relay
	// CallTimeout bounds one provider attempt. A pending call gets one
	// attempt per candidate before completion treats it as abandoned.
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Service implements the job operations.
type Service struct {
	store       *store.Store
	ledger      *ledger.Ledger
	resolver    Resolver
	executor    Executor
	pricing     *pricing.Store
	relay       *relay.Relay
	callTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	rel := cfg.Relay
	if rel == nil {
		rel = relay.New(64, logger)
	}
	return &Service{
		store:       cfg.Store,
		ledger:      cfg.Ledger,
		resolver:    cfg.Resolver,
		executor:    cfg.Executor,
		pricing:     cfg.Pricing,
		relay:       rel,
		callTimeout: callTimeout,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateJobRequest opens a job.
type CreateJobRequest struct {
	TeamID     string          `json:"team_id"`
	JobType    string          `json:"job_type"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	ExternalID string          `json:"external_id,omitempty"`
}

// CreateJob opens a pending job for an active team. Repeating a request
// with the same external ID returns the job created the first time.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	if req.TeamID == "" || req.JobType == "" {
		return nil, fmt.Errorf("%w: team_id and job_type are required", ErrInvalidRequest)
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, fmt.Errorf("%w: metadata is not valid JSON", ErrInvalidRequest)
	}

	team, err := s.team(ctx, req.TeamID)
	if err != nil {
		return nil, err
	}
	if team.Status != models.TeamActive {
		return nil, fmt.Errorf("%w: team %s is %s", ErrTeamSuspended, team.TeamID, team.Status)
	}

	if req.ExternalID != "" {
		existing, err := s.store.JobByExternalID(ctx, req.TeamID, req.ExternalID)
		if err == nil {
			return withGroups(existing), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	job := models.Job{
		ID:         uuid.NewString(),
		TeamID:     req.TeamID,
		JobType:    req.JobType,
		ExternalID: req.ExternalID,
		State:      models.JobPending,
		Metadata:   req.Metadata,
		CreatedAt:  s.now(),
	}
	if err := s.store.InsertJob(ctx, job); err != nil {
		// A concurrent create with the same external ID won the insert.
		if req.ExternalID != "" {
			if existing, lookupErr := s.store.JobByExternalID(ctx, req.TeamID, req.ExternalID); lookupErr == nil {
				return withGroups(existing), nil
			}
		}
		return nil, err
	}

	metrics.JobsCreatedTotal.Inc()
	s.logger.InfoContext(ctx, "job created", "job_id", job.ID, "team_id", job.TeamID, "job_type", job.JobType)
	return withGroups(&job), nil
}

// GetJob returns a job with all of its calls.
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.JobDetail, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	calls, err := s.store.CallsForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if calls == nil {
		calls = []models.Call{}
	}
	return &models.JobDetail{Job: *withGroups(job), Calls: calls}, nil
}

// CheckCredits returns a team's current balance.
func (s *Service) CheckCredits(ctx context.Context, teamID string) (models.Balance, error) {
	return s.ledger.Balance(ctx, teamID)
}

func (s *Service) team(ctx context.Context, teamID string) (*models.TeamBudget, error) {
	team, err := s.store.GetTeam(ctx, teamID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrTeamNotFound, teamID)
	}
	return team, err
}

func withGroups(j *models.Job) *models.Job {
	if j.ModelGroups == nil {
		j.ModelGroups = []string{}
	}
	return j
}
