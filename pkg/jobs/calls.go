package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pario-ai/jobmeter/pkg/cost"
	"github.com/pario-ai/jobmeter/pkg/logging"
	"github.com/pario-ai/jobmeter/pkg/metrics"
	"github.com/pario-ai/jobmeter/pkg/models"
	"github.com/pario-ai/jobmeter/pkg/pricing"
	"github.com/pario-ai/jobmeter/pkg/provider"
	"github.com/pario-ai/jobmeter/pkg/relay"
	"github.com/pario-ai/jobmeter/pkg/store"
)

// CallRequest attributes one provider call to a job.
type CallRequest struct {
	ModelGroup  string               `json:"model_group"`
	Messages    []models.ChatMessage `json:"messages"`
	Temperature *float64             `json:"temperature,omitempty"`
	MaxTokens   *int                 `json:"max_tokens,omitempty"`
	Purpose     string               `json:"purpose,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
}

// TokenUsage counts the tokens of one call.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// CallResult is returned for a successful call.
type CallResult struct {
	CallID        string     `json:"call_id"`
	Content       string     `json:"content"`
	FinishReason  string     `json:"finish_reason"`
	TokensUsed    TokenUsage `json:"tokens_used"`
	LatencyMs     int64      `json:"latency_ms"`
	ResolvedModel string     `json:"resolved_model"`
	Provider      string     `json:"provider"`
}

// CallError is a provider failure after the call was recorded.
type CallError struct {
	CallID string
	Err    error
}

func (e *CallError) Error() string { return fmt.Sprintf("call %s: %v", e.CallID, e.Err) }
func (e *CallError) Unwrap() error { return e.Err }

// StreamWriter receives a streamed call. Start is called with the call ID
// before the first frame.
type StreamWriter interface {
	relay.Writer
	Start(callID string)
}

// pendingCall is a call that has been recorded as pending and pinned to a
// candidate, together with the price snapshot it is pinned to.
type pendingCall struct {
	call       models.Call
	team       *models.TeamBudget
	candidates []models.Candidate
	catalog    *pricing.Catalog
	quote      pricing.Quote
}

func validateMessages(msgs []models.ChatMessage) error {
	if len(msgs) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	for i, m := range msgs {
		if strings.TrimSpace(m.Role) == "" || m.Content == "" {
			return fmt.Errorf("%w: message %d needs a role and content", ErrInvalidRequest, i)
		}
	}
	return nil
}

// prepare validates the request and records a pending call pinned to the
// primary candidate. No provider is contacted before it succeeds.
func (s *Service) prepare(ctx context.Context, jobID string, req CallRequest, streamed bool) (*pendingCall, error) {
	if err := validateMessages(req.Messages); err != nil {
		return nil, err
	}
	if req.ModelGroup == "" {
		return nil, fmt.Errorf("%w: model_group is required", ErrInvalidRequest)
	}

	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobTerminal, jobID, job.State)
	}
	team, err := s.team(ctx, job.TeamID)
	if err != nil {
		return nil, err
	}
	if team.Status != models.TeamActive {
		return nil, fmt.Errorf("%w: team %s is %s", ErrTeamSuspended, team.TeamID, team.Status)
	}

	if _, err := s.ledger.CheckAvailable(ctx, job.TeamID, 1); err != nil {
		return nil, err
	}

	candidates, err := s.resolver.Resolve(ctx, job.TeamID, req.ModelGroup)
	if err != nil {
		return nil, err
	}

	catalog := s.pricing.Snapshot()
	primary := candidates[0]
	quote := catalog.Lookup(primary.Provider, primary.Model)
	now := s.now()
	p := &pendingCall{
		call: models.Call{
			ID:               uuid.NewString(),
			JobID:            jobID,
			ModelGroup:       req.ModelGroup,
			ResolvedModel:    primary.Model,
			Provider:         primary.Provider,
			Status:           models.CallPending,
			PriceInput:       quote.InputPerMillion,
			PriceOutput:      quote.OutputPerMillion,
			PriceFallback:    quote.Fallback,
			MarkupPercentage: team.MarkupPercentage,
			Purpose:          req.Purpose,
			Attempts:         1,
			Streamed:         streamed,
			CreatedAt:        now,
			DeadlineAt:       now.Add(s.callTimeout * time.Duration(len(candidates))),
		},
		team:       team,
		candidates: candidates,
		catalog:    catalog,
		quote:      quote,
	}

	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		locked, err := tx.LockJob(ctx, jobID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		if err != nil {
			return err
		}
		if locked.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrJobTerminal, jobID, locked.State)
		}
		if err := tx.StartJob(ctx, jobID, now); err != nil {
			return err
		}
		if err := tx.AddJobModelGroup(ctx, jobID, req.ModelGroup); err != nil {
			return err
		}
		return tx.InsertCall(ctx, p.call)
	})
	if err != nil {
		return nil, err
	}
	if p.quote.Fallback {
		s.logger.WarnContext(ctx, "no price for model, using default", "provider", primary.Provider, "model", primary.Model)
	}
	return p, nil
}

// repin moves the pending call to the next candidate when the executor
// falls back, so the call always carries the price of the model that ran.
func (s *Service) repin(p *pendingCall) provider.AdvanceFunc {
	return func(ctx context.Context, next models.Candidate, attempt int, cause error) error {
		quote := p.catalog.Lookup(next.Provider, next.Model)
		logging.FromContext(ctx, s.logger).WarnContext(ctx, "falling back to next model",
			"model_group", p.call.ModelGroup,
			"from", p.call.Provider+"/"+p.call.ResolvedModel,
			"to", next.Provider+"/"+next.Model,
			"attempt", attempt,
			"cause", cause,
		)
		err := s.store.RepinCall(context.WithoutCancel(ctx), p.call.ID, next.Provider, next.Model,
			quote.InputPerMillion, quote.OutputPerMillion, quote.Fallback)
		if err != nil {
			return err
		}
		p.call.Provider, p.call.ResolvedModel, p.call.Attempts = next.Provider, next.Model, attempt
		p.quote = quote
		return nil
	}
}

func (s *Service) providerRequest(p *pendingCall, req CallRequest) provider.Request {
	return provider.Request{
		Messages:     req.Messages,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		Organization: p.team.OrganizationID,
	}
}

func (s *Service) succeeded(p *pendingCall, in, out, latencyMs int64, finishReason, content string) models.CallOutcome {
	b := cost.CallCost(p.quote.Price, in, out, p.team.MarkupPercentage)
	return models.CallOutcome{
		Status:       models.CallSucceeded,
		InputTokens:  in,
		OutputTokens: out,
		ProviderCost: decimal.NewNullDecimal(b.ProviderCost),
		ClientCost:   decimal.NewNullDecimal(b.ClientCost),
		Markup:       p.team.MarkupPercentage,
		LatencyMs:    latencyMs,
		FinishReason: finishReason,
		Content:      content,
	}
}

func (s *Service) failed(p *pendingCall, in, out, latencyMs int64, content string, cause error, errType string) models.CallOutcome {
	if errType == "" {
		errType = string(provider.Kind(cause))
	}
	if errType == "" {
		errType = "provider_error"
	}
	return models.CallOutcome{
		Status:       models.CallFailed,
		InputTokens:  in,
		OutputTokens: out,
		Markup:       p.team.MarkupPercentage,
		LatencyMs:    latencyMs,
		Content:      content,
		Error:        cause.Error(),
		ErrorType:    errType,
	}
}

// closedOutcome is recorded for a call that returned after its job was
// completed. The job's summary already counted it as failed.
func closedOutcome(out models.CallOutcome, state models.JobState) models.CallOutcome {
	out.Status = models.CallFailed
	out.ProviderCost = decimal.NullDecimal{}
	out.ClientCost = decimal.NullDecimal{}
	out.Error = fmt.Sprintf("job was %s before the call returned", state)
	out.ErrorType = "job_closed"
	return out
}

// finalize records the outcome under the job lock. It must succeed even
// when the caller's context has been canceled. A call returning after its
// job closed is recorded as failed and reported as ErrJobTerminal.
func (s *Service) finalize(ctx context.Context, p *pendingCall, out models.CallOutcome) error {
	ctx = context.WithoutCancel(ctx)
	var closedAs models.JobState
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		closedAs = ""
		job, err := tx.LockJob(ctx, p.call.JobID)
		if err != nil {
			return err
		}
		rec := out
		if job.State.Terminal() {
			closedAs = job.State
			rec = closedOutcome(out, job.State)
		}
		return tx.FinalizeCall(ctx, p.call.ID, rec, s.now())
	})
	if err != nil {
		return err
	}
	if closedAs != "" {
		metrics.CallsRecordedTotal.WithLabelValues(string(models.CallFailed), strconv.FormatBool(p.call.Streamed)).Inc()
		logging.FromContext(ctx, s.logger).WarnContext(ctx, "call returned after job closed",
			"job_status", closedAs,
			"outcome", out.Status,
		)
		return fmt.Errorf("%w: job %s closed before call %s returned", ErrJobTerminal, p.call.JobID, p.call.ID)
	}
	metrics.CallsRecordedTotal.WithLabelValues(string(out.Status), strconv.FormatBool(p.call.Streamed)).Inc()
	logging.FromContext(ctx, s.logger).InfoContext(ctx, "call recorded",
		"provider", p.call.Provider,
		"model", p.call.ResolvedModel,
		"status", out.Status,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"attempts", p.call.Attempts,
	)
	return nil
}

// AttributeCall runs one non-streaming call for a job and records it.
// Provider failures are returned as *CallError carrying the recorded call's ID.
func (s *Service) AttributeCall(ctx context.Context, jobID string, req CallRequest) (*CallResult, error) {
	p, err := s.prepare(ctx, jobID, req, false)
	if err != nil {
		return nil, err
	}
	ctx = logging.Scoped(ctx, s.logger, "job_id", jobID, "call_id", p.call.ID)

	resp, outcome, err := s.executor.Complete(ctx, req.ModelGroup, p.candidates, s.providerRequest(p, req), s.repin(p))
	latency := outcome.Latency.Milliseconds()
	if err != nil {
		if ferr := s.finalize(ctx, p, s.failed(p, 0, 0, latency, "", err, "")); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return nil, &CallError{CallID: p.call.ID, Err: err}
	}

	in, out := int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens)
	if err := s.finalize(ctx, p, s.succeeded(p, in, out, latency, resp.FinishReason, resp.Content)); err != nil {
		if errors.Is(err, ErrJobTerminal) {
			return nil, &CallError{CallID: p.call.ID, Err: err}
		}
		return nil, err
	}
	return &CallResult{
		CallID:        p.call.ID,
		Content:       resp.Content,
		FinishReason:  resp.FinishReason,
		TokensUsed:    TokenUsage{Input: in, Output: out, Total: in + out},
		LatencyMs:     latency,
		ResolvedModel: p.call.ResolvedModel,
		Provider:      p.call.Provider,
	}, nil
}

// AttributeCallStream runs one streaming call and relays it to w. Errors
// before the stream opens are returned without touching w beyond Start;
// after that, failures are reported in-band by the relay.
func (s *Service) AttributeCallStream(ctx context.Context, jobID string, req CallRequest, w StreamWriter) (*CallResult, error) {
	p, err := s.prepare(ctx, jobID, req, true)
	if err != nil {
		return nil, err
	}
	ctx = logging.Scoped(ctx, s.logger, "job_id", jobID, "call_id", p.call.ID)
	w.Start(p.call.ID)

	st, outcome, err := s.executor.OpenStream(ctx, req.ModelGroup, p.candidates, s.providerRequest(p, req), s.repin(p))
	if err != nil {
		if ferr := s.finalize(ctx, p, s.failed(p, 0, 0, outcome.Latency.Milliseconds(), "", err, "")); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return nil, &CallError{CallID: p.call.ID, Err: err}
	}

	start := s.now().Add(-outcome.Latency)
	final, err := s.relay.Run(ctx, st, w, func(ctx context.Context, f relay.Final) error {
		in, out := f.Tokens()
		latency := s.now().Sub(start).Milliseconds()
		if f.Err != nil {
			return s.finalize(ctx, p, s.failed(p, in, out, latency, f.Content, f.Err, f.ErrorType))
		}
		return s.finalize(ctx, p, s.succeeded(p, in, out, latency, f.FinishReason, f.Content))
	})

	in, out := final.Tokens()
	result := &CallResult{
		CallID:        p.call.ID,
		Content:       final.Content,
		FinishReason:  final.FinishReason,
		TokensUsed:    TokenUsage{Input: in, Output: out, Total: in + out},
		LatencyMs:     s.now().Sub(start).Milliseconds(),
		ResolvedModel: p.call.ResolvedModel,
		Provider:      p.call.Provider,
	}
	if err != nil {
		return result, &CallError{CallID: p.call.ID, Err: err}
	}
	if final.Err != nil {
		return result, &CallError{CallID: p.call.ID, Err: final.Err}
	}
	return result, nil
}
