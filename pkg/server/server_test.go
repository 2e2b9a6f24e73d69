package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/jobmeter/pkg/config"
	"github.com/pario-ai/jobmeter/pkg/jobs"
	"github.com/pario-ai/jobmeter/pkg/ledger"
	"github.com/pario-ai/jobmeter/pkg/logging"
	"github.com/pario-ai/jobmeter/pkg/models"
	"github.com/pario-ai/jobmeter/pkg/pricing"
	"github.com/pario-ai/jobmeter/pkg/provider"
	"github.com/pario-ai/jobmeter/pkg/router"
	"github.com/pario-ai/jobmeter/pkg/store"
)

// fakeOpenAI answers chat completions. A last message of "fail" gets a 500.
func fakeOpenAI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-provider" {
			t.Error("expected provider API key in upstream request")
		}
		var req models.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Messages[len(req.Messages)-1].Content == "fail" {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"boom","type":"server_error"}}`)
			return
		}
		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, d := range []string{"Hel", "lo"} {
				fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
			}
			fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
			fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":9,\"completion_tokens\":2,\"total_tokens\":11}}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		fmt.Fprintf(w, `{"id":"chatcmpl-1","model":%q,"choices":[{"index":0,"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`, req.Model)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupServer(t *testing.T, adminToken string) *Server {
	t.Helper()
	ctx := context.Background()
	upstream := fakeOpenAI(t)

	cfg := config.Default()
	cfg.Listen = ":0"
	cfg.Admin.Token = adminToken
	cfg.Providers = []config.ProviderConfig{{Name: "openai", URL: upstream.URL, APIKey: "sk-provider", Type: "openai"}}
	cfg.ModelGroups = []config.ModelGroupConfig{
		{Name: "Fast", Models: []config.GroupMemberConfig{{Provider: "openai", Model: "gpt-4o-mini", Priority: 1}}},
		{Name: "Smart", Models: []config.GroupMemberConfig{{Provider: "openai", Model: "gpt-4o", Priority: 1}}},
	}
	cfg.Teams = []config.TeamConfig{
		{ID: "team-a", BudgetMode: "job_based", CreditsAllocated: 5, ModelGroups: []string{"Fast"}},
		{ID: "team-empty", BudgetMode: "job_based", ModelGroups: []string{"Fast"}},
	}

	st, err := store.Open(ctx, config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "server.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	l := ledger.New(st, nil, nil)
	require.NoError(t, l.SyncDirectory(ctx, cfg))

	reg, err := provider.FromConfig(cfg.Providers, provider.NewStaticCredentials(cfg.Providers), upstream.Client())
	require.NoError(t, err)

	svc := jobs.New(jobs.Config{
		Store:       st,
		Ledger:      l,
		Resolver:    router.New(st, reg.Names()),
		Executor:    provider.NewExecutor(reg, 5*time.Second, nil),
		Pricing:     pricing.NewStore(pricing.FromConfig(cfg.Pricing)),
		CallTimeout: time.Minute,
	})
	return New(cfg, svc, l, st, nil)
}

func do(t *testing.T, srv *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func createJob(t *testing.T, srv *Server, team string) models.Job {
	t.Helper()
	w := do(t, srv, http.MethodPost, "/v1/jobs", fmt.Sprintf(`{"team_id":%q,"job_type":"summarize"}`, team))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[models.Job](t, w)
}

const callBody = `{"model_group":"Fast","messages":[{"role":"user","content":"hi"}]}`

func TestJobLifecycle(t *testing.T) {
	srv := setupServer(t, "")
	job := createJob(t, srv, "team-a")
	assert.Equal(t, models.JobPending, job.State)

	w := do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/calls", callBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody[jobs.CallResult](t, w)
	assert.Equal(t, "Hello!", res.Content)
	assert.Equal(t, "gpt-4o-mini", res.ResolvedModel)
	assert.Equal(t, int64(15), res.TokensUsed.Total)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/complete", `{"status":"completed"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := w.Body.String()
	summary := decodeBody[models.JobSummary](t, w)
	assert.True(t, summary.CreditApplied)
	assert.Equal(t, int64(1), summary.CreditsDeducted)
	assert.Equal(t, int64(4), summary.CreditsRemaining)

	w = do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/complete", `{"status":"completed"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, first, w.Body.String(), "repeated completion returns the stored summary")

	w = do(t, srv, http.MethodGet, "/v1/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	detail := decodeBody[models.JobDetail](t, w)
	assert.Equal(t, models.JobCompleted, detail.Job.State)
	assert.Len(t, detail.Calls, 1)

	w = do(t, srv, http.MethodGet, "/v1/teams/team-a/credits", "")
	require.Equal(t, http.StatusOK, w.Code)
	balance := decodeBody[models.Balance](t, w)
	assert.Equal(t, int64(4), balance.CreditsRemaining)
	assert.Equal(t, models.ModeJobBased, balance.BudgetMode)
}

// logLines decodes JSON log output keyed by message.
func logLines(t *testing.T, buf *bytes.Buffer) map[string]map[string]any {
	t.Helper()
	lines := map[string]map[string]any{}
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line), sc.Text())
		lines[line["msg"].(string)] = line
	}
	return lines
}

func TestRequestLogsUseConfiguredLogger(t *testing.T) {
	srv := setupServer(t, "")
	var buf bytes.Buffer
	srv.logger = logging.New("debug", "json", &buf)
	job := createJob(t, srv, "team-a")
	buf.Reset()

	w := do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/calls", callBody, "X-Request-ID", "req-42")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	lines := logLines(t, &buf)
	access, ok := lines["http request"]
	require.True(t, ok, "access log missing: %s", buf.String())
	assert.Equal(t, "req-42", access["request_id"])
	assert.Equal(t, "/v1/jobs/"+job.ID+"/calls", access["path"])

	recorded, ok := lines["call recorded"]
	require.True(t, ok, "call log missing")
	assert.Equal(t, "req-42", recorded["request_id"])
	assert.Equal(t, job.ID, recorded["job_id"])
}

func TestStreamingCall(t *testing.T) {
	srv := setupServer(t, "")
	job := createJob(t, srv, "team-a")

	w := do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/calls",
		`{"model_group":"Fast","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	callID := w.Header().Get("X-Jobmeter-Call-Id")
	require.NotEmpty(t, callID)

	body := w.Body.String()
	assert.Contains(t, body, `data: {"delta_content":"Hel"}`)
	assert.Contains(t, body, `data: {"delta_content":"lo"}`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	w = do(t, srv, http.MethodGet, "/v1/jobs/"+job.ID, "")
	detail := decodeBody[models.JobDetail](t, w)
	require.Len(t, detail.Calls, 1)
	assert.Equal(t, callID, detail.Calls[0].ID)
	assert.Equal(t, "Hello", detail.Calls[0].Content)
	assert.Equal(t, int64(2), detail.Calls[0].OutputTokens)
	assert.True(t, detail.Calls[0].Streamed)
}

func TestErrorResponses(t *testing.T) {
	srv := setupServer(t, "")
	job := createJob(t, srv, "team-a")
	empty := createJob(t, srv, "team-empty")
	finished := createJob(t, srv, "team-a")
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/v1/jobs/"+finished.ID+"/complete", `{"status":"failed"}`).Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"malformed body", http.MethodPost, "/v1/jobs", `{`, http.StatusBadRequest},
		{"missing job type", http.MethodPost, "/v1/jobs", `{"team_id":"team-a"}`, http.StatusBadRequest},
		{"unknown team", http.MethodPost, "/v1/jobs", `{"team_id":"nobody","job_type":"x"}`, http.StatusNotFound},
		{"unknown job", http.MethodGet, "/v1/jobs/nope", "", http.StatusNotFound},
		{"empty messages", http.MethodPost, "/v1/jobs/" + job.ID + "/calls", `{"model_group":"Fast","messages":[]}`, http.StatusBadRequest},
		{"group not assigned", http.MethodPost, "/v1/jobs/" + job.ID + "/calls", `{"model_group":"Smart","messages":[{"role":"user","content":"hi"}]}`, http.StatusForbidden},
		{"unknown group", http.MethodPost, "/v1/jobs/" + job.ID + "/calls", `{"model_group":"Nope","messages":[{"role":"user","content":"hi"}]}`, http.StatusNotFound},
		{"no credits", http.MethodPost, "/v1/jobs/" + empty.ID + "/calls", callBody, http.StatusPaymentRequired},
		{"terminal job", http.MethodPost, "/v1/jobs/" + finished.ID + "/calls", callBody, http.StatusConflict},
		{"bad status", http.MethodPost, "/v1/jobs/" + job.ID + "/complete", `{"status":"in_progress"}`, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/v2/nothing", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestProviderFailureReturnsCallID(t *testing.T) {
	srv := setupServer(t, "")
	job := createJob(t, srv, "team-a")

	w := do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/calls",
		`{"model_group":"Fast","messages":[{"role":"user","content":"fail"}]}`)
	require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())

	body := decodeBody[errorBody](t, w)
	assert.Equal(t, "jobmeter_error", body.Error.Type)
	assert.Equal(t, http.StatusBadGateway, body.Error.Code)
	assert.NotEmpty(t, body.Error.CallID)
	assert.Equal(t, "server_error", body.Error.ErrorKind)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	srv := setupServer(t, "s3cret")

	w := do(t, srv, http.MethodPost, "/v1/teams/team-a/credits/allocate", `{"amount":10}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, srv, http.MethodPost, "/v1/teams/team-a/credits/allocate", `{"amount":10,"reason":"top up"}`,
		"Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	entry := decodeBody[models.CreditTransaction](t, w)
	assert.Equal(t, models.TxAllocation, entry.Type)
	assert.Equal(t, int64(15), entry.BalanceAfter)

	w = do(t, srv, http.MethodPost, "/v1/teams/team-a/credits/allocate", `{"amount":0}`,
		"Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodGet, "/v1/teams/team-a/transactions?limit=5", "", "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	history := decodeBody[struct {
		Transactions []models.CreditTransaction `json:"transactions"`
	}](t, w)
	assert.Len(t, history.Transactions, 2)

	w = do(t, srv, http.MethodGet, "/v1/teams/team-a/reconcile", "", "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"consistent":true`)

	w = do(t, srv, http.MethodGet, "/v1/teams/team-a/credits", "")
	assert.Equal(t, http.StatusOK, w.Code, "balance is not an admin route")
}

func TestRefundOverHTTP(t *testing.T) {
	srv := setupServer(t, "")
	job := createJob(t, srv, "team-a")
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/calls", callBody).Code)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/complete", `{"status":"completed"}`).Code)

	w := do(t, srv, http.MethodPost, "/v1/teams/team-a/credits/refund", fmt.Sprintf(`{"amount":2,"job_id":%q}`, job.ID))
	assert.Equal(t, http.StatusConflict, w.Code, "refund larger than the charge")

	w = do(t, srv, http.MethodPost, "/v1/teams/team-a/credits/refund", fmt.Sprintf(`{"amount":1,"job_id":%q}`, job.ID))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	entry := decodeBody[models.CreditTransaction](t, w)
	assert.Equal(t, models.TxRefund, entry.Type)
	assert.Equal(t, int64(5), entry.BalanceAfter)
}

func TestUsageReport(t *testing.T) {
	srv := setupServer(t, "")
	job := createJob(t, srv, "team-a")
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/v1/jobs/"+job.ID+"/calls", callBody).Code)

	w := do(t, srv, http.MethodGet, "/v1/teams/team-a/usage?days=7", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decodeBody[struct {
		Usage []models.UsageSummary `json:"usage"`
	}](t, w)
	require.Len(t, report.Usage, 1)
	assert.Equal(t, "gpt-4o-mini", report.Usage[0].Model)
	assert.Equal(t, 1, report.Usage[0].CallCount)
}

func TestHealthz(t *testing.T) {
	srv := setupServer(t, "")
	w := do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{jobs.ErrInvalidRequest, http.StatusBadRequest},
		{router.ErrAccessDenied, http.StatusForbidden},
		{jobs.ErrTeamSuspended, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", jobs.ErrJobNotFound), http.StatusNotFound},
		{ledger.ErrInsufficientCredits, http.StatusPaymentRequired},
		{jobs.ErrCallsInFlight, http.StatusConflict},
		{jobs.ErrJobTerminal, http.StatusConflict},
		{&jobs.CallError{CallID: "c", Err: &provider.Error{Kind: provider.KindTimeout}}, http.StatusBadGateway},
		{ledger.ErrLedgerMismatch, http.StatusInternalServerError},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, statusCode(tt.err), tt.err.Error())
	}
}
