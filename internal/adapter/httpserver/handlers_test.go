package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator/internal/config"
	"github.com/botfleet/orchestrator/internal/domain"
	"github.com/botfleet/orchestrator/internal/usecase"
)

type stubQueue struct {
	domain.JobQueue

	enqueued []domain.JobSubmission
	getJob   domain.Job
	getErr   error
}

func (q *stubQueue) Enqueue(_ domain.Context, sub domain.JobSubmission) (string, error) {
	q.enqueued = append(q.enqueued, sub)
	return "job-1", nil
}

func (q *stubQueue) Get(_ domain.Context, jobID string) (domain.Job, error) {
	if q.getErr != nil {
		return domain.Job{}, q.getErr
	}
	return q.getJob, nil
}

func (q *stubQueue) Cancel(_ domain.Context, jobID, actor string) (bool, string, error) {
	return false, "", domain.ErrNotCancellable
}

type stubWorkflows struct {
	domain.WorkflowRepository

	stored map[string]domain.Workflow
}

func (s *stubWorkflows) Get(_ domain.Context, id string) (domain.Workflow, error) {
	wf, ok := s.stored[id]
	if !ok {
		return domain.Workflow{}, domain.ErrNotFound
	}
	return wf, nil
}

func (s *stubWorkflows) Save(_ domain.Context, w domain.Workflow) (string, error) {
	if s.stored == nil {
		s.stored = make(map[string]domain.Workflow)
	}
	if w.ID == "" {
		w.ID = "wf-new"
	}
	s.stored[w.ID] = w
	return w.ID, nil
}

func testServer(q *stubQueue, wfs *stubWorkflows) *Server {
	cfg := config.Config{
		MaxWorkflowBytes:       1 << 20,
		MaxWorkflowNodes:       500,
		MaxWorkflowConnections: 1000,
		MaxWorkflowDepth:       16,
		MaxRetries:             3,
	}
	return &Server{
		Cfg:       cfg,
		Jobs:      usecase.NewJobService(q, nil, usecase.WorkflowBounds{MaxBytes: cfg.MaxWorkflowBytes, MaxNodes: cfg.MaxWorkflowNodes, MaxConnections: cfg.MaxWorkflowConnections, MaxDepth: cfg.MaxWorkflowDepth}),
		Workflows: wfs,
	}
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestSubmitJobAccepted(t *testing.T) {
	q := &stubQueue{}
	srv := testServer(q, &stubWorkflows{})

	body := `{"workflow_id":"wf-1","workflow_json":{"nodes":[{"id":"a","type":"action"}]},"priority":5}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.SubmitJobHandler()(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp["id"])
	assert.Equal(t, "pending", resp["status"])

	require.Len(t, q.enqueued, 1)
	assert.Equal(t, 5, q.enqueued[0].Priority)
	assert.Equal(t, 3, q.enqueued[0].MaxRetries)
	assert.Equal(t, "api", q.enqueued[0].Actor)
}

func TestSubmitJobInvalidJSON(t *testing.T) {
	srv := testServer(&stubQueue{}, &stubWorkflows{})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{broken`))
	rec := httptest.NewRecorder()
	srv.SubmitJobHandler()(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_ARGUMENT", resp.Error.Code)
}

func TestSubmitJobValidation(t *testing.T) {
	srv := testServer(&stubQueue{}, &stubWorkflows{})

	// Missing workflow_id and out-of-range priority.
	body := `{"priority":99,"workflow_json":{"nodes":[{"id":"a"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.SubmitJobHandler()(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	details, ok := resp.Error.Details.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, details, "workflowid")
	assert.Contains(t, details, "priority")
}

func TestSubmitJobUsesStoredWorkflow(t *testing.T) {
	q := &stubQueue{}
	wfs := &stubWorkflows{stored: map[string]domain.Workflow{
		"wf-1": {ID: "wf-1", Name: "invoice-sync", Definition: json.RawMessage(`{"nodes":[{"id":"a","type":"action"}]}`)},
	}}
	srv := testServer(q, wfs)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"workflow_id":"wf-1"}`))
	rec := httptest.NewRecorder()
	srv.SubmitJobHandler()(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, "invoice-sync", q.enqueued[0].WorkflowName)
	assert.JSONEq(t, `{"nodes":[{"id":"a","type":"action"}]}`, string(q.enqueued[0].WorkflowJSON))
}

func TestSubmitJobUnknownStoredWorkflow(t *testing.T) {
	srv := testServer(&stubQueue{}, &stubWorkflows{})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"workflow_id":"ghost"}`))
	rec := httptest.NewRecorder()
	srv.SubmitJobHandler()(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobNotFound(t *testing.T) {
	q := &stubQueue{getErr: domain.ErrNotFound}
	srv := testServer(q, &stubWorkflows{})

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/jobs/ghost", nil), "id", "ghost")
	rec := httptest.NewRecorder()
	srv.GetJobHandler()(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobEnvelope(t *testing.T) {
	started := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	q := &stubQueue{getJob: domain.Job{
		ID: "j1", WorkflowID: "wf-1", Status: domain.JobRunning, RobotID: "r1",
		ProgressPercent: 42.5, ProgressMessage: "halfway", StartedAt: &started,
	}}
	srv := testServer(q, &stubWorkflows{})

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/jobs/j1", nil), "id", "j1")
	rec := httptest.NewRecorder()
	srv.GetJobHandler()(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "running", resp["status"])
	assert.Equal(t, "r1", resp["robot_id"])
	assert.Equal(t, 42.5, resp["progress_percent"])
}

func TestCancelJobConflict(t *testing.T) {
	srv := testServer(&stubQueue{}, &stubWorkflows{})
	req := withURLParam(httptest.NewRequest(http.MethodPost, "/v1/jobs/j1/cancel", nil), "id", "j1")
	rec := httptest.NewRecorder()
	srv.CancelJobHandler()(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var resp errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "NOT_CANCELLABLE", resp.Error.Code)
}

func TestSaveWorkflowRejectsForbiddenPattern(t *testing.T) {
	srv := testServer(&stubQueue{}, &stubWorkflows{})
	body := `{"name":"bad","definition":{"nodes":[{"id":"a","type":"code","source":"os.system('rm')"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.SaveWorkflowHandler()(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaveAndGetWorkflow(t *testing.T) {
	wfs := &stubWorkflows{}
	srv := testServer(&stubQueue{}, wfs)

	body := `{"name":"invoice-sync","definition":{"nodes":[{"id":"a","type":"action"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.SaveWorkflowHandler()(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var saved map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	id := saved["id"]
	require.NotEmpty(t, id)

	req = withURLParam(httptest.NewRequest(http.MethodGet, "/v1/workflows/"+id, nil), "id", id)
	rec = httptest.NewRecorder()
	srv.GetWorkflowHandler()(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var wf workflowEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
	assert.Equal(t, "invoice-sync", wf.Name)
}

func TestReadyz(t *testing.T) {
	srv := testServer(&stubQueue{}, &stubWorkflows{})
	srv.DBCheck = func(ctx context.Context) error { return nil }

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.ReadyzHandler()(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	srv.DBCheck = func(ctx context.Context) error { return context.DeadlineExceeded }
	rec = httptest.NewRecorder()
	srv.ReadyzHandler()(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminGuard(t *testing.T) {
	guard := AdminGuard("ops", "secret")
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := guard(next)

	req := httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req = httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
	req.SetBasicAuth("ops", "wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
	req.SetBasicAuth("ops", "secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestActorFromBasicAuth(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	assert.Equal(t, "api", actorFrom(req))
	req.SetBasicAuth("ops", "secret")
	assert.Equal(t, "ops", actorFrom(req))
}
