package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workorder/internal/auth"
	"workorder/internal/config"
	"workorder/internal/db"
	"workorder/internal/engine"
	"workorder/internal/migrate"
	"workorder/internal/server"
	workordersdk "workorder/sdk/go"
)

const jwtSecret = "server-test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	e, err := engine.New(conn, config.Default("proj-1"), workspace)
	require.NoError(t, err)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.Logger = quiet
	e.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: jwtSecret, Logger: quiet}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return testServer{URL: srv.URL, Engine: e}
}

func token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	tok, err := auth.IssueToken(jwtSecret, auth.TokenOptions{Subject: subject, Roles: roles, Lifetime: time.Hour})
	require.NoError(t, err)
	return tok
}

func (s testServer) client(t *testing.T, roles ...string) *workordersdk.Client {
	return workordersdk.New(s.URL, token(t, "actor-"+roles[0], roles...))
}

type rawResponse struct {
	Status int
	Body   map[string]any
}

func (s testServer) raw(t *testing.T, method, path, bearer, contentType string, body []byte) rawResponse {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := rawResponse{Status: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out.Body), string(data))
	}
	return out
}

func errorCode(r rawResponse) string {
	env, _ := r.Body["error"].(map[string]any)
	code, _ := env["code"].(string)
	return code
}

func apiError(t *testing.T, err error) *workordersdk.APIError {
	t.Helper()
	var apiErr *workordersdk.APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	return apiErr
}

func loginPlan() workordersdk.Plan {
	return workordersdk.Plan{
		Title:           "Session login",
		Summary:         "Password login backed by server-side sessions",
		SuccessCriteria: []string{"a user can log in"},
		Phases: []workordersdk.Phase{
			{Name: "foundation", Tasks: []workordersdk.Task{
				{TaskID: "T1", Description: "user model", EstimatedEffort: "2h", Touches: []string{"internal/user/model.go"}},
				{TaskID: "T2", Description: "session store", EstimatedEffort: "3h", Touches: []string{"internal/session/store.go"}},
			}},
			{Name: "api", Tasks: []workordersdk.Task{
				{TaskID: "T3", Description: "login handler", EstimatedEffort: "2h", DependsOn: []string{"T1"}, Touches: []string{"internal/user/model.go", "internal/api/login.go"}},
			}},
		},
	}
}

func TestHealthNeedsNoToken(t *testing.T) {
	s := newTestServer(t)
	r := s.raw(t, http.MethodGet, "/v0/health", "", "", nil)
	assert.Equal(t, http.StatusOK, r.Status)
	assert.Equal(t, "ok", r.Body["status"])
}

func TestAuthenticationErrors(t *testing.T) {
	s := newTestServer(t)

	r := s.raw(t, http.MethodGet, "/v0/workorders", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, r.Status)
	assert.Equal(t, "unauthorized", errorCode(r))

	r = s.raw(t, http.MethodGet, "/v0/workorders", "garbage", "", nil)
	assert.Equal(t, http.StatusUnauthorized, r.Status)
	assert.Equal(t, "invalid_credentials", errorCode(r))

	forged, err := auth.IssueToken("another-secret", auth.TokenOptions{Subject: "mallory", Roles: []string{"coordinator"}})
	require.NoError(t, err)
	r = s.raw(t, http.MethodGet, "/v0/workorders", forged, "", nil)
	assert.Equal(t, http.StatusUnauthorized, r.Status)
}

func TestRolesLimitOperations(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.client(t, "agent").CreateWorkorder(ctx, "auth", "feature")
	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "forbidden", apiErr.Code)
	assert.Equal(t, auth.PermWorkorderCreate, apiErr.Details["permission"])

	w, err := s.client(t, "coordinator").CreateWorkorder(ctx, "auth", "feature")
	require.NoError(t, err)
	got, err := s.client(t, "auditor").GetWorkorder(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)

	r := s.raw(t, http.MethodGet, "/v0/me", token(t, "agent-7", "agent"), "", nil)
	require.Equal(t, http.StatusOK, r.Status)
	assert.Equal(t, "agent-7", r.Body["actor_id"])
	assert.ElementsMatch(t, []any{auth.PermLedgerRead, auth.PermSlotVerify, auth.PermWorkorderRead}, r.Body["permissions"])
}

func TestLifecycleThroughSDK(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	coord := s.client(t, "coordinator")
	agent := s.client(t, "agent")

	w, err := coord.CreateWorkorder(ctx, "user auth", "feature")
	require.NoError(t, err)
	assert.Equal(t, "WO-USER-AUTH-FEATURE-001", w.ID)
	assert.Equal(t, "planning", w.Status)

	saved, err := coord.PutPlan(ctx, w.ID, loginPlan())
	require.NoError(t, err)
	assert.Equal(t, w.ID, saved.WorkorderID)

	val, err := coord.ValidatePlan(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, val.Score)
	assert.True(t, val.Passed)

	m, err := coord.Partition(ctx, w.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, m.SlotCount)

	slot, err := agent.Slot(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "T3"}, slot.TaskIDs)
	assert.Equal(t, []string{"internal/session/store.go"}, slot.ForbiddenFiles)

	_, err = coord.StartExecution(ctx, w.ID)
	require.NoError(t, err)

	out, err := agent.Verify(ctx, w.ID, 1, []string{"internal/user/model.go", "internal/api/login.go"}, []string{"T1", "T3"})
	require.NoError(t, err)
	assert.Equal(t, "compliant", out.Result.Status)
	assert.Equal(t, "executing", out.Workorder.Status)

	out, err = agent.Verify(ctx, w.ID, 2, []string{"internal/session/store.go"}, []string{"T2"})
	require.NoError(t, err)
	assert.Equal(t, "verified", out.Workorder.Status)

	require.NoError(t, agent.SubmitReport(ctx, w.ID, workordersdk.Report{SlotID: 1, LinesAdded: 80, Commits: 3, CompletedTaskIDs: []string{"T1", "T3"}}))
	require.NoError(t, agent.SubmitReport(ctx, w.ID, workordersdk.Report{SlotID: 2, LinesAdded: 40, Commits: 1, CompletedTaskIDs: []string{"T2"}}))

	agg, err := coord.Aggregate(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, agg.Complete)
	assert.Equal(t, []int{1, 2}, agg.Slots)
	assert.Equal(t, int64(120), agg.LinesAdded)

	doc, err := coord.Document(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "documented", doc.Status)

	rec, err := coord.Archive(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "USER-AUTH", rec.FeatureName)
	assert.NotEmpty(t, rec.Location)

	_, err = coord.Archive(ctx, w.ID)
	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_state_transition", apiErr.Code)

	entries, err := agent.Ledger(ctx, w.ID, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "workorder.documented", entries[0].Event)
	assert.Equal(t, "workorder.archived", entries[1].Event)
	assert.Equal(t, "archive.failed", entries[2].Event)

	archived, err := coord.ListWorkorders(ctx, "archived")
	require.NoError(t, err)
	require.Len(t, archived, 1)

	r := s.raw(t, http.MethodGet, "/v0/archives?feature=USER-AUTH", token(t, "auditor-1", "auditor"), "", nil)
	require.Equal(t, http.StatusOK, r.Status)
	assert.Len(t, r.Body["items"], 1)
}

func TestErrorKindsMapToStatusCodes(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	coord := s.client(t, "coordinator")

	_, err := coord.GetWorkorder(ctx, "WO-NOPE-FEATURE-001")
	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	// Cyclic plan: scores below the threshold.
	cyclic := loginPlan()
	cyclic.Phases[0].Tasks[0].DependsOn = []string{"T3"}
	w, err := coord.CreateWorkorder(ctx, "auth", "feature")
	require.NoError(t, err)
	_, err = coord.PutPlan(ctx, w.ID, cyclic)
	require.NoError(t, err)
	_, err = coord.Partition(ctx, w.ID, 2)
	apiErr = apiError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "validation_failure", apiErr.Code)
	assert.Less(t, apiErr.Details["score"], float64(90))

	// Overlapping plan: T3 needs files owned by both slots.
	overlap := loginPlan()
	overlap.Phases[1].Tasks[0].DependsOn = []string{"T1", "T2"}
	overlap.Phases[1].Tasks[0].Touches = []string{"internal/user/model.go", "internal/session/store.go"}
	w2, err := coord.CreateWorkorder(ctx, "auth", "feature")
	require.NoError(t, err)
	_, err = coord.PutPlan(ctx, w2.ID, overlap)
	require.NoError(t, err)
	_, err = coord.Partition(ctx, w2.ID, 2)
	apiErr = apiError(t, err)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "unresolvable_file_overlap", apiErr.Code)

	_, err = coord.Partition(ctx, w2.ID, 99)
	apiErr = apiError(t, err)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "invalid_input", apiErr.Code)

	_, err = coord.Partition(ctx, w2.ID, 1)
	require.NoError(t, err)
	_, err = coord.Partition(ctx, w2.ID, 1)
	apiErr = apiError(t, err)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "partitioned", apiErr.Details["actual"])

	_, err = coord.StartExecution(ctx, w2.ID)
	require.NoError(t, err)
	_, err = coord.Aggregate(ctx, w2.ID)
	apiErr = apiError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "missing_slot_report", apiErr.Code)
}

func TestReportSlotMustMatchPath(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"slot_id":2,"lines_added":1,"lines_removed":0,"commits":1,"elapsed_seconds":5,"completed_task_ids":[]}`)
	r := s.raw(t, http.MethodPost, "/v0/workorders/WO-AUTH-FEATURE-001/slots/1/report", token(t, "a", "agent"), "application/json", body)
	assert.Equal(t, http.StatusBadRequest, r.Status)
	assert.Equal(t, "invalid_input", errorCode(r))
}

func TestPlanUploadAcceptsYAML(t *testing.T) {
	s := newTestServer(t)
	coord := token(t, "coord", "coordinator")
	w, err := workordersdk.New(s.URL, coord).CreateWorkorder(context.Background(), "auth", "feature")
	require.NoError(t, err)

	doc := []byte(`title: Login
summary: Password login
success_criteria: [works]
phases:
  - name: core
    tasks:
      - task_id: T1
        description: model
        estimated_effort: 1h
        touches: [a.go]
`)
	r := s.raw(t, http.MethodPut, "/v0/workorders/"+w.ID+"/plan", coord, "application/yaml", doc)
	require.Equal(t, http.StatusOK, r.Status, r.Body)
	assert.Equal(t, w.ID, r.Body["workorder_id"])

	r = s.raw(t, http.MethodPut, "/v0/workorders/"+w.ID+"/plan", coord, "application/json", []byte(`{"title": 5}`))
	assert.Equal(t, http.StatusBadRequest, r.Status)
	assert.Equal(t, "invalid_input", errorCode(r))

	r = s.raw(t, http.MethodGet, "/v0/workorders/"+w.ID+"/plan", coord, "", nil)
	require.Equal(t, http.StatusOK, r.Status)
	assert.Equal(t, "Login", r.Body["title"])
}

func TestOpenAPIDocumentDeclaresBearerAuth(t *testing.T) {
	s := newTestServer(t)
	r := s.raw(t, http.MethodGet, "/v0/openapi.json", token(t, "a", "auditor"), "", nil)
	require.Equal(t, http.StatusOK, r.Status)
	components, _ := r.Body["components"].(map[string]any)
	schemes, _ := components["securitySchemes"].(map[string]any)
	assert.Contains(t, schemes, "bearerAuth")
	paths, _ := r.Body["paths"].(map[string]any)
	assert.Contains(t, paths, "/v0/workorders/{id}/slots/{slot_id}/verify")
}
