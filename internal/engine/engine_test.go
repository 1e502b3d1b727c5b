package engine_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workorder/internal/config"
	"workorder/internal/db"
	"workorder/internal/domain"
	"workorder/internal/engine"
	"workorder/internal/ledger"
	"workorder/internal/migrate"
	"workorder/internal/repo"
)

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Workspace string
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	cfg := config.Default("proj-1")
	for _, m := range mutate {
		m(cfg)
	}
	eng, err := engine.New(conn, cfg, dir)
	require.NoError(t, err)
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx, Workspace: dir}
}

func loginPlan() domain.Plan {
	return domain.Plan{
		Title:           "Session login",
		Summary:         "Password login backed by server-side sessions",
		SuccessCriteria: []string{"a user can log in and out"},
		Phases: []domain.Phase{
			{Name: "foundation", Tasks: []domain.Task{
				{TaskID: "T1", Description: "user model", EstimatedEffort: "2h", Touches: []string{"internal/user/model.go"}},
				{TaskID: "T2", Description: "session store", EstimatedEffort: "3h", Touches: []string{"internal/session/store.go"}},
			}},
			{Name: "api", Tasks: []domain.Task{
				{TaskID: "T3", Description: "login handler", EstimatedEffort: "2h", DependsOn: []string{"T1"}, Touches: []string{"internal/user/model.go", "internal/api/login.go"}},
			}},
		},
	}
}

func (env testEnv) createPlanned(t *testing.T) domain.Workorder {
	t.Helper()
	p := loginPlan()
	w, err := env.Engine.CreateWorkorder(env.Ctx, engine.CreateOptions{Feature: "user auth", Category: "feature", Plan: &p})
	require.NoError(t, err)
	return w
}

// executing partitions into two slots (slot 1: T1 T3, slot 2: T2) and starts
// execution.
func (env testEnv) executing(t *testing.T) domain.Workorder {
	t.Helper()
	w := env.createPlanned(t)
	_, err := env.Engine.Partition(env.Ctx, w.ID, 2)
	require.NoError(t, err)
	w, err = env.Engine.StartExecution(env.Ctx, w.ID)
	require.NoError(t, err)
	return w
}

func (env testEnv) verified(t *testing.T) domain.Workorder {
	t.Helper()
	w := env.executing(t)
	_, err := env.Engine.Verify(env.Ctx, engine.VerifyInput{WorkorderID: w.ID, SlotID: 1,
		ChangedFiles: []string{"internal/user/model.go", "internal/api/login.go"}, CompletedTaskIDs: []string{"T1", "T3"}})
	require.NoError(t, err)
	out, err := env.Engine.Verify(env.Ctx, engine.VerifyInput{WorkorderID: w.ID, SlotID: 2,
		ChangedFiles: []string{"internal/session/store.go"}, CompletedTaskIDs: []string{"T2"}})
	require.NoError(t, err)
	require.Equal(t, domain.StatusVerified, out.Workorder.Status)
	return out.Workorder
}

func (env testEnv) documented(t *testing.T) domain.Workorder {
	t.Helper()
	w := env.verified(t)
	_, err := env.Engine.Aggregate(env.Ctx, w.ID, []domain.DeliverableReport{
		{SlotID: 1, LinesAdded: 80, LinesRemoved: 4, Commits: 3, ElapsedSeconds: 1800, CompletedTaskIDs: []string{"T1", "T3"}},
		{SlotID: 2, LinesAdded: 40, Commits: 1, ElapsedSeconds: 900, CompletedTaskIDs: []string{"T2"}},
	})
	require.NoError(t, err)
	w, err = env.Engine.Document(env.Ctx, w.ID)
	require.NoError(t, err)
	return w
}

func ledgerEvents(t *testing.T, env testEnv, id string) []string {
	t.Helper()
	entries, err := env.Engine.QueryLog(env.Ctx, ledger.Query{IDPattern: id})
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Event)
	}
	return out
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.Ctx
	e := env.Engine

	w, err := e.CreateWorkorder(ctx, engine.CreateOptions{Feature: "user auth", Category: "feature"})
	require.NoError(t, err)
	assert.Equal(t, "WO-USER-AUTH-FEATURE-001", w.ID)
	assert.Equal(t, domain.StatusPlanning, w.Status)
	assert.Equal(t, "proj-1", w.ProjectID)

	saved, err := e.SavePlan(ctx, w.ID, loginPlan())
	require.NoError(t, err)
	assert.Equal(t, w.ID, saved.WorkorderID)

	rep, err := e.ValidatePlan(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, rep.Score)
	assert.True(t, rep.Passed)

	m, err := e.Partition(ctx, w.ID, 2)
	require.NoError(t, err)
	require.Len(t, m.Slots, 2)
	assert.Equal(t, []string{"T1", "T3"}, m.Slots[0].TaskIDs)
	assert.Equal(t, []string{"T2"}, m.Slots[1].TaskIDs)

	_, err = e.Verify(ctx, engine.VerifyInput{WorkorderID: w.ID, SlotID: 1})
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	w, err = e.StartExecution(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuting, w.Status)

	out, err := e.Verify(ctx, engine.VerifyInput{WorkorderID: w.ID, SlotID: 1,
		ChangedFiles: []string{"internal/user/model.go", "internal/api/login.go"}, CompletedTaskIDs: []string{"T1", "T3"}})
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationCompliant, out.Result.Status)
	assert.Equal(t, domain.StatusExecuting, out.Workorder.Status)

	out, err = e.Verify(ctx, engine.VerifyInput{WorkorderID: w.ID, SlotID: 2, ChangedFiles: []string{"internal/session/store.go"}})
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationIncomplete, out.Result.Status)

	out, err = e.Verify(ctx, engine.VerifyInput{WorkorderID: w.ID, SlotID: 2,
		ChangedFiles: []string{"internal/session/store.go"}, CompletedTaskIDs: []string{"T2"}})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Result.Attempt)
	assert.Equal(t, domain.StatusVerified, out.Workorder.Status)

	_, err = e.Document(ctx, w.ID)
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	_, err = e.SubmitReport(ctx, w.ID, domain.DeliverableReport{SlotID: 1, LinesAdded: 80, Commits: 3, CompletedTaskIDs: []string{"T1", "T3"}})
	require.NoError(t, err)
	_, err = e.SubmitReport(ctx, w.ID, domain.DeliverableReport{SlotID: 2, LinesAdded: 40, Commits: 1, CompletedTaskIDs: []string{"T2"}})
	require.NoError(t, err)
	agg, err := e.Aggregate(ctx, w.ID, nil)
	require.NoError(t, err)
	assert.True(t, agg.Complete)
	assert.Equal(t, int64(120), agg.LinesAdded)

	w, err = e.Document(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDocumented, w.Status)

	rec, err := e.Archive(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "USER-AUTH", rec.Feature)
	assert.Len(t, rec.Verifications, 3)
	assert.FileExists(t, filepath.Join(rec.Location, "record.json"))
	assert.FileExists(t, filepath.Join(rec.Location, "artifacts", "plan.json"))

	_, err = e.Archive(ctx, w.ID)
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	st, err := e.Status(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusArchived, st.Workorder.Status)
	require.NotNil(t, st.Archive)
	assert.Equal(t, rec.Location, st.Archive.Location)
	require.NotNil(t, st.Aggregate)

	index, err := e.Archives.Lookup(ctx, "USER-AUTH")
	require.NoError(t, err)
	require.Len(t, index, 1)
	assert.Equal(t, w.ID, index[0].WorkorderID)

	assert.Equal(t, []string{
		"workorder.created",
		"plan.saved",
		"plan.validated",
		"slot.assigned",
		"slot.assigned",
		"workorder.partitioned",
		"verify.failed",
		"workorder.executing",
		"slot.verified",
		"slot.verified",
		"slot.verified",
		"workorder.verified",
		"document.failed",
		"report.submitted",
		"report.submitted",
		"deliverables.aggregated",
		"workorder.documented",
		"workorder.archived",
		"archive.failed",
	}, ledgerEvents(t, env, w.ID))
}

func TestIdentifiersAreSequentialPerNamespace(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for _, ns := range [][2]string{{"auth", "feature"}, {"auth", "feature"}, {"auth", "bugfix"}, {"AUTH", "Feature"}} {
		w, err := env.Engine.CreateWorkorder(env.Ctx, engine.CreateOptions{Feature: ns[0], Category: ns[1]})
		require.NoError(t, err)
		ids = append(ids, w.ID)
	}
	assert.Equal(t, []string{"WO-AUTH-FEATURE-001", "WO-AUTH-FEATURE-002", "WO-AUTH-BUGFIX-001", "WO-AUTH-FEATURE-003"}, ids)

	list, err := env.Engine.List(env.Ctx, repo.WorkorderFilter{Feature: "AUTH"})
	require.NoError(t, err)
	assert.Len(t, list, 4)
}

func TestCreateRejectsEmptyNamespace(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateWorkorder(env.Ctx, engine.CreateOptions{Feature: "  ", Category: "feature"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLowScorePlanCannotBePartitioned(t *testing.T) {
	env := newTestEnv(t)
	p := loginPlan()
	p.Phases[0].Tasks[0].DependsOn = []string{"T3"}
	w, err := env.Engine.CreateWorkorder(env.Ctx, engine.CreateOptions{Feature: "auth", Category: "feature", Plan: &p})
	require.NoError(t, err)

	_, err = env.Engine.Partition(env.Ctx, w.ID, 2)
	require.ErrorIs(t, err, domain.ErrValidationFailure)

	got, err := env.Engine.Get(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlanning, got.Status)

	entries, err := env.Engine.QueryLog(env.Ctx, ledger.Query{IDPattern: w.ID, Event: "partition.failed"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Detail, "kind=ValidationFailure")
}

func TestOverlappingPlanStaysInPlanning(t *testing.T) {
	env := newTestEnv(t)
	p := loginPlan()
	p.Phases[1].Tasks[0].DependsOn = []string{"T1", "T2"}
	p.Phases[1].Tasks[0].Touches = []string{"internal/user/model.go", "internal/session/store.go"}
	w, err := env.Engine.CreateWorkorder(env.Ctx, engine.CreateOptions{Feature: "auth", Category: "feature", Plan: &p})
	require.NoError(t, err)

	_, err = env.Engine.Partition(env.Ctx, w.ID, 2)
	require.ErrorIs(t, err, domain.ErrUnresolvableFileOverlap)

	_, err = env.Engine.Manifest(env.Ctx, w.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// A single slot owns every file, so the same plan partitions.
	m, err := env.Engine.Partition(env.Ctx, w.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, m.SlotCount)
}

func TestPlanIsFrozenAfterPartition(t *testing.T) {
	env := newTestEnv(t)
	w := env.executing(t)
	_, err := env.Engine.SavePlan(env.Ctx, w.ID, loginPlan())
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	de, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusExecuting, de.Details["actual"])

	_, err = env.Engine.Partition(env.Ctx, w.ID, 2)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestSavePlanRejectsForeignPlan(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkorder(env.Ctx, engine.CreateOptions{Feature: "auth", Category: "feature"})
	require.NoError(t, err)
	p := loginPlan()
	p.WorkorderID = "WO-OTHER-FEATURE-001"
	_, err = env.Engine.SavePlan(env.Ctx, w.ID, p)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = env.Engine.Plan(env.Ctx, w.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUnknownWorkorderIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Get(env.Ctx, "WO-NOPE-FEATURE-001")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.Engine.Status(env.Ctx, "WO-NOPE-FEATURE-001")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVerifyReusesIdenticalAttempt(t *testing.T) {
	env := newTestEnv(t)
	w := env.executing(t)
	in := engine.VerifyInput{WorkorderID: w.ID, SlotID: 1, ChangedFiles: []string{"internal/user/model.go"}, CompletedTaskIDs: []string{"T1"}}

	first, err := env.Engine.Verify(env.Ctx, in)
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.Equal(t, domain.VerificationIncomplete, first.Result.Status)

	in.ChangedFiles = []string{"./internal/user/model.go", "internal/user/model.go"}
	again, err := env.Engine.Verify(env.Ctx, in)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, first.Result, again.Result)

	all, err := env.Engine.Verifications(env.Ctx, w.ID, 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = env.Engine.Verify(env.Ctx, engine.VerifyInput{WorkorderID: w.ID, SlotID: 9})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatusReportsSlotAttempts(t *testing.T) {
	env := newTestEnv(t)
	w := env.executing(t)
	_, err := env.Engine.Verify(env.Ctx, engine.VerifyInput{WorkorderID: w.ID, SlotID: 2, ChangedFiles: []string{"internal/user/model.go"}})
	require.NoError(t, err)

	st, err := env.Engine.Status(env.Ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, st.Slots, 2)
	assert.Zero(t, st.Slots[0].Attempts)
	assert.Equal(t, 1, st.Slots[1].Attempts)
	assert.Equal(t, domain.VerificationScopeViolation, st.Slots[1].LatestStatus)
	assert.Nil(t, st.Aggregate)
}

func TestLateScopeViolationUnderFlagPolicy(t *testing.T) {
	env := newTestEnv(t)
	w := env.documented(t)

	out, err := env.Engine.Verify(env.Ctx, engine.VerifyInput{WorkorderID: w.ID, SlotID: 2,
		ChangedFiles: []string{"internal/session/store.go", "internal/api/login.go"}, CompletedTaskIDs: []string{"T2"}})
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationScopeViolation, out.Result.Status)
	assert.True(t, out.Workorder.RemediationRequired)
	assert.Equal(t, domain.StatusDocumented, out.Workorder.Status)

	_, err = env.Engine.Archive(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Contains(t, ledgerEvents(t, env, w.ID), "remediation.required")
}

func TestLateScopeViolationBlocksArchive(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Verification.ScopeViolationPolicy = config.PolicyBlock })
	w := env.documented(t)

	_, err := env.Engine.Verify(env.Ctx, engine.VerifyInput{WorkorderID: w.ID, SlotID: 1,
		ChangedFiles: []string{"internal/session/store.go"}, CompletedTaskIDs: []string{"T1", "T3"}})
	require.NoError(t, err)

	_, err = env.Engine.Archive(env.Ctx, w.ID)
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	out, err := env.Engine.Verify(env.Ctx, engine.VerifyInput{WorkorderID: w.ID, SlotID: 1,
		ChangedFiles: []string{"internal/user/model.go"}, CompletedTaskIDs: []string{"T1", "T3"}})
	require.NoError(t, err)
	assert.False(t, out.Workorder.RemediationRequired)

	_, err = env.Engine.Archive(env.Ctx, w.ID)
	require.NoError(t, err)
	events := ledgerEvents(t, env, w.ID)
	assert.Contains(t, events, "remediation.cleared")
	assert.Contains(t, events, "archive.failed")
}

func TestAggregateRequiresEverySlot(t *testing.T) {
	env := newTestEnv(t)
	w := env.verified(t)

	_, err := env.Engine.Aggregate(env.Ctx, w.ID, nil)
	require.ErrorIs(t, err, domain.ErrMissingSlotReport)

	_, err = env.Engine.Aggregate(env.Ctx, w.ID, []domain.DeliverableReport{
		{SlotID: 1, CompletedTaskIDs: []string{"T1"}},
		{SlotID: 1, CompletedTaskIDs: []string{"T3"}},
		{SlotID: 2, CompletedTaskIDs: []string{"T2"}},
	})
	require.ErrorIs(t, err, domain.ErrDuplicateSlotReport)

	_, err = env.Engine.SubmitReport(env.Ctx, w.ID, domain.DeliverableReport{SlotID: 7})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = env.Engine.AggregatedReport(env.Ctx, w.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIncompleteAggregateBlocksDocument(t *testing.T) {
	env := newTestEnv(t)
	w := env.verified(t)
	_, err := env.Engine.Aggregate(env.Ctx, w.ID, []domain.DeliverableReport{
		{SlotID: 1, CompletedTaskIDs: []string{"T1"}},
		{SlotID: 2, CompletedTaskIDs: []string{"T2"}},
	})
	require.NoError(t, err)

	_, err = env.Engine.Document(env.Ctx, w.ID)
	require.ErrorIs(t, err, domain.ErrValidationFailure)
	de, _ := domain.AsError(err)
	assert.Equal(t, "T3", de.Details["missing_task_ids"])
}

func TestLedgerIsSharedAcrossEngines(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateWorkorder(env.Ctx, engine.CreateOptions{Feature: "auth", Category: "feature"})
	require.NoError(t, err)

	info, err := os.Stat(env.Engine.Ledger.Path())
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	other, err := ledger.Open(env.Engine.Ledger.Path(), ledger.Options{})
	require.NoError(t, err)
	entries, err := other.Query(env.Ctx, ledger.Query{IDPattern: w.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "proj-1", entries[0].Project)
	assert.Equal(t, "2025-03-01T12:00:00Z", entries[0].Timestamp)
}
