package engine_test

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workorder/internal/config"
	"workorder/internal/db"
	"workorder/internal/domain"
	"workorder/internal/engine"
	"workorder/internal/ledger"
)

// handle opens a second engine on env's workspace, as another agent process
// would.
func (env testEnv) handle(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: env.Workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	e, err := engine.New(conn, env.Engine.Config, env.Workspace)
	require.NoError(t, err)
	e.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	e.Now = env.Engine.Now
	return e
}

// wideExecuting creates a workorder whose n independent tasks land in n
// slots and starts execution.
func (env testEnv) wideExecuting(t *testing.T, n int) (domain.Workorder, domain.Manifest) {
	t.Helper()
	var tasks []domain.Task
	for i := 1; i <= n; i++ {
		tasks = append(tasks, domain.Task{
			TaskID:          fmt.Sprintf("T%d", i),
			Description:     fmt.Sprintf("handler %d", i),
			EstimatedEffort: "1h",
			Touches:         []string{fmt.Sprintf("internal/api/handler%d.go", i)},
		})
	}
	p := domain.Plan{
		Title:           "Handlers",
		Summary:         "Independent API handlers",
		SuccessCriteria: []string{"every handler serves its route"},
		Phases:          []domain.Phase{{Name: "api", Tasks: tasks}},
	}
	w, err := env.Engine.CreateWorkorder(env.Ctx, engine.CreateOptions{Feature: "api", Category: "feature", Plan: &p})
	require.NoError(t, err)
	m, err := env.Engine.Partition(env.Ctx, w.ID, n)
	require.NoError(t, err)
	require.Len(t, m.Slots, n)
	w, err = env.Engine.StartExecution(env.Ctx, w.ID)
	require.NoError(t, err)
	return w, m
}

func TestConcurrentVerifyAcrossEngines(t *testing.T) {
	env := newTestEnv(t)
	w, m := env.wideExecuting(t, 6)

	var wg sync.WaitGroup
	errs := make(chan error, len(m.Slots))
	for _, s := range m.Slots {
		e := env.handle(t)
		wg.Add(1)
		go func(s domain.SlotAssignment) {
			defer wg.Done()
			_, err := e.Verify(env.Ctx, engine.VerifyInput{WorkorderID: w.ID, SlotID: s.SlotID,
				ChangedFiles: s.AllowedFiles, CompletedTaskIDs: s.TaskIDs})
			errs <- err
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	got, err := env.Engine.Get(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVerified, got.Status)

	events := ledgerEvents(t, env, w.ID)
	count := map[string]int{}
	for _, ev := range events {
		count[ev]++
	}
	assert.Equal(t, 6, count["slot.verified"])
	assert.Equal(t, 1, count["workorder.verified"])
	assert.Zero(t, count["verify.failed"])
}

func TestConcurrentVerifyOnSharedEngine(t *testing.T) {
	env := newTestEnv(t)
	w, m := env.wideExecuting(t, 4)

	var wg sync.WaitGroup
	errs := make(chan error, len(m.Slots))
	for _, s := range m.Slots {
		wg.Add(1)
		go func(s domain.SlotAssignment) {
			defer wg.Done()
			_, err := env.Engine.Verify(env.Ctx, engine.VerifyInput{WorkorderID: w.ID, SlotID: s.SlotID,
				ChangedFiles: s.AllowedFiles, CompletedTaskIDs: s.TaskIDs})
			errs <- err
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	st, err := env.Engine.Status(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVerified, st.Workorder.Status)
	for _, s := range st.Slots {
		assert.Equal(t, 1, s.Attempts, "slot %d", s.SlotID)
	}
}

func TestConcurrentReportsAndAggregation(t *testing.T) {
	env := newTestEnv(t)
	w, m := env.wideExecuting(t, 5)

	var wg sync.WaitGroup
	errs := make(chan error, len(m.Slots))
	for _, s := range m.Slots {
		e := env.handle(t)
		wg.Add(1)
		go func(s domain.SlotAssignment) {
			defer wg.Done()
			_, err := e.SubmitReport(env.Ctx, w.ID, domain.DeliverableReport{
				SlotID: s.SlotID, LinesAdded: 10, Commits: 1, CompletedTaskIDs: s.TaskIDs})
			errs <- err
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	reports := make(chan domain.AggregatedReport, 3)
	aggErrs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		e := env.handle(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := e.Aggregate(env.Ctx, w.ID, nil)
			aggErrs <- err
			reports <- rep
		}()
	}
	wg.Wait()
	close(aggErrs)
	close(reports)
	for err := range aggErrs {
		assert.NoError(t, err)
	}
	for rep := range reports {
		assert.True(t, rep.Complete)
		assert.Equal(t, int64(50), rep.LinesAdded)
		assert.Equal(t, []int{1, 2, 3, 4, 5}, rep.Slots)
	}

	stored, err := env.Engine.AggregatedReport(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stored.Commits)
}

func TestArchiveRetrySucceedsAfterLedgerTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Ledger.LockTimeoutMS = 50 })
	w := env.documented(t)
	workDir := env.Engine.Docs.Dir(w.ID)

	holder := flock.New(env.Engine.Ledger.Path() + ".lock")
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	_, err = env.Engine.Archive(env.Ctx, w.ID)
	require.ErrorIs(t, err, ledger.ErrLockTimeout)
	got, err := env.Engine.Get(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDocumented, got.Status)
	assert.NoDirExists(t, workDir)

	require.NoError(t, holder.Unlock())

	rec, err := env.Engine.Archive(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, rec.WorkorderID)
	assert.Equal(t, "Session login", rec.Plan.Title)
	assert.FileExists(t, filepath.Join(rec.Location, "artifacts", "plan.json"))

	got, err = env.Engine.Get(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusArchived, got.Status)

	index, err := env.Engine.Archives.Lookup(env.Ctx, w.Feature)
	require.NoError(t, err)
	assert.Len(t, index, 1)

	entries, err := env.Engine.QueryLog(env.Ctx, ledger.Query{IDPattern: w.ID, Event: "workorder.archived"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Detail, "resumed=true")
}

func TestPartitionRefusesRejectedPaths(t *testing.T) {
	env := newTestEnv(t)
	p := loginPlan()
	p.Phases[0].Tasks[1].Touches = []string{"internal/session/store.go", ".git/config", "internal/session/ttl.go"}
	w, err := env.Engine.CreateWorkorder(env.Ctx, engine.CreateOptions{Feature: "auth", Category: "feature", Plan: &p})
	require.NoError(t, err)

	rep, err := env.Engine.ValidatePlan(env.Ctx, w.ID)
	require.NoError(t, err)
	require.True(t, rep.Passed, "score %d", rep.Score)

	_, err = env.Engine.Partition(env.Ctx, w.ID, 2)
	require.ErrorIs(t, err, domain.ErrValidationFailure)
	de, _ := domain.AsError(err)
	assert.Equal(t, ".git/config", de.Details["paths"])

	got, err := env.Engine.Get(env.Ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlanning, got.Status)
	_, err = os.Stat(filepath.Join(env.Engine.Docs.Dir(w.ID), "manifest.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBusyStoreIsRetryableConflict(t *testing.T) {
	env := newTestEnv(t)
	w := env.executing(t)

	// Hold the write lock from another connection past the busy timeout.
	blocker := env.handle(t)
	tx, err := blocker.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.ExecContext(env.Ctx, `UPDATE workorders SET updated_at=updated_at WHERE id=?`, w.ID)
	require.NoError(t, err)

	start := time.Now()
	_, err = env.Engine.Verify(env.Ctx, engine.VerifyInput{WorkorderID: w.ID, SlotID: 2,
		ChangedFiles: []string{"internal/session/store.go"}, CompletedTaskIDs: []string{"T2"}})
	require.ErrorIs(t, err, domain.ErrAllocationConflict)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	de, _ := domain.AsError(err)
	assert.True(t, de.Retryable())
	assert.Equal(t, "database", de.Details["resource"])
}
