package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"workorder/internal/allocator"
	"workorder/internal/archive"
	"workorder/internal/config"
	"workorder/internal/db"
	"workorder/internal/docstore"
	"workorder/internal/domain"
	"workorder/internal/ledger"
	"workorder/internal/partition"
	"workorder/internal/plan"
	"workorder/internal/repo"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Docs      docstore.Store
	Ledger    *ledger.Ledger
	Allocator *allocator.Allocator
	Archives  archive.Store
	Config    *config.Config
	Inventory plan.Inventory
	Logger    *slog.Logger
	Now       func() time.Time
}

// New wires an engine over an open, migrated database. All file-backed state
// lives under the workspace state directory unless the config relocates the
// ledger or the archive.
func New(conn *sql.DB, cfg *config.Config, workspace string) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	state := db.StateDir(workspace)
	l, err := ledger.Open(cfg.LedgerPath(workspace), ledger.Options{LockTimeout: cfg.LedgerLockTimeout()})
	if err != nil {
		return Engine{}, err
	}
	alloc := allocator.New(filepath.Join(state, "counters"), allocator.Options{
		Attempts:    cfg.Allocator.Attempts,
		BaseBackoff: cfg.AllocatorBackoff(),
	})
	return Engine{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Docs:      docstore.New(filepath.Join(state, "workorders")),
		Ledger:    l,
		Allocator: alloc,
		Archives:  archive.New(cfg.ArchiveDir(workspace)),
		Config:    cfg,
		Logger:    slog.Default(),
		Now:       time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) project() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Project.ID
}

// record appends one ledger entry. It is called before the surrounding
// transaction commits so every committed state change has its ledger line.
func (e Engine) record(ctx context.Context, workorderID, event, detail string) error {
	_, err := e.Ledger.Append(ctx, domain.LedgerEntry{
		WorkorderID: workorderID,
		Project:     e.project(),
		Event:       event,
		Detail:      detail,
		Timestamp:   e.timestamp(),
	})
	if err != nil {
		return fmt.Errorf("ledger %s: %w", event, err)
	}
	return nil
}

// recordFailure turns a failed operation into an "<op>.failed" ledger entry
// carrying the error kind and its details.
func (e Engine) recordFailure(ctx context.Context, workorderID, op string, errp *error) {
	if errp == nil || *errp == nil {
		return
	}
	err := *errp
	kind := "Error"
	detail := ""
	if de, ok := domain.AsError(err); ok {
		kind = string(de.Kind)
		detail = de.DetailString()
	}
	desc := "kind=" + kind
	if detail != "" {
		desc += " " + detail
	}
	e.log().Warn("operation failed", "op", op, "workorder", workorderID, "kind", kind, "err", err)
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if lerr := e.record(ctx, workorderID, op+".failed", desc); lerr != nil {
		e.log().Error("ledger append failed", "op", op, "err", lerr)
	}
}

var transitions = map[string]string{
	domain.StatusPlanning:    domain.StatusPartitioned,
	domain.StatusPartitioned: domain.StatusExecuting,
	domain.StatusExecuting:   domain.StatusVerified,
	domain.StatusVerified:    domain.StatusDocumented,
	domain.StatusDocumented:  domain.StatusArchived,
}

func ensureTransition(w domain.Workorder, next string) error {
	if transitions[w.Status] == next {
		return nil
	}
	return domain.Errorf(domain.KindInvalidStateTransition, map[string]any{
		"workorder_id": w.ID,
		"actual":       w.Status,
		"target":       next,
	}, "cannot move workorder %s from %s to %s", w.ID, w.Status, next)
}

func ensureStatus(w domain.Workorder, op string, allowed ...string) error {
	for _, s := range allowed {
		if w.Status == s {
			return nil
		}
	}
	return domain.Errorf(domain.KindInvalidStateTransition, map[string]any{
		"workorder_id": w.ID,
		"actual":       w.Status,
		"allowed":      strings.Join(allowed, ","),
	}, "%s is not allowed while workorder %s is %s", op, w.ID, w.Status)
}

// transition performs the checked compare-and-set and its ledger entry.
func (e Engine) transition(ctx context.Context, tx *sql.Tx, w domain.Workorder, next, detail string) (domain.Workorder, error) {
	if err := ensureTransition(w, next); err != nil {
		return w, err
	}
	ts := e.timestamp()
	if err := e.Repo.TransitionTx(ctx, tx, w.ID, w.Status, next, ts); err != nil {
		return w, err
	}
	if err := e.record(ctx, w.ID, "workorder."+next, detail); err != nil {
		return w, err
	}
	e.log().Info("workorder transition", "workorder", w.ID, "from", w.Status, "to", next)
	w.Status = next
	w.UpdatedAt = ts
	return w, nil
}

// begin starts a write transaction. SQLite still reporting BUSY after its
// busy timeout becomes a retryable conflict.
func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr(err)
	}
	return tx, nil
}

func (e Engine) commit(tx *sql.Tx) error {
	return storeErr(tx.Commit())
}

func storeErr(err error) error {
	if err == nil || !db.IsBusy(err) {
		return err
	}
	return &domain.Error{
		Kind:    domain.KindAllocationConflict,
		Message: "workorder store is busy",
		Details: map[string]any{"resource": "database"},
		Err:     err,
	}
}

type CreateOptions struct {
	Feature  string
	Category string
	Plan     *domain.Plan
}

// CreateWorkorder allocates an id and registers the workorder in planning.
func (e Engine) CreateWorkorder(ctx context.Context, opts CreateOptions) (w domain.Workorder, err error) {
	defer func() { e.recordFailure(ctx, w.ID, "create", &err) }()
	alloc, err := e.Allocator.Allocate(ctx, opts.Feature, opts.Category)
	if err != nil {
		return w, err
	}
	ts := e.timestamp()
	w = domain.Workorder{
		ID:        alloc.ID,
		ProjectID: e.project(),
		Feature:   alloc.Feature,
		Category:  alloc.Category,
		Seq:       alloc.Seq,
		Status:    domain.StatusPlanning,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkorderTx(ctx, tx, w); err != nil {
		return w, err
	}
	if err := e.record(ctx, w.ID, "workorder.created", fmt.Sprintf("feature=%s category=%s", w.Feature, w.Category)); err != nil {
		return w, err
	}
	if err := e.commit(tx); err != nil {
		return w, err
	}
	e.log().Info("workorder created", "workorder", w.ID)
	if opts.Plan != nil {
		if _, err := e.SavePlan(ctx, w.ID, *opts.Plan); err != nil {
			return w, err
		}
	}
	return w, nil
}

func (e Engine) Get(ctx context.Context, id string) (domain.Workorder, error) {
	return e.Repo.GetWorkorder(ctx, id)
}

func (e Engine) List(ctx context.Context, f repo.WorkorderFilter) ([]domain.Workorder, error) {
	return e.Repo.ListWorkorders(ctx, f)
}

// SavePlan stores the plan document of a workorder still in planning.
func (e Engine) SavePlan(ctx context.Context, id string, p domain.Plan) (_ domain.Plan, err error) {
	defer e.recordFailure(ctx, id, "plan", &err)
	w, err := e.Repo.GetWorkorder(ctx, id)
	if err != nil {
		return p, err
	}
	if err := ensureStatus(w, "saving a plan", domain.StatusPlanning); err != nil {
		return p, err
	}
	if p.WorkorderID != "" && p.WorkorderID != id {
		return p, domain.Errorf(domain.KindInvalidInput, map[string]any{"workorder_id": id, "plan_workorder_id": p.WorkorderID}, "plan belongs to %s", p.WorkorderID)
	}
	p.WorkorderID = id
	if err := e.Docs.SavePlan(p); err != nil {
		return p, err
	}
	if err := e.record(ctx, id, "plan.saved", fmt.Sprintf("phases=%d tasks=%d", len(p.Phases), len(p.Tasks()))); err != nil {
		return p, err
	}
	return p, nil
}

func (e Engine) Plan(ctx context.Context, id string) (domain.Plan, error) {
	if _, err := e.Repo.GetWorkorder(ctx, id); err != nil {
		return domain.Plan{}, err
	}
	return e.Docs.LoadPlan(id)
}

func (e Engine) validationOptions() plan.Options {
	opts := plan.Options{Inventory: e.Inventory}
	if e.Config != nil {
		opts.Threshold = e.Config.Validation.Threshold
		opts.RequiredSections = e.Config.Validation.RequiredSections
		opts.ForbiddenPaths = e.Config.Validation.ForbiddenPaths
	}
	return opts
}

// ValidatePlan scores the stored plan and records the score.
func (e Engine) ValidatePlan(ctx context.Context, id string) (rep plan.Report, err error) {
	defer e.recordFailure(ctx, id, "validate", &err)
	p, err := e.Plan(ctx, id)
	if err != nil {
		return rep, err
	}
	rep = plan.Validate(p, e.validationOptions())
	if err := e.record(ctx, id, "plan.validated", fmt.Sprintf("score=%d threshold=%d passed=%t", rep.Score, rep.Threshold, rep.Passed)); err != nil {
		return rep, err
	}
	return rep, nil
}

// Partition validates the plan, splits it across slotCount slots and moves the
// workorder to partitioned. One ledger entry is written per slot.
func (e Engine) Partition(ctx context.Context, id string, slotCount int) (m domain.Manifest, err error) {
	defer e.recordFailure(ctx, id, "partition", &err)
	w, err := e.Repo.GetWorkorder(ctx, id)
	if err != nil {
		return m, err
	}
	if err := ensureTransition(w, domain.StatusPartitioned); err != nil {
		return m, err
	}
	p, err := e.Docs.LoadPlan(id)
	if err != nil {
		return m, err
	}
	rep := plan.Validate(p, e.validationOptions())
	if !rep.Passed {
		return m, domain.Errorf(domain.KindValidationFailure, map[string]any{
			"score":     rep.Score,
			"threshold": rep.Threshold,
			"issues":    len(rep.Errors()),
		}, "plan scored %d, below threshold %d", rep.Score, rep.Threshold)
	}
	if bad := rep.RejectedPaths(); len(bad) > 0 {
		return m, domain.Errorf(domain.KindValidationFailure, map[string]any{
			"score": rep.Score,
			"paths": strings.Join(bad, ","),
		}, "plan declares %d rejected path(s); fix them before partitioning", len(bad))
	}
	maxSlots := partition.DefaultMaxSlots
	if e.Config != nil {
		maxSlots = e.Config.Partition.MaxSlots
	}
	m, err = partition.Partition(p, slotCount, partition.Options{MaxSlots: maxSlots})
	if err != nil {
		return m, err
	}
	m.CreatedAt = e.timestamp()

	tx, err := e.begin(ctx)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.TransitionTx(ctx, tx, w.ID, w.Status, domain.StatusPartitioned, m.CreatedAt); err != nil {
		return m, err
	}
	if err := e.Docs.SaveManifest(m); err != nil {
		return m, err
	}
	for _, s := range m.Slots {
		detail := fmt.Sprintf("slot=%d tasks=%s files=%d", s.SlotID, strings.Join(s.TaskIDs, ","), len(s.AllowedFiles))
		if err := e.record(ctx, id, "slot.assigned", detail); err != nil {
			return m, err
		}
	}
	if err := e.record(ctx, id, "workorder."+domain.StatusPartitioned, fmt.Sprintf("slots=%d requested=%d", m.SlotCount, slotCount)); err != nil {
		return m, err
	}
	if err := e.commit(tx); err != nil {
		return m, err
	}
	e.log().Info("workorder partitioned", "workorder", id, "slots", m.SlotCount)
	return m, nil
}

func (e Engine) Manifest(ctx context.Context, id string) (domain.Manifest, error) {
	if _, err := e.Repo.GetWorkorder(ctx, id); err != nil {
		return domain.Manifest{}, err
	}
	return e.Docs.LoadManifest(id)
}

// StartExecution releases the manifest to the agents.
func (e Engine) StartExecution(ctx context.Context, id string) (w domain.Workorder, err error) {
	defer e.recordFailure(ctx, id, "start", &err)
	w, err = e.Repo.GetWorkorder(ctx, id)
	if err != nil {
		return w, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	w, err = e.transition(ctx, tx, w, domain.StatusExecuting, "")
	if err != nil {
		return w, err
	}
	if err := e.commit(tx); err != nil {
		return w, err
	}
	return w, nil
}
