package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"workorder/internal/aggregate"
	"workorder/internal/config"
	"workorder/internal/domain"
	"workorder/internal/ledger"
	"workorder/internal/repo"
	"workorder/internal/verify"
)

type VerifyInput struct {
	WorkorderID      string
	SlotID           int
	ChangedFiles     []string
	CompletedTaskIDs []string
}

type VerifyOutcome struct {
	Result    domain.VerificationResult `json:"result"`
	Reused    bool                      `json:"reused"`
	Workorder domain.Workorder          `json:"workorder"`
}

// Verify classifies one slot's work and stores the result as a new attempt.
// Identical inputs to the slot's latest attempt return that attempt unchanged.
// While executing, the workorder becomes verified once every slot's latest
// attempt is compliant. A scope violation found after that point marks the
// workorder for remediation.
func (e Engine) Verify(ctx context.Context, in VerifyInput) (out VerifyOutcome, err error) {
	defer e.recordFailure(ctx, in.WorkorderID, "verify", &err)
	w, err := e.Repo.GetWorkorder(ctx, in.WorkorderID)
	if err != nil {
		return out, err
	}
	if err := ensureStatus(w, "verification", domain.StatusExecuting, domain.StatusVerified, domain.StatusDocumented); err != nil {
		return out, err
	}
	m, err := e.Docs.LoadManifest(w.ID)
	if err != nil {
		return out, err
	}
	res, err := verify.Verify(m, in.SlotID, in.ChangedFiles, in.CompletedTaskIDs)
	if err != nil {
		return out, err
	}
	digest := inputDigest(res)

	tx, err := e.begin(ctx)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	// Another slot may have moved the workorder since the first read.
	if w, err = e.Repo.GetWorkorderTx(ctx, tx, w.ID); err != nil {
		return out, err
	}
	if err := ensureStatus(w, "verification", domain.StatusExecuting, domain.StatusVerified, domain.StatusDocumented); err != nil {
		return out, err
	}
	latest, err := e.Repo.LatestVerificationsTx(ctx, tx, w.ID)
	if err != nil {
		return out, err
	}
	if prev, ok := latest[in.SlotID]; ok && prev.InputDigest == digest {
		return VerifyOutcome{Result: prev.VerificationResult, Reused: true, Workorder: w}, nil
	}

	res.ID = uuid.NewString()
	res.Attempt = latest[in.SlotID].Attempt + 1
	res.VerifiedAt = e.timestamp()
	stored := repo.StoredVerification{VerificationResult: res, InputDigest: digest}
	if err := e.Repo.InsertVerificationTx(ctx, tx, stored); err != nil {
		return out, err
	}
	latest[in.SlotID] = stored
	if err := e.record(ctx, w.ID, "slot.verified", verificationDetail(res)); err != nil {
		return out, err
	}

	switch w.Status {
	case domain.StatusExecuting:
		if allCompliant(m, latest) {
			w, err = e.transition(ctx, tx, w, domain.StatusVerified, fmt.Sprintf("slots=%d", len(m.Slots)))
			if err != nil {
				return out, err
			}
		}
	default:
		w, err = e.applyRemediation(ctx, tx, w, m, latest, res)
		if err != nil {
			return out, err
		}
	}
	if err := e.commit(tx); err != nil {
		return out, err
	}
	e.log().Info("slot verified", "workorder", w.ID, "slot", res.SlotID, "status", res.Status, "attempt", res.Attempt)
	return VerifyOutcome{Result: res, Workorder: w}, nil
}

// applyRemediation raises or clears the remediation flag for verifications
// recorded after the workorder left executing.
func (e Engine) applyRemediation(ctx context.Context, tx *sql.Tx, w domain.Workorder, m domain.Manifest, latest map[int]repo.StoredVerification, res domain.VerificationResult) (domain.Workorder, error) {
	ts := e.timestamp()
	switch {
	case res.Status == domain.VerificationScopeViolation:
		if err := e.Repo.SetRemediationTx(ctx, tx, w.ID, true, ts); err != nil {
			return w, err
		}
		detail := fmt.Sprintf("slot=%d policy=%s files=%s", res.SlotID, e.policy(), strings.Join(res.ViolatingFiles, ","))
		if err := e.record(ctx, w.ID, "remediation.required", detail); err != nil {
			return w, err
		}
		e.log().Warn("late scope violation", "workorder", w.ID, "slot", res.SlotID, "policy", e.policy())
		w.RemediationRequired = true
	case w.RemediationRequired && allCompliant(m, latest):
		if err := e.Repo.SetRemediationTx(ctx, tx, w.ID, false, ts); err != nil {
			return w, err
		}
		if err := e.record(ctx, w.ID, "remediation.cleared", fmt.Sprintf("slot=%d", res.SlotID)); err != nil {
			return w, err
		}
		w.RemediationRequired = false
	}
	w.UpdatedAt = ts
	return w, nil
}

func (e Engine) policy() string {
	if e.Config == nil || e.Config.Verification.ScopeViolationPolicy == "" {
		return config.PolicyFlag
	}
	return e.Config.Verification.ScopeViolationPolicy
}

func allCompliant(m domain.Manifest, latest map[int]repo.StoredVerification) bool {
	for _, s := range m.Slots {
		v, ok := latest[s.SlotID]
		if !ok || v.Status != domain.VerificationCompliant {
			return false
		}
	}
	return len(m.Slots) > 0
}

func inputDigest(res domain.VerificationResult) string {
	h := sha256.New()
	fmt.Fprintf(h, "slot=%d\n", res.SlotID)
	h.Write([]byte(strings.Join(res.ChangedFiles, "\n")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(res.CompletedTaskIDs, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

func verificationDetail(res domain.VerificationResult) string {
	parts := []string{
		fmt.Sprintf("slot=%d", res.SlotID),
		"status=" + res.Status,
		fmt.Sprintf("attempt=%d", res.Attempt),
	}
	if len(res.ViolatingFiles) > 0 {
		parts = append(parts, "violating="+strings.Join(res.ViolatingFiles, ","))
	}
	if len(res.UnfinishedTasks) > 0 {
		parts = append(parts, "unfinished="+strings.Join(res.UnfinishedTasks, ","))
	}
	return strings.Join(parts, " ")
}

// Verifications lists stored results; slot <= 0 lists every slot.
func (e Engine) Verifications(ctx context.Context, id string, slot int) ([]domain.VerificationResult, error) {
	if _, err := e.Repo.GetWorkorder(ctx, id); err != nil {
		return nil, err
	}
	stored, err := e.Repo.ListVerifications(ctx, id, slot)
	if err != nil {
		return nil, err
	}
	out := make([]domain.VerificationResult, 0, len(stored))
	for _, v := range stored {
		out = append(out, v.VerificationResult)
	}
	return out, nil
}

// SubmitReport stores one slot's deliverable report for later aggregation.
func (e Engine) SubmitReport(ctx context.Context, id string, r domain.DeliverableReport) (_ string, err error) {
	defer e.recordFailure(ctx, id, "report", &err)
	w, err := e.Repo.GetWorkorder(ctx, id)
	if err != nil {
		return "", err
	}
	if err := ensureStatus(w, "submitting a report", domain.StatusExecuting, domain.StatusVerified); err != nil {
		return "", err
	}
	if err := aggregate.ValidateReport(r); err != nil {
		return "", err
	}
	m, err := e.Docs.LoadManifest(id)
	if err != nil {
		return "", err
	}
	if _, ok := m.Slot(r.SlotID); !ok {
		return "", domain.Errorf(domain.KindInvalidInput, map[string]any{"slot": r.SlotID}, "slot %d is not part of the manifest", r.SlotID)
	}
	path, err := e.Docs.SaveReport(id, r)
	if err != nil {
		return "", err
	}
	if err := e.record(ctx, id, "report.submitted", fmt.Sprintf("slot=%d tasks=%d", r.SlotID, len(r.CompletedTaskIDs))); err != nil {
		return path, err
	}
	return path, nil
}

// Aggregate merges the given reports, or the submitted ones when reports is
// nil, and stores the result.
func (e Engine) Aggregate(ctx context.Context, id string, reports []domain.DeliverableReport) (rep domain.AggregatedReport, err error) {
	defer e.recordFailure(ctx, id, "aggregate", &err)
	w, err := e.Repo.GetWorkorder(ctx, id)
	if err != nil {
		return rep, err
	}
	if err := ensureStatus(w, "aggregation", domain.StatusExecuting, domain.StatusVerified); err != nil {
		return rep, err
	}
	m, err := e.Docs.LoadManifest(id)
	if err != nil {
		return rep, err
	}
	p, err := e.Docs.LoadPlan(id)
	if err != nil {
		return rep, err
	}
	if reports == nil {
		if reports, err = e.Docs.LoadReports(id); err != nil {
			return rep, err
		}
	}
	rep, err = aggregate.Aggregate(m, p, reports)
	if err != nil {
		return rep, err
	}
	rep.AggregatedAt = e.timestamp()

	tx, err := e.begin(ctx)
	if err != nil {
		return rep, err
	}
	defer tx.Rollback()
	if w, err = e.Repo.GetWorkorderTx(ctx, tx, id); err != nil {
		return rep, err
	}
	if err := ensureStatus(w, "aggregation", domain.StatusExecuting, domain.StatusVerified); err != nil {
		return rep, err
	}
	if err := e.Repo.UpsertAggregateTx(ctx, tx, rep); err != nil {
		return rep, err
	}
	detail := fmt.Sprintf("slots=%d complete=%t lines_added=%d lines_removed=%d commits=%d",
		len(rep.Slots), rep.Complete, rep.LinesAdded, rep.LinesRemoved, rep.Commits)
	if err := e.record(ctx, id, "deliverables.aggregated", detail); err != nil {
		return rep, err
	}
	if err := e.commit(tx); err != nil {
		return rep, err
	}
	return rep, nil
}

func (e Engine) AggregatedReport(ctx context.Context, id string) (domain.AggregatedReport, error) {
	return e.Repo.GetAggregate(ctx, id)
}

// Document closes the verified phase. It needs a complete aggregated report.
func (e Engine) Document(ctx context.Context, id string) (w domain.Workorder, err error) {
	defer e.recordFailure(ctx, id, "document", &err)
	w, err = e.Repo.GetWorkorder(ctx, id)
	if err != nil {
		return w, err
	}
	if err := ensureTransition(w, domain.StatusDocumented); err != nil {
		return w, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	rep, err := e.Repo.GetAggregateTx(ctx, tx, id)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			return w, domain.Errorf(domain.KindInvalidStateTransition, map[string]any{"workorder_id": id}, "aggregate deliverables before documenting %s", id)
		}
		return w, err
	}
	if !rep.Complete {
		return w, domain.Errorf(domain.KindValidationFailure, map[string]any{
			"missing_task_ids": strings.Join(rep.MissingTaskIDs, ","),
			"unknown_task_ids": strings.Join(rep.UnknownTaskIDs, ","),
		}, "aggregated report for %s is incomplete", id)
	}
	w, err = e.transition(ctx, tx, w, domain.StatusDocumented, "")
	if err != nil {
		return w, err
	}
	if err := e.commit(tx); err != nil {
		return w, err
	}
	return w, nil
}

// Archive moves a documented workorder into immutable storage. Under the
// block policy an outstanding remediation prevents archiving. A record left on
// disk by an earlier attempt that failed before commit is completed rather
// than written again.
func (e Engine) Archive(ctx context.Context, id string) (rec domain.ArchiveRecord, err error) {
	defer e.recordFailure(ctx, id, "archive", &err)
	w, err := e.Repo.GetWorkorder(ctx, id)
	if err != nil {
		return rec, err
	}
	if err := ensureTransition(w, domain.StatusArchived); err != nil {
		return rec, err
	}
	if w.RemediationRequired && e.policy() == config.PolicyBlock {
		return rec, domain.Errorf(domain.KindInvalidStateTransition, map[string]any{
			"workorder_id": id,
			"policy":       config.PolicyBlock,
		}, "workorder %s has an unresolved scope violation; re-verify the slot before archiving", id)
	}
	_, err = e.Archives.Load(w.Feature, id)
	resume := err == nil
	if err != nil && domain.KindOf(err) != domain.KindNotFound {
		return rec, err
	}
	if !resume {
		if rec, err = e.archiveRecord(ctx, w); err != nil {
			return rec, err
		}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()
	if err := e.Repo.TransitionTx(ctx, tx, id, w.Status, domain.StatusArchived, e.timestamp()); err != nil {
		return rec, err
	}
	if resume {
		rec, err = e.Archives.Resume(ctx, w.Feature, id, e.Docs.Dir(id))
	} else {
		rec, err = e.Archives.Write(ctx, rec, e.Docs.Dir(id))
	}
	if err != nil {
		return rec, err
	}
	if err := e.Repo.InsertArchiveTx(ctx, tx, id, w.Feature, rec.Location, rec.ArchivedAt); err != nil {
		return rec, err
	}
	detail := "location=" + rec.Location
	if resume {
		detail += " resumed=true"
	}
	if err := e.record(ctx, id, "workorder."+domain.StatusArchived, detail); err != nil {
		return rec, err
	}
	if err := e.commit(tx); err != nil {
		return rec, err
	}
	e.log().Info("workorder archived", "workorder", id, "location", rec.Location, "resumed", resume)
	return rec, nil
}

func (e Engine) archiveRecord(ctx context.Context, w domain.Workorder) (domain.ArchiveRecord, error) {
	p, err := e.Docs.LoadPlan(w.ID)
	if err != nil {
		return domain.ArchiveRecord{}, err
	}
	agg, err := e.Repo.GetAggregate(ctx, w.ID)
	if err != nil {
		return domain.ArchiveRecord{}, err
	}
	verifications, err := e.Verifications(ctx, w.ID, 0)
	if err != nil {
		return domain.ArchiveRecord{}, err
	}
	return domain.ArchiveRecord{
		WorkorderID:      w.ID,
		Feature:          w.Feature,
		Plan:             p,
		AggregatedReport: agg,
		Verifications:    verifications,
		ArchivedAt:       e.timestamp(),
	}, nil
}

// QueryLog reads the audit ledger.
func (e Engine) QueryLog(ctx context.Context, q ledger.Query) ([]domain.LedgerEntry, error) {
	entries, err := e.Ledger.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	return entries, nil
}

type SlotStatus struct {
	SlotID       int      `json:"slot_id"`
	TaskIDs      []string `json:"task_ids"`
	Attempts     int      `json:"attempts"`
	LatestStatus string   `json:"latest_status,omitempty"`
}

type StatusReport struct {
	Workorder domain.Workorder          `json:"workorder"`
	Slots     []SlotStatus              `json:"slots,omitempty"`
	Aggregate *domain.AggregatedReport  `json:"aggregate,omitempty"`
	Archive   *domain.ArchiveIndexEntry `json:"archive,omitempty"`
}

// Status summarises a workorder and its slots.
func (e Engine) Status(ctx context.Context, id string) (StatusReport, error) {
	w, err := e.Repo.GetWorkorder(ctx, id)
	if err != nil {
		return StatusReport{}, err
	}
	st := StatusReport{Workorder: w}
	if w.Status == domain.StatusPlanning {
		return st, nil
	}
	if w.Status == domain.StatusArchived {
		if a, err := e.Repo.GetArchive(ctx, id); err == nil {
			st.Archive = &a
		}
	} else {
		m, err := e.Docs.LoadManifest(id)
		if err != nil {
			return st, err
		}
		latest, err := e.Repo.LatestVerificationsTx(ctx, nil, id)
		if err != nil {
			return st, err
		}
		for _, s := range m.Slots {
			ss := SlotStatus{SlotID: s.SlotID, TaskIDs: s.TaskIDs}
			if v, ok := latest[s.SlotID]; ok {
				ss.Attempts = v.Attempt
				ss.LatestStatus = v.Status
			}
			st.Slots = append(st.Slots, ss)
		}
	}
	if agg, err := e.Repo.GetAggregate(ctx, id); err == nil {
		st.Aggregate = &agg
	}
	return st, nil
}
