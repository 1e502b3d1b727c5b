package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"workorder/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound matches domain.ErrNotFound through errors.Is.
var ErrNotFound = domain.ErrNotFound

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const workorderCols = `id,project_id,feature,category,seq,status,remediation_required,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkorder(s scanner) (domain.Workorder, error) {
	var w domain.Workorder
	var remediation int
	err := s.Scan(&w.ID, &w.ProjectID, &w.Feature, &w.Category, &w.Seq, &w.Status, &remediation, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return w, err
	}
	w.RemediationRequired = remediation != 0
	return w, nil
}

func (r Repo) InsertWorkorderTx(ctx context.Context, tx *sql.Tx, w domain.Workorder) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO workorders(`+workorderCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, w.Feature, w.Category, w.Seq, w.Status, boolInt(w.RemediationRequired), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workorder %s: %w", w.ID, err)
	}
	return nil
}

func (r Repo) GetWorkorder(ctx context.Context, id string) (domain.Workorder, error) {
	return r.GetWorkorderTx(ctx, nil, id)
}

func (r Repo) GetWorkorderTx(ctx context.Context, tx *sql.Tx, id string) (domain.Workorder, error) {
	w, err := scanWorkorder(r.q(tx).QueryRowContext(ctx, `SELECT `+workorderCols+` FROM workorders WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return w, domain.Errorf(domain.KindNotFound, map[string]any{"workorder_id": id}, "workorder %s not found", id)
	}
	return w, err
}

type WorkorderFilter struct {
	ProjectID string
	Feature   string
	Status    string
	Limit     int
}

func (r Repo) ListWorkorders(ctx context.Context, f WorkorderFilter) ([]domain.Workorder, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Feature != "" {
		clauses = append(clauses, "feature=?")
		args = append(args, f.Feature)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + workorderCols + ` FROM workorders`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workorder
	for rows.Next() {
		w, err := scanWorkorder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// TransitionTx moves a workorder from expected to next. The update is
// conditional on the current status so two racing callers cannot both win;
// the loser gets InvalidStateTransition carrying the status it observed.
func (r Repo) TransitionTx(ctx context.Context, tx *sql.Tx, id, expected, next, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workorders SET status=?, updated_at=? WHERE id=? AND status=?`, next, updatedAt, id, expected)
	if err != nil {
		return fmt.Errorf("update workorder status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	cur, err := r.GetWorkorderTx(ctx, tx, id)
	if err != nil {
		return err
	}
	return domain.Errorf(domain.KindInvalidStateTransition, map[string]any{
		"workorder_id": id,
		"expected":     expected,
		"actual":       cur.Status,
		"target":       next,
	}, "workorder %s is %s, expected %s", id, cur.Status, expected)
}

func (r Repo) SetRemediationTx(ctx context.Context, tx *sql.Tx, id string, required bool, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workorders SET remediation_required=?, updated_at=? WHERE id=?`, boolInt(required), updatedAt, id)
	if err != nil {
		return fmt.Errorf("update remediation flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.KindNotFound, map[string]any{"workorder_id": id}, "workorder %s not found", id)
	}
	return nil
}

// StoredVerification is a verification result plus the digest of the inputs
// that produced it.
type StoredVerification struct {
	domain.VerificationResult
	InputDigest string
}

const verificationCols = `id,workorder_id,slot,attempt,status,input_digest,changed_files_json,completed_tasks_json,violating_files_json,unfinished_tasks_json,unexpected_tasks_json,verified_at`

func scanVerification(s scanner) (StoredVerification, error) {
	var v StoredVerification
	var changed, completed, violating, unfinished, unexpected string
	err := s.Scan(&v.ID, &v.WorkorderID, &v.SlotID, &v.Attempt, &v.Status, &v.InputDigest,
		&changed, &completed, &violating, &unfinished, &unexpected, &v.VerifiedAt)
	if err != nil {
		return v, err
	}
	for _, f := range []struct {
		raw string
		dst *[]string
	}{
		{changed, &v.ChangedFiles},
		{completed, &v.CompletedTaskIDs},
		{violating, &v.ViolatingFiles},
		{unfinished, &v.UnfinishedTasks},
		{unexpected, &v.UnexpectedTasks},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return v, fmt.Errorf("decode verification %s: %w", v.ID, err)
		}
	}
	return v, nil
}

func (r Repo) InsertVerificationTx(ctx context.Context, tx *sql.Tx, v StoredVerification) error {
	cols := make([]any, 0, 5)
	for _, list := range [][]string{v.ChangedFiles, v.CompletedTaskIDs, v.ViolatingFiles, v.UnfinishedTasks, v.UnexpectedTasks} {
		s, err := marshalList(list)
		if err != nil {
			return err
		}
		cols = append(cols, s)
	}
	args := append([]any{v.ID, v.WorkorderID, v.SlotID, v.Attempt, v.Status, v.InputDigest}, cols...)
	args = append(args, v.VerifiedAt)
	if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO verifications(`+verificationCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`, args...); err != nil {
		return fmt.Errorf("insert verification: %w", err)
	}
	return nil
}

// ListVerifications returns every stored verification of a workorder ordered by
// slot then attempt. slot <= 0 selects all slots.
func (r Repo) ListVerifications(ctx context.Context, workorderID string, slot int) ([]StoredVerification, error) {
	return r.ListVerificationsTx(ctx, nil, workorderID, slot)
}

func (r Repo) ListVerificationsTx(ctx context.Context, tx *sql.Tx, workorderID string, slot int) ([]StoredVerification, error) {
	query := `SELECT ` + verificationCols + ` FROM verifications WHERE workorder_id=?`
	args := []any{workorderID}
	if slot > 0 {
		query += " AND slot=?"
		args = append(args, slot)
	}
	query += " ORDER BY slot, attempt"
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StoredVerification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// LatestVerificationsTx returns the newest attempt per slot.
func (r Repo) LatestVerificationsTx(ctx context.Context, tx *sql.Tx, workorderID string) (map[int]StoredVerification, error) {
	all, err := r.ListVerificationsTx(ctx, tx, workorderID, 0)
	if err != nil {
		return nil, err
	}
	latest := make(map[int]StoredVerification, len(all))
	for _, v := range all {
		if prev, ok := latest[v.SlotID]; !ok || v.Attempt > prev.Attempt {
			latest[v.SlotID] = v
		}
	}
	return latest, nil
}

func (r Repo) UpsertAggregateTx(ctx context.Context, tx *sql.Tx, rep domain.AggregatedReport) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal aggregated report: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO aggregated_reports(workorder_id,complete,report_json,aggregated_at) VALUES (?,?,?,?)
ON CONFLICT(workorder_id) DO UPDATE SET complete=excluded.complete, report_json=excluded.report_json, aggregated_at=excluded.aggregated_at`,
		rep.WorkorderID, boolInt(rep.Complete), string(payload), rep.AggregatedAt)
	if err != nil {
		return fmt.Errorf("store aggregated report: %w", err)
	}
	return nil
}

func (r Repo) GetAggregate(ctx context.Context, workorderID string) (domain.AggregatedReport, error) {
	return r.GetAggregateTx(ctx, nil, workorderID)
}

func (r Repo) GetAggregateTx(ctx context.Context, tx *sql.Tx, workorderID string) (domain.AggregatedReport, error) {
	var (
		rep     domain.AggregatedReport
		payload string
	)
	err := r.q(tx).QueryRowContext(ctx, `SELECT report_json FROM aggregated_reports WHERE workorder_id=?`, workorderID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return rep, domain.Errorf(domain.KindNotFound, map[string]any{"workorder_id": workorderID}, "no aggregated report for %s", workorderID)
	}
	if err != nil {
		return rep, err
	}
	if err := json.Unmarshal([]byte(payload), &rep); err != nil {
		return rep, fmt.Errorf("decode aggregated report: %w", err)
	}
	return rep, nil
}

func (r Repo) InsertArchiveTx(ctx context.Context, tx *sql.Tx, workorderID, feature, location, archivedAt string) error {
	if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO archives(workorder_id,feature,location,archived_at) VALUES (?,?,?,?)`,
		workorderID, feature, location, archivedAt); err != nil {
		return fmt.Errorf("insert archive: %w", err)
	}
	return nil
}

func (r Repo) GetArchive(ctx context.Context, workorderID string) (domain.ArchiveIndexEntry, error) {
	var e domain.ArchiveIndexEntry
	err := r.DB.QueryRowContext(ctx, `SELECT feature,workorder_id,location,archived_at FROM archives WHERE workorder_id=?`, workorderID).
		Scan(&e.Feature, &e.WorkorderID, &e.Location, &e.ArchivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, domain.Errorf(domain.KindNotFound, map[string]any{"workorder_id": workorderID}, "workorder %s is not archived", workorderID)
	}
	return e, err
}

func marshalList(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
