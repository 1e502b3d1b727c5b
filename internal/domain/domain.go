package domain

import (
	"path"
	"sort"
	"strings"
)

// Workorder lifecycle states, strictly forward.
const (
	StatusPlanning    = "planning"
	StatusPartitioned = "partitioned"
	StatusExecuting   = "executing"
	StatusVerified    = "verified"
	StatusDocumented  = "documented"
	StatusArchived    = "archived"
)

// Verification outcomes.
const (
	VerificationCompliant      = "compliant"
	VerificationScopeViolation = "scope_violation"
	VerificationIncomplete     = "incomplete"
)

type Workorder struct {
	ID                  string `json:"id"`
	ProjectID           string `json:"project_id"`
	Feature             string `json:"feature_name"`
	Category            string `json:"category"`
	Seq                 int64  `json:"seq"`
	Status              string `json:"status" enum:"planning,partitioned,executing,verified,documented,archived"`
	RemediationRequired bool   `json:"remediation_required"`
	CreatedAt           string `json:"created_at" format:"date-time"`
	UpdatedAt           string `json:"updated_at" format:"date-time"`
}

type Plan struct {
	WorkorderID     string   `json:"workorder_id" yaml:"workorder_id" toml:"workorder_id"`
	Title           string   `json:"title" yaml:"title" toml:"title"`
	Summary         string   `json:"summary,omitempty" yaml:"summary" toml:"summary"`
	Phases          []Phase  `json:"phases" yaml:"phases" toml:"phases"`
	SuccessCriteria []string `json:"success_criteria,omitempty" yaml:"success_criteria" toml:"success_criteria"`
	TestingStrategy string   `json:"testing_strategy,omitempty" yaml:"testing_strategy" toml:"testing_strategy"`
	Risks           []string `json:"risks,omitempty" yaml:"risks" toml:"risks"`
}

type Phase struct {
	Name  string `json:"name" yaml:"name" toml:"name"`
	Tasks []Task `json:"tasks" yaml:"tasks" toml:"tasks"`
}

type Task struct {
	TaskID          string   `json:"task_id" yaml:"task_id" toml:"task_id"`
	Description     string   `json:"description" yaml:"description" toml:"description"`
	EstimatedEffort string   `json:"estimated_effort" yaml:"estimated_effort" toml:"estimated_effort"`
	DependsOn       []string `json:"depends_on,omitempty" yaml:"depends_on" toml:"depends_on"`
	Touches         []string `json:"touches,omitempty" yaml:"touches" toml:"touches"`
}

// Tasks flattens all phases in declared order.
func (p Plan) Tasks() []Task {
	var out []Task
	for _, ph := range p.Phases {
		out = append(out, ph.Tasks...)
	}
	return out
}

func (p Plan) TaskIDs() []string {
	tasks := p.Tasks()
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.TaskID)
	}
	return ids
}

// FileUniverse is the sorted set of every declared touches path.
func (p Plan) FileUniverse() []string {
	set := map[string]struct{}{}
	for _, t := range p.Tasks() {
		for _, f := range t.Touches {
			if n := NormalizePath(f); n != "" {
				set[n] = struct{}{}
			}
		}
	}
	return SortedKeys(set)
}

type Manifest struct {
	WorkorderID    string           `json:"workorder_id" yaml:"workorder_id"`
	SlotCount      int              `json:"slot_count" yaml:"slot_count"`
	ExecutionOrder []string         `json:"execution_order" yaml:"execution_order"`
	FileUniverse   []string         `json:"file_universe" yaml:"file_universe"`
	Slots          []SlotAssignment `json:"slots" yaml:"slots"`
	CreatedAt      string           `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

type SlotAssignment struct {
	SlotID         int            `json:"slot_id" yaml:"slot_id"`
	TaskIDs        []string       `json:"task_ids" yaml:"task_ids"`
	AllowedFiles   []string       `json:"allowed_files" yaml:"allowed_files"`
	ForbiddenFiles []string       `json:"forbidden_files" yaml:"forbidden_files"`
	WaitsOn        []CrossSlotDep `json:"waits_on,omitempty" yaml:"waits_on,omitempty"`
}

// CrossSlotDep names a dependency owned by another slot that precedes TaskID.
type CrossSlotDep struct {
	TaskID    string `json:"task_id" yaml:"task_id"`
	DependsOn string `json:"depends_on" yaml:"depends_on"`
	SlotID    int    `json:"slot_id" yaml:"slot_id"`
}

// Slot returns the assignment for slotID.
func (m Manifest) Slot(slotID int) (SlotAssignment, bool) {
	for _, s := range m.Slots {
		if s.SlotID == slotID {
			return s, true
		}
	}
	return SlotAssignment{}, false
}

type VerificationResult struct {
	ID               string   `json:"id,omitempty"`
	WorkorderID      string   `json:"workorder_id"`
	SlotID           int      `json:"slot_id"`
	Attempt          int      `json:"attempt,omitempty"`
	Status           string   `json:"status" enum:"compliant,scope_violation,incomplete"`
	ViolatingFiles   []string `json:"violating_files"`
	UnfinishedTasks  []string `json:"unfinished_tasks"`
	UnexpectedTasks  []string `json:"unexpected_tasks,omitempty"`
	ChangedFiles     []string `json:"changed_files"`
	CompletedTaskIDs []string `json:"completed_task_ids"`
	VerifiedAt       string   `json:"verified_at,omitempty" format:"date-time"`
}

type DeliverableReport struct {
	SlotID           int      `json:"slot_id" yaml:"slot_id" toml:"slot_id" validate:"gte=1"`
	LinesAdded       int64    `json:"lines_added" yaml:"lines_added" toml:"lines_added" validate:"gte=0"`
	LinesRemoved     int64    `json:"lines_removed" yaml:"lines_removed" toml:"lines_removed" validate:"gte=0"`
	Commits          int64    `json:"commits" yaml:"commits" toml:"commits" validate:"gte=0"`
	ElapsedSeconds   int64    `json:"elapsed_seconds" yaml:"elapsed_seconds" toml:"elapsed_seconds" validate:"gte=0"`
	CompletedTaskIDs []string `json:"completed_task_ids" yaml:"completed_task_ids" toml:"completed_task_ids" validate:"dive,required"`
}

type AggregatedReport struct {
	WorkorderID      string              `json:"workorder_id"`
	Slots            []int               `json:"slots"`
	LinesAdded       int64               `json:"lines_added"`
	LinesRemoved     int64               `json:"lines_removed"`
	Commits          int64               `json:"commits"`
	ElapsedSeconds   int64               `json:"elapsed_seconds"`
	CompletedTaskIDs []string            `json:"completed_task_ids"`
	MissingTaskIDs   []string            `json:"missing_task_ids"`
	UnknownTaskIDs   []string            `json:"unknown_task_ids,omitempty"`
	Complete         bool                `json:"complete"`
	Reports          []DeliverableReport `json:"reports"`
	AggregatedAt     string              `json:"aggregated_at,omitempty" format:"date-time"`
}

type LedgerEntry struct {
	WorkorderID string `json:"workorder_id"`
	Project     string `json:"project"`
	Event       string `json:"event"`
	Detail      string `json:"detail,omitempty"`
	Timestamp   string `json:"timestamp" format:"date-time"`
}

type ArchiveRecord struct {
	WorkorderID      string               `json:"workorder_id"`
	Feature          string               `json:"feature_name"`
	Plan             Plan                 `json:"plan"`
	AggregatedReport AggregatedReport     `json:"aggregated_report"`
	Verifications    []VerificationResult `json:"verifications"`
	Location         string               `json:"location"`
	ArchivedAt       string               `json:"archived_at" format:"date-time"`
}

// ArchiveIndexEntry maps a feature to one of its archived workorders.
type ArchiveIndexEntry struct {
	Feature     string `json:"feature_name"`
	WorkorderID string `json:"workorder_id"`
	Location    string `json:"location"`
	ArchivedAt  string `json:"archived_at" format:"date-time"`
}

// NormalizePath maps a repository-relative path to its canonical slash form.
func NormalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	return p
}

func SortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
