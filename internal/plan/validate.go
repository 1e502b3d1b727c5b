// Package plan scores plan documents before they may be partitioned.
package plan

import (
	"fmt"
	"path"
	"strings"

	"workorder/internal/domain"
)

// Scoring categories and their weights; weights sum to 100.
const (
	CategoryStructure    = "structure"
	CategoryTasks        = "tasks"
	CategoryDependencies = "dependencies"
	CategoryPaths        = "paths"
	CategoryPhases       = "phases"

	DefaultThreshold = 90
)

var weights = map[string]int{
	CategoryStructure:    20,
	CategoryTasks:        20,
	CategoryDependencies: 25,
	CategoryPaths:        20,
	CategoryPhases:       15,
}

// Categories in report order.
var Categories = []string{CategoryStructure, CategoryTasks, CategoryDependencies, CategoryPaths, CategoryPhases}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// DefaultRequiredSections are checked when Options.RequiredSections is nil.
var DefaultRequiredSections = []string{"title", "summary", "phases", "success_criteria"}

// DefaultForbiddenPaths are system paths no task may declare.
var DefaultForbiddenPaths = []string{".git", ".workorder", ".env"}

// Inventory answers whether a path exists in the target codebase.
type Inventory interface {
	Exists(path string) bool
}

type Options struct {
	Threshold        int
	RequiredSections []string
	ForbiddenPaths   []string
	Inventory        Inventory
}

type Issue struct {
	Category string `json:"category"`
	Severity string `json:"severity" enum:"error,warning"`
	Message  string `json:"message"`
	TaskID   string `json:"task_id,omitempty"`
	Path     string `json:"path,omitempty"`
}

type Report struct {
	Score     int            `json:"score"`
	Threshold int            `json:"threshold"`
	Passed    bool           `json:"passed"`
	Breakdown map[string]int `json:"breakdown"`
	Issues    []Issue        `json:"issues"`
}

// Errors returns only the error-severity issues.
func (r Report) Errors() []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == SeverityError {
			out = append(out, is)
		}
	}
	return out
}

// RejectedPaths lists the declared paths that failed a path check, sorted and
// without duplicates. A plan may pass its threshold with some of them, but
// they must never reach a slot's allowed files.
func (r Report) RejectedPaths() []string {
	seen := map[string]struct{}{}
	for _, is := range r.Errors() {
		if is.Category == CategoryPaths {
			seen[is.Path] = struct{}{}
		}
	}
	return domain.SortedKeys(seen)
}

// Validate scores p. It never mutates p and has no side effects.
func Validate(p domain.Plan, opts Options) Report {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.RequiredSections == nil {
		opts.RequiredSections = DefaultRequiredSections
	}
	if opts.ForbiddenPaths == nil {
		opts.ForbiddenPaths = DefaultForbiddenPaths
	}
	v := &validator{plan: p, opts: opts, breakdown: map[string]int{}}
	v.structure()
	v.tasks()
	v.dependencies()
	v.paths()
	v.phases()

	score := 0
	for _, c := range Categories {
		score += v.breakdown[c]
	}
	if v.issues == nil {
		v.issues = []Issue{}
	}
	return Report{
		Score:     score,
		Threshold: opts.Threshold,
		Passed:    score >= opts.Threshold,
		Breakdown: v.breakdown,
		Issues:    v.issues,
	}
}

type validator struct {
	plan      domain.Plan
	opts      Options
	breakdown map[string]int
	issues    []Issue
}

func (v *validator) add(is Issue) {
	if is.Severity == "" {
		is.Severity = SeverityError
	}
	v.issues = append(v.issues, is)
}

// proportional awards the category weight scaled by ok/total, rounded down.
func (v *validator) proportional(category string, ok, total int) {
	if total == 0 {
		v.breakdown[category] = weights[category]
		return
	}
	v.breakdown[category] = weights[category] * ok / total
}

func (v *validator) structure() {
	present := 0
	for _, section := range v.opts.RequiredSections {
		if sectionPresent(v.plan, section) {
			present++
			continue
		}
		v.add(Issue{Category: CategoryStructure, Message: fmt.Sprintf("required section %q is missing or empty", section)})
	}
	v.proportional(CategoryStructure, present, len(v.opts.RequiredSections))
}

func sectionPresent(p domain.Plan, section string) bool {
	switch section {
	case "title":
		return strings.TrimSpace(p.Title) != ""
	case "summary":
		return strings.TrimSpace(p.Summary) != ""
	case "phases":
		return len(p.Phases) > 0
	case "success_criteria":
		return len(p.SuccessCriteria) > 0
	case "testing_strategy":
		return strings.TrimSpace(p.TestingStrategy) != ""
	case "risks":
		return len(p.Risks) > 0
	default:
		return false
	}
}

func (v *validator) tasks() {
	tasks := v.plan.Tasks()
	if len(tasks) == 0 {
		v.add(Issue{Category: CategoryTasks, Message: "plan declares no tasks"})
		v.breakdown[CategoryTasks] = 0
		return
	}
	seen := map[string]bool{}
	ok := 0
	for i, t := range tasks {
		good := true
		id := strings.TrimSpace(t.TaskID)
		switch {
		case id == "":
			v.add(Issue{Category: CategoryTasks, Message: fmt.Sprintf("task #%d has no task_id", i+1)})
			good = false
		case seen[id]:
			v.add(Issue{Category: CategoryTasks, TaskID: id, Message: fmt.Sprintf("task_id %s is declared more than once", id)})
			good = false
		}
		seen[id] = true
		if strings.TrimSpace(t.Description) == "" {
			v.add(Issue{Category: CategoryTasks, TaskID: id, Message: "task has no description"})
			good = false
		}
		if strings.TrimSpace(t.EstimatedEffort) == "" {
			v.add(Issue{Category: CategoryTasks, TaskID: id, Message: "task has no estimated_effort"})
			good = false
		}
		if good {
			ok++
		}
	}
	v.proportional(CategoryTasks, ok, len(tasks))
}

func (v *validator) dependencies() {
	_, err := TopoTiers(v.plan.Tasks())
	if err == nil {
		v.breakdown[CategoryDependencies] = weights[CategoryDependencies]
		return
	}
	v.breakdown[CategoryDependencies] = 0
	is := Issue{Category: CategoryDependencies, Message: err.Error()}
	if de, ok := domain.AsError(err); ok {
		is.Message = de.Message
		if id, ok := de.Details["task_id"].(string); ok {
			is.TaskID = id
		}
	}
	v.add(is)
}

func (v *validator) paths() {
	total, ok := 0, 0
	for _, t := range v.plan.Tasks() {
		for _, raw := range t.Touches {
			total++
			if msg := checkPath(raw, v.opts.ForbiddenPaths); msg != "" {
				v.add(Issue{Category: CategoryPaths, TaskID: t.TaskID, Path: raw, Message: msg})
				continue
			}
			ok++
			if v.opts.Inventory != nil && !v.opts.Inventory.Exists(raw) {
				v.add(Issue{Category: CategoryPaths, Severity: SeverityWarning, TaskID: t.TaskID, Path: raw, Message: "path does not exist in the codebase yet"})
			}
		}
	}
	v.proportional(CategoryPaths, ok, total)
}

// checkPath returns a problem description, or "" when p is acceptable.
func checkPath(p string, forbidden []string) string {
	switch {
	case strings.TrimSpace(p) == "":
		return "empty path"
	case strings.ContainsRune(p, 0):
		return "path contains a NUL byte"
	case strings.Contains(p, "\\"):
		return "path must use forward slashes"
	case strings.HasPrefix(p, "/") || (len(p) > 1 && p[1] == ':'):
		return "path must be relative to the repository root"
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "path escapes the repository root"
		}
	}
	if path.Clean(p) != p || strings.HasPrefix(p, "./") {
		return fmt.Sprintf("path is not canonical; use %s", domain.NormalizePath(p))
	}
	for _, f := range forbidden {
		f = domain.NormalizePath(f)
		if f == "" {
			continue
		}
		if p == f || strings.HasPrefix(p, f+"/") {
			return fmt.Sprintf("path is inside forbidden system path %s", f)
		}
	}
	return ""
}

func (v *validator) phases() {
	if len(v.plan.Phases) == 0 {
		v.add(Issue{Category: CategoryPhases, Message: "plan declares no phases"})
		v.breakdown[CategoryPhases] = 0
		return
	}
	ok := 0
	for i, ph := range v.plan.Phases {
		if len(ph.Tasks) == 0 {
			name := ph.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i+1)
			}
			v.add(Issue{Category: CategoryPhases, Message: fmt.Sprintf("phase %s has no tasks", name)})
			continue
		}
		ok++
	}
	v.proportional(CategoryPhases, ok, len(v.plan.Phases))
}
