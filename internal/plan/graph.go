package plan

import (
	"strings"

	"workorder/internal/domain"
)

// TopoTiers groups tasks into dependency tiers: tier 0 has no dependencies and
// every task of tier n depends only on tasks of tiers < n. Declared order is
// kept inside a tier. Duplicate ids, unknown references, self references and
// cycles fail with ValidationFailure.
func TopoTiers(tasks []domain.Task) ([][]domain.Task, error) {
	byID := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		if _, dup := byID[t.TaskID]; dup {
			return nil, domain.Errorf(domain.KindValidationFailure, map[string]any{"task_id": t.TaskID}, "duplicate task_id %s", t.TaskID)
		}
		byID[t.TaskID] = t
	}
	indegree := make(map[string]int, len(tasks))
	dependents := map[string][]string{}
	for _, t := range tasks {
		seen := map[string]bool{}
		for _, dep := range t.DependsOn {
			if dep == t.TaskID {
				return nil, domain.Errorf(domain.KindValidationFailure, map[string]any{"task_id": t.TaskID}, "task %s depends on itself", t.TaskID)
			}
			if _, ok := byID[dep]; !ok {
				return nil, domain.Errorf(domain.KindValidationFailure, map[string]any{"task_id": t.TaskID, "depends_on": dep}, "task %s depends on unknown task %s", t.TaskID, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			indegree[t.TaskID]++
			dependents[dep] = append(dependents[dep], t.TaskID)
		}
	}

	var tiers [][]domain.Task
	placed := 0
	var current []domain.Task
	for _, t := range tasks {
		if indegree[t.TaskID] == 0 {
			current = append(current, t)
		}
	}
	order := make(map[string]int, len(tasks))
	for i, t := range tasks {
		order[t.TaskID] = i
	}
	for len(current) > 0 {
		tiers = append(tiers, current)
		placed += len(current)
		ready := map[string]bool{}
		for _, t := range current {
			for _, d := range dependents[t.TaskID] {
				indegree[d]--
				if indegree[d] == 0 {
					ready[d] = true
				}
			}
		}
		var next []domain.Task
		for _, t := range tasks {
			if ready[t.TaskID] {
				next = append(next, t)
			}
		}
		current = next
	}
	if placed != len(tasks) {
		cycle := findCycle(byID, tasks)
		return nil, domain.Errorf(domain.KindValidationFailure, map[string]any{
			"task_id": cycle[0],
			"cycle":   strings.Join(cycle, " -> "),
		}, "dependency cycle detected: %s", strings.Join(cycle, " -> "))
	}
	return tiers, nil
}

// ExecutionOrder flattens tiers into a global order.
func ExecutionOrder(tiers [][]domain.Task) []string {
	var out []string
	for _, tier := range tiers {
		for _, t := range tier {
			out = append(out, t.TaskID)
		}
	}
	return out
}

// findCycle returns one dependency cycle as a closed path (first id repeated
// at the end).
func findCycle(byID map[string]domain.Task, tasks []domain.Task) []string {
	visiting := map[string]bool{}
	visited := map[string]bool{}
	var stack []string
	var found []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		if visited[id] {
			return false
		}
		if visiting[id] {
			for i, s := range stack {
				if s == id {
					found = append(append([]string{}, stack[i:]...), id)
					return true
				}
			}
		}
		visiting[id] = true
		stack = append(stack, id)
		for _, dep := range byID[id].DependsOn {
			if dfs(dep) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		visiting[id] = false
		visited[id] = true
		return false
	}
	for _, t := range tasks {
		if dfs(t.TaskID) {
			return found
		}
	}
	return []string{tasks[0].TaskID}
}
