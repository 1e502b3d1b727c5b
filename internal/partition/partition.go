// Package partition splits a plan's tasks across agent slots and derives the
// per-slot file scopes of the communication manifest.
package partition

import (
	"sort"

	"workorder/internal/domain"
	"workorder/internal/plan"
)

const DefaultMaxSlots = 10

type Options struct {
	MaxSlots int
}

// Partition assigns every task of p to exactly one slot. Tasks are taken tier
// by tier in dependency order. A task whose files are already owned by one slot
// joins that slot; a task touching files owned by two different slots cannot be
// placed and fails with UnresolvableFileOverlap; any other task goes to the next
// slot in round-robin order. Slots left empty are dropped and the remaining ones
// renumbered from 1.
func Partition(p domain.Plan, slotCount int, opts Options) (domain.Manifest, error) {
	maxSlots := opts.MaxSlots
	if maxSlots <= 0 {
		maxSlots = DefaultMaxSlots
	}
	if slotCount < 1 || slotCount > maxSlots {
		return domain.Manifest{}, domain.Errorf(domain.KindInvalidInput, map[string]any{
			"slot_count": slotCount,
			"max_slots":  maxSlots,
		}, "slot count %d outside 1..%d", slotCount, maxSlots)
	}
	tasks := p.Tasks()
	if len(tasks) == 0 {
		return domain.Manifest{}, domain.Errorf(domain.KindInvalidInput, map[string]any{"workorder_id": p.WorkorderID}, "plan has no tasks to partition")
	}
	tiers, err := plan.TopoTiers(tasks)
	if err != nil {
		return domain.Manifest{}, err
	}

	var (
		slotOf    = map[string]int{}
		fileOwner = map[string]int{}
		fileTask  = map[string]string{}
		assigned  = make([][]domain.Task, slotCount+1)
		rr        = 1
	)
	for _, tier := range tiers {
		for _, t := range tier {
			files := normalizedTouches(t)
			owners := map[int]string{}
			for _, f := range files {
				if s, ok := fileOwner[f]; ok {
					if _, seen := owners[s]; !seen {
						owners[s] = f
					}
				}
			}
			var slot int
			switch len(owners) {
			case 0:
				slot = rr
				rr = rr%slotCount + 1
			case 1:
				for s := range owners {
					slot = s
				}
			default:
				return domain.Manifest{}, overlapError(t, owners, fileTask)
			}
			slotOf[t.TaskID] = slot
			assigned[slot] = append(assigned[slot], t)
			for _, f := range files {
				if _, ok := fileOwner[f]; !ok {
					fileOwner[f] = slot
					fileTask[f] = t.TaskID
				}
			}
		}
	}

	// Renumber non-empty slots densely.
	renumber := map[int]int{}
	next := 1
	for s := 1; s <= slotCount; s++ {
		if len(assigned[s]) > 0 {
			renumber[s] = next
			next++
		}
	}

	universe := p.FileUniverse()
	m := domain.Manifest{
		WorkorderID:    p.WorkorderID,
		SlotCount:      len(renumber),
		ExecutionOrder: plan.ExecutionOrder(tiers),
		FileUniverse:   universe,
	}
	for s := 1; s <= slotCount; s++ {
		if len(assigned[s]) == 0 {
			continue
		}
		id := renumber[s]
		sa := domain.SlotAssignment{SlotID: id, TaskIDs: []string{}}
		allowed := map[string]struct{}{}
		for _, t := range assigned[s] {
			sa.TaskIDs = append(sa.TaskIDs, t.TaskID)
			for _, f := range normalizedTouches(t) {
				allowed[f] = struct{}{}
			}
			for _, dep := range dedupe(t.DependsOn) {
				if other := slotOf[dep]; other != s {
					sa.WaitsOn = append(sa.WaitsOn, domain.CrossSlotDep{TaskID: t.TaskID, DependsOn: dep, SlotID: renumber[other]})
				}
			}
		}
		sa.AllowedFiles = domain.SortedKeys(allowed)
		sa.ForbiddenFiles = []string{}
		for _, f := range universe {
			if _, ok := allowed[f]; !ok {
				sa.ForbiddenFiles = append(sa.ForbiddenFiles, f)
			}
		}
		m.Slots = append(m.Slots, sa)
	}
	return m, nil
}

func overlapError(t domain.Task, owners map[int]string, fileTask map[string]string) error {
	slots := make([]int, 0, len(owners))
	for s := range owners {
		slots = append(slots, s)
	}
	sort.Ints(slots)
	files := make([]string, 0, len(slots))
	tasks := []string{t.TaskID}
	for _, s := range slots {
		files = append(files, owners[s])
		tasks = append(tasks, fileTask[owners[s]])
	}
	return domain.Errorf(domain.KindUnresolvableFileOverlap, map[string]any{
		"task_id":  t.TaskID,
		"files":    files,
		"task_ids": tasks,
		"slots":    slots,
	}, "task %s touches files already owned by slots %v; split the task or re-plan", t.TaskID, slots)
}

func normalizedTouches(t domain.Task) []string {
	set := map[string]struct{}{}
	for _, f := range t.Touches {
		if n := domain.NormalizePath(f); n != "" {
			set[n] = struct{}{}
		}
	}
	return domain.SortedKeys(set)
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
