// Package aggregate merges per-slot deliverable reports into one
// workorder-level report.
package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"workorder/internal/domain"
)

var validate = validator.New()

// ValidateReport checks a single report's field constraints.
func ValidateReport(r domain.DeliverableReport) error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return domain.Errorf(domain.KindInvalidInput, map[string]any{"slot": r.SlotID}, "invalid report: %v", err)
	}
	msgs := make([]string, 0, len(verrs))
	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value: %v)", e.StructNamespace(), e.Tag(), e.Value()))
		fields = append(fields, e.Field())
	}
	return domain.Errorf(domain.KindInvalidInput, map[string]any{
		"slot":   r.SlotID,
		"fields": fields,
	}, "invalid report: %s", strings.Join(msgs, "; "))
}

// Aggregate requires exactly one report per manifest slot. Duplicate slots are
// reported before missing ones, and every offending slot is listed. Sums and
// the task union do not depend on report order.
func Aggregate(m domain.Manifest, p domain.Plan, reports []domain.DeliverableReport) (domain.AggregatedReport, error) {
	expected := map[int]bool{}
	for _, s := range m.Slots {
		expected[s.SlotID] = true
	}
	counts := map[int]int{}
	var unknown []int
	for _, r := range reports {
		if err := ValidateReport(r); err != nil {
			return domain.AggregatedReport{}, err
		}
		if !expected[r.SlotID] {
			unknown = append(unknown, r.SlotID)
			continue
		}
		counts[r.SlotID]++
	}
	if len(unknown) > 0 {
		sort.Ints(unknown)
		return domain.AggregatedReport{}, domain.Errorf(domain.KindInvalidInput, map[string]any{
			"slots":      unknown,
			"slot_count": m.SlotCount,
		}, "reports for slots %v are not part of the manifest", unknown)
	}

	var dups, missing []int
	for _, s := range m.Slots {
		switch n := counts[s.SlotID]; {
		case n > 1:
			dups = append(dups, s.SlotID)
		case n == 0:
			missing = append(missing, s.SlotID)
		}
	}
	sort.Ints(dups)
	sort.Ints(missing)
	if len(dups) > 0 {
		return domain.AggregatedReport{}, domain.Errorf(domain.KindDuplicateSlotReport, map[string]any{"slots": dups}, "more than one report for slots %v", dups)
	}
	if len(missing) > 0 {
		return domain.AggregatedReport{}, domain.Errorf(domain.KindMissingSlotReport, map[string]any{
			"slots":    missing,
			"expected": len(m.Slots),
			"received": len(reports),
		}, "no report for slots %v", missing)
	}

	sorted := append([]domain.DeliverableReport(nil), reports...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SlotID < sorted[j].SlotID })

	out := domain.AggregatedReport{
		WorkorderID: m.WorkorderID,
		Slots:       make([]int, 0, len(sorted)),
		Reports:     sorted,
	}
	done := map[string]struct{}{}
	for _, r := range sorted {
		out.Slots = append(out.Slots, r.SlotID)
		out.LinesAdded += r.LinesAdded
		out.LinesRemoved += r.LinesRemoved
		out.Commits += r.Commits
		out.ElapsedSeconds += r.ElapsedSeconds
		for _, id := range r.CompletedTaskIDs {
			if id = strings.TrimSpace(id); id != "" {
				done[id] = struct{}{}
			}
		}
	}
	out.CompletedTaskIDs = domain.SortedKeys(done)

	planned := map[string]struct{}{}
	for _, id := range p.TaskIDs() {
		planned[id] = struct{}{}
	}
	out.MissingTaskIDs = []string{}
	for _, id := range domain.SortedKeys(planned) {
		if _, ok := done[id]; !ok {
			out.MissingTaskIDs = append(out.MissingTaskIDs, id)
		}
	}
	for _, id := range out.CompletedTaskIDs {
		if _, ok := planned[id]; !ok {
			out.UnknownTaskIDs = append(out.UnknownTaskIDs, id)
		}
	}
	out.Complete = len(out.MissingTaskIDs) == 0 && len(out.UnknownTaskIDs) == 0
	return out, nil
}
