// Package verify classifies an agent's finished work against its slot scope.
package verify

import (
	"strings"

	"workorder/internal/domain"
)

// Verify compares the files an agent changed and the tasks it reports done
// with the slot's assignment. Classification is by priority: any changed file
// outside allowed_files is a scope violation; otherwise any assigned task not
// reported done makes the slot incomplete; otherwise it is compliant.
// The result depends only on the inputs, and every list in it is sorted and
// free of duplicates.
func Verify(m domain.Manifest, slotID int, changedFiles, completedTaskIDs []string) (domain.VerificationResult, error) {
	slot, ok := m.Slot(slotID)
	if !ok {
		return domain.VerificationResult{}, domain.Errorf(domain.KindNotFound, map[string]any{
			"workorder_id": m.WorkorderID,
			"slot":         slotID,
			"slot_count":   m.SlotCount,
		}, "slot %d is not part of the manifest", slotID)
	}

	allowed := toSet(slot.AllowedFiles, domain.NormalizePath)
	assigned := toSet(slot.TaskIDs, strings.TrimSpace)
	changed := toSet(changedFiles, domain.NormalizePath)
	completed := toSet(completedTaskIDs, strings.TrimSpace)

	res := domain.VerificationResult{
		WorkorderID:      m.WorkorderID,
		SlotID:           slotID,
		ChangedFiles:     domain.SortedKeys(changed),
		CompletedTaskIDs: domain.SortedKeys(completed),
		ViolatingFiles:   []string{},
		UnfinishedTasks:  []string{},
		UnexpectedTasks:  []string{},
	}
	for _, f := range res.ChangedFiles {
		if _, ok := allowed[f]; !ok {
			res.ViolatingFiles = append(res.ViolatingFiles, f)
		}
	}
	for _, id := range domain.SortedKeys(assigned) {
		if _, ok := completed[id]; !ok {
			res.UnfinishedTasks = append(res.UnfinishedTasks, id)
		}
	}
	for _, id := range res.CompletedTaskIDs {
		if _, ok := assigned[id]; !ok {
			res.UnexpectedTasks = append(res.UnexpectedTasks, id)
		}
	}

	switch {
	case len(res.ViolatingFiles) > 0:
		res.Status = domain.VerificationScopeViolation
	case len(res.UnfinishedTasks) > 0:
		res.Status = domain.VerificationIncomplete
	default:
		res.Status = domain.VerificationCompliant
	}
	return res, nil
}

func toSet(in []string, norm func(string) string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, v := range in {
		if v = norm(v); v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}
