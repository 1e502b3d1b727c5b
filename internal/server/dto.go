package server

import (
	"workorder/internal/domain"
	"workorder/internal/engine"
	"workorder/internal/plan"
)

// Request payloads

type CreateWorkorderRequest struct {
	FeatureName string `json:"feature_name" minLength:"1"`
	Category    string `json:"category" minLength:"1"`
}

type PartitionRequest struct {
	Slots int `json:"slots" minimum:"1"`
}

type VerifyRequest struct {
	ChangedFiles     []string `json:"changed_files"`
	CompletedTaskIDs []string `json:"completed_task_ids"`
}

type AggregateRequest struct {
	// Reports overrides the submitted slot reports when present.
	Reports []domain.DeliverableReport `json:"reports,omitempty"`
}

// Response payloads

type WorkorderList struct {
	Items []domain.Workorder `json:"items"`
}

type VerificationList struct {
	Items []domain.VerificationResult `json:"items"`
}

type LedgerList struct {
	Items []domain.LedgerEntry `json:"items"`
}

type ReportAccepted struct {
	WorkorderID string `json:"workorder_id"`
	SlotID      int    `json:"slot_id"`
	Path        string `json:"path"`
}

type ValidationResponse struct {
	WorkorderID string `json:"workorder_id"`
	plan.Report
}

type VerifyResponse = engine.VerifyOutcome

type StatusResponse = engine.StatusReport

type PrincipalResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
