package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"workorder/internal/engine"
)

// StatusTool handles the wo_status MCP tool.
type StatusTool struct {
	engine engine.Engine
}

func NewStatusTool(e engine.Engine) *StatusTool {
	return &StatusTool{engine: e}
}

func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("wo_status",
		mcp.WithDescription(
			"Show a workorder's lifecycle state, each slot's latest verification and the aggregated deliverables.",
		),
		mcp.WithString("workorder_id",
			mcp.Required(),
			mcp.Description("Workorder id, e.g. WO-AUTH-FEATURE-001"),
		),
	)
}

func (t *StatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("workorder_id", ""))
	if id == "" {
		return mcp.NewToolResultError("'workorder_id' is required"), nil
	}
	st, err := t.engine.Status(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}

	var sb strings.Builder
	w := st.Workorder
	fmt.Fprintf(&sb, "## %s\n\n", w.ID)
	fmt.Fprintf(&sb, "- **Feature**: %s\n", w.Feature)
	fmt.Fprintf(&sb, "- **Category**: %s\n", w.Category)
	fmt.Fprintf(&sb, "- **Status**: %s\n", w.Status)
	if w.RemediationRequired {
		sb.WriteString("- **Remediation required**: a slot reported a scope violation after verification\n")
	}
	if len(st.Slots) > 0 {
		sb.WriteString("\n| Slot | Tasks | Attempts | Latest |\n|---|---|---|---|\n")
		for _, s := range st.Slots {
			latest := s.LatestStatus
			if latest == "" {
				latest = "unverified"
			}
			fmt.Fprintf(&sb, "| %d | %s | %d | %s |\n", s.SlotID, strings.Join(s.TaskIDs, ", "), s.Attempts, latest)
		}
	}
	if a := st.Aggregate; a != nil {
		fmt.Fprintf(&sb, "\n**Deliverables**: +%d/-%d lines, %d commits, complete=%t\n", a.LinesAdded, a.LinesRemoved, a.Commits, a.Complete)
		bulletList(&sb, "Missing tasks", a.MissingTaskIDs)
	}
	if a := st.Archive; a != nil {
		fmt.Fprintf(&sb, "\n**Archived** at %s (%s)\n", a.Location, a.ArchivedAt)
	}
	return mcp.NewToolResultText(sb.String()), nil
}
