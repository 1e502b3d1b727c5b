package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"workorder/internal/domain"
	"workorder/internal/engine"
)

// SlotAssignmentTool handles the wo_slot_assignment MCP tool. An agent calls
// it first to learn which tasks it owns and which files it may touch.
type SlotAssignmentTool struct {
	engine engine.Engine
}

func NewSlotAssignmentTool(e engine.Engine) *SlotAssignmentTool {
	return &SlotAssignmentTool{engine: e}
}

func (t *SlotAssignmentTool) Definition() mcp.Tool {
	return mcp.NewTool("wo_slot_assignment",
		mcp.WithDescription(
			"Show the tasks, allowed files and forbidden files of one agent slot. "+
				"Touching a forbidden file is a scope violation.",
		),
		mcp.WithString("workorder_id",
			mcp.Required(),
			mcp.Description("Workorder id"),
		),
		mcp.WithNumber("slot_id",
			mcp.Required(),
			mcp.Description("Slot number, starting at 1"),
		),
	)
}

func (t *SlotAssignmentTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("workorder_id", ""))
	slot := intArg(req, "slot_id", 0)
	if id == "" || slot < 1 {
		return mcp.NewToolResultError("'workorder_id' and a positive 'slot_id' are required"), nil
	}
	m, err := t.engine.Manifest(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	s, ok := m.Slot(slot)
	if !ok {
		return errorResult(domain.Errorf(domain.KindNotFound, map[string]any{"slot_id": slot, "slots": m.SlotCount}, "slot %d not in manifest of %s", slot, id)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s slot %d of %d\n", id, s.SlotID, m.SlotCount)
	bulletList(&sb, "Tasks", s.TaskIDs)
	bulletList(&sb, "Allowed files", s.AllowedFiles)
	bulletList(&sb, "Forbidden files", s.ForbiddenFiles)
	if len(s.WaitsOn) > 0 {
		sb.WriteString("\n**Waits on**:\n")
		for _, d := range s.WaitsOn {
			fmt.Fprintf(&sb, "- `%s` needs `%s` from slot %d\n", d.TaskID, d.DependsOn, d.SlotID)
		}
	}
	sb.WriteString("\n")
	sb.WriteString(jsonBlock(s))
	return mcp.NewToolResultText(sb.String()), nil
}
