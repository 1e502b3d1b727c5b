package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"workorder/internal/engine"
	"workorder/internal/vcs"
)

// ReportTool handles the wo_report MCP tool: it measures a slot's work from
// git and submits the deliverable report.
type ReportTool struct {
	engine    engine.Engine
	workspace string
	git       vcs.Commander
}

func NewReportTool(e engine.Engine, workspace string, git vcs.Commander) *ReportTool {
	if git == nil {
		git = vcs.ShellCommander{}
	}
	return &ReportTool{engine: e, workspace: workspace, git: git}
}

func (t *ReportTool) Definition() mcp.Tool {
	return mcp.NewTool("wo_report",
		mcp.WithDescription(
			"Submit a slot's deliverable report. Lines, commits and elapsed time are measured from git since git_base.",
		),
		mcp.WithString("workorder_id",
			mcp.Required(),
			mcp.Description("Workorder id"),
		),
		mcp.WithNumber("slot_id",
			mcp.Required(),
			mcp.Description("Slot number, starting at 1"),
		),
		mcp.WithString("git_base",
			mcp.Required(),
			mcp.Description("Revision the slot started from"),
		),
		mcp.WithString("completed_task_ids",
			mcp.Description("Comma separated ids of the tasks the agent finished"),
		),
		mcp.WithString("repo_dir",
			mcp.Description("Checkout to measure (default: the workspace)"),
		),
	)
}

func (t *ReportTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("workorder_id", ""))
	slot := intArg(req, "slot_id", 0)
	base := strings.TrimSpace(req.GetString("git_base", ""))
	if id == "" || slot < 1 || base == "" {
		return mcp.NewToolResultError("'workorder_id', a positive 'slot_id' and 'git_base' are required"), nil
	}
	diff := &vcs.GitDiff{Dir: req.GetString("repo_dir", t.workspace), Base: base, Commander: t.git, Now: t.engine.Now}
	r, err := diff.Deliverable(ctx, slot, listArg(req, "completed_task_ids"))
	if err != nil {
		return errorResult(err), nil
	}
	path, err := t.engine.SubmitReport(ctx, id, r)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Report for slot %d stored at %s: +%d/-%d lines, %d commits, %ds elapsed, %d tasks completed.",
		slot, path, r.LinesAdded, r.LinesRemoved, r.Commits, r.ElapsedSeconds, len(r.CompletedTaskIDs),
	)), nil
}
