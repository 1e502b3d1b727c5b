package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"workorder/internal/domain"
	"workorder/internal/engine"
	"workorder/internal/vcs"
)

// VerifyTool handles the wo_verify MCP tool.
type VerifyTool struct {
	engine    engine.Engine
	workspace string
	git       vcs.Commander
}

// NewVerifyTool creates a VerifyTool. workspace is the default checkout used
// when the call asks for git-derived changes; git may be nil for the real
// git binary.
func NewVerifyTool(e engine.Engine, workspace string, git vcs.Commander) *VerifyTool {
	if git == nil {
		git = vcs.ShellCommander{}
	}
	return &VerifyTool{engine: e, workspace: workspace, git: git}
}

func (t *VerifyTool) Definition() mcp.Tool {
	return mcp.NewTool("wo_verify",
		mcp.WithDescription(
			"Check that a slot only changed its allowed files and completed all of its tasks. "+
				"Pass changed_files explicitly, or git_base to derive them from the checkout.",
		),
		mcp.WithString("workorder_id",
			mcp.Required(),
			mcp.Description("Workorder id"),
		),
		mcp.WithNumber("slot_id",
			mcp.Required(),
			mcp.Description("Slot number, starting at 1"),
		),
		mcp.WithString("changed_files",
			mcp.Description("Comma or newline separated repository-relative paths the agent changed"),
		),
		mcp.WithString("completed_task_ids",
			mcp.Description("Comma separated ids of the tasks the agent finished"),
		),
		mcp.WithString("git_base",
			mcp.Description("Base revision; when set, changed files are read from git instead of changed_files"),
		),
		mcp.WithString("repo_dir",
			mcp.Description("Checkout to inspect with git_base (default: the workspace)"),
		),
	)
}

func (t *VerifyTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("workorder_id", ""))
	slot := intArg(req, "slot_id", 0)
	if id == "" || slot < 1 {
		return mcp.NewToolResultError("'workorder_id' and a positive 'slot_id' are required"), nil
	}
	changed := listArg(req, "changed_files")
	if base := strings.TrimSpace(req.GetString("git_base", "")); base != "" {
		dir := req.GetString("repo_dir", t.workspace)
		diff := &vcs.GitDiff{Dir: dir, Base: base, Commander: t.git}
		files, err := diff.ChangedFiles(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read changes from git: %v", err)), nil
		}
		changed = files
	}
	out, err := t.engine.Verify(ctx, engine.VerifyInput{
		WorkorderID:      id,
		SlotID:           slot,
		ChangedFiles:     changed,
		CompletedTaskIDs: listArg(req, "completed_task_ids"),
	})
	if err != nil {
		return errorResult(err), nil
	}

	res := out.Result
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Slot %d: %s\n\n", res.SlotID, res.Status)
	fmt.Fprintf(&sb, "- **Attempt**: %d", res.Attempt)
	if out.Reused {
		sb.WriteString(" (same inputs as the previous attempt; nothing recorded)")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "- **Workorder status**: %s\n", out.Workorder.Status)
	bulletList(&sb, "Files outside this slot", res.ViolatingFiles)
	bulletList(&sb, "Unfinished tasks", res.UnfinishedTasks)
	bulletList(&sb, "Tasks not assigned to this slot", res.UnexpectedTasks)
	switch res.Status {
	case domain.VerificationScopeViolation:
		sb.WriteString("\nRevert the changes to the files above, then verify again.\n")
	case domain.VerificationIncomplete:
		sb.WriteString("\nFinish the tasks above, then verify again.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}
