package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"workorder/internal/engine"
	"workorder/internal/ledger"
)

// LedgerTool handles the wo_ledger MCP tool.
type LedgerTool struct {
	engine engine.Engine
}

func NewLedgerTool(e engine.Engine) *LedgerTool {
	return &LedgerTool{engine: e}
}

func (t *LedgerTool) Definition() mcp.Tool {
	return mcp.NewTool("wo_ledger",
		mcp.WithDescription("Read the most recent audit ledger entries."),
		mcp.WithString("workorder_id",
			mcp.Description("Workorder id or glob, e.g. WO-AUTH-*"),
		),
		mcp.WithString("event",
			mcp.Description("Event name or glob, e.g. slot.*"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max entries (default: 20)"),
		),
	)
}

func (t *LedgerTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := intArg(req, "limit", 20)
	if limit < 1 {
		limit = 20
	}
	q := ledger.Query{
		IDPattern: strings.TrimSpace(req.GetString("workorder_id", "")),
		Event:     strings.TrimSpace(req.GetString("event", "")),
		Limit:     limit,
	}
	if t.engine.Config != nil {
		q.Project = t.engine.Config.Project.ID
	}
	entries, err := t.engine.QueryLog(ctx, q)
	if err != nil {
		return errorResult(err), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("No ledger entries match."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Ledger (%d entries)\n\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&sb, "- %s `%s` %s", e.Timestamp, e.WorkorderID, e.Event)
		if e.Detail != "" {
			fmt.Fprintf(&sb, ": %s", e.Detail)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}
