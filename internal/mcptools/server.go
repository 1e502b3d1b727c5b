package mcptools

import (
	"github.com/mark3labs/mcp-go/server"

	"workorder/internal/engine"
	"workorder/internal/vcs"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewServer registers every workorder tool on a new MCP server. git may be nil
// to use the git binary.
func NewServer(e engine.Engine, workspace string, git vcs.Commander) *server.MCPServer {
	s := server.NewMCPServer(
		"workorder",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	statusTool := NewStatusTool(e)
	s.AddTool(statusTool.Definition(), statusTool.Handle)

	slotTool := NewSlotAssignmentTool(e)
	s.AddTool(slotTool.Definition(), slotTool.Handle)

	verifyTool := NewVerifyTool(e, workspace, git)
	s.AddTool(verifyTool.Definition(), verifyTool.Handle)

	reportTool := NewReportTool(e, workspace, git)
	s.AddTool(reportTool.Definition(), reportTool.Handle)

	ledgerTool := NewLedgerTool(e)
	s.AddTool(ledgerTool.Definition(), ledgerTool.Handle)

	return s
}

const instructions = `You are one agent slot of a partitioned workorder.
1. Call wo_slot_assignment to learn your tasks and the files you may change.
2. Only edit allowed files. Wait for the tasks listed under "waits on".
3. Call wo_verify when done; fix any scope violation or unfinished task and verify again.
4. Call wo_report to submit your deliverables.`
