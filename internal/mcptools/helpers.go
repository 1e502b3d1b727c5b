// Package mcptools exposes workorder operations to coding agents as MCP tools.
//
// Each tool is a struct holding the engine, a Definition() returning the
// mcp.Tool schema and a Handle() that serves the call. Lifecycle errors are
// returned as tool errors so the agent sees the error kind and details.
package mcptools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"workorder/internal/domain"
)

// intArg extracts an integer argument; JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// listArg accepts either a JSON array of strings or a comma or newline
// separated string.
func listArg(req mcp.CallToolRequest, key string) []string {
	var out []string
	switch v := req.GetArguments()[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '\n' }) {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// errorResult renders err for the agent, including the kind and details of
// lifecycle errors.
func errorResult(err error) *mcp.CallToolResult {
	de, ok := domain.AsError(err)
	if !ok {
		return mcp.NewToolResultError(err.Error())
	}
	msg := err.Error()
	if d := de.DetailString(); d != "" {
		msg += " (" + d + ")"
	}
	if de.Retryable() {
		msg += "; retry the call"
	}
	return mcp.NewToolResultError(msg)
}

func jsonBlock(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("(unrenderable: %v)", err)
	}
	return "```json\n" + string(b) + "\n```\n"
}

func bulletList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n**%s** (%d):\n", title, len(items))
	for _, it := range items {
		fmt.Fprintf(sb, "- `%s`\n", it)
	}
}
