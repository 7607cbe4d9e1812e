package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	daemonmodel "github.com/linnix-io/linnix-core/internal/model"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// StatusProvider is the read-only surface internal/core.Facade exposes
// to the daemon-facing MCP tools (§4.7 "expose status endpoint
// internally for C6/§6 consumers"). A narrow interface here, rather
// than importing internal/core directly, keeps this package free of a
// core->mcp->core import cycle.
type StatusProvider interface {
	Health() daemonmodel.Health
	Snapshot() *daemonmodel.Snapshot
	RecentActions(limit int) []daemonmodel.ActionRecord
}

// NewDaemonServer creates the stdio MCP server Linnix exposes alongside
// the continuous daemon: get_status, get_snapshot, and
// list_recent_actions, all backed by the live Facade instead of a
// fresh collector run per call — built with `server.NewMCPServer` +
// `mcp.NewTool` + `s.AddTool`, pointed at the always-on pipeline's
// state instead of a one-shot report.
func NewDaemonServer(name, version string, provider StatusProvider) *Server {
	s := server.NewMCPServer(name, version, server.WithLogging())
	registerDaemonTools(s, provider)
	return &Server{mcpServer: s}
}

func registerDaemonTools(s *server.MCPServer, provider StatusProvider) {
	statusTool := mcp.NewTool("get_status",
		mcp.WithDescription("Current daemon health: probe attach state, dropped_events_total, rule_errors_total, uptime_secs."),
	)
	s.AddTool(statusTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		data, err := json.MarshalIndent(provider.Health(), "", "  ")
		if err != nil {
			return errResult(fmt.Sprintf("marshal health: %v", err)), nil
		}
		return newTextResult(string(data)), nil
	})

	snapshotTool := mcp.NewTool("get_snapshot",
		mcp.WithDescription("Point-in-time view of every tracked process: pid, comm, state, CPU/RSS windows, fork/exec rates."),
	)
	s.AddTool(snapshotTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snap := provider.Snapshot()
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return errResult(fmt.Sprintf("marshal snapshot: %v", err)), nil
		}
		return newTextResult(string(data)), nil
	})

	actionsTool := mcp.NewTool("list_recent_actions",
		mcp.WithDescription("Most recent enforcement decisions from the bounded ActionRecord ring."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of most recent records to return, oldest first"),
			mcp.DefaultNumber(50),
		),
	)
	s.AddTool(actionsTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := 50
		if v, ok := getArgs(req)["limit"].(float64); ok && v > 0 {
			limit = int(v)
		}
		data, err := json.MarshalIndent(provider.RecentActions(limit), "", "  ")
		if err != nil {
			return errResult(fmt.Sprintf("marshal actions: %v", err)), nil
		}
		return newTextResult(string(data)), nil
	})
}
