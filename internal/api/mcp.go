package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/mediarelay/internal/scheduler"
	"github.com/kalambet/mediarelay/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Scheduler Scheduler // optional; if nil, check_profile returns an error
	Version   string
}

// NewMCPServer creates an MCP server exposing operator tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"mediarelay",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("mediarelay polls tracked profiles for new media and relays it to webhooks."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_profiles",
			mcp.WithDescription("List tracked profiles with their schedule, flags and watermarks."),
			mcp.WithBoolean("active_only", mcp.Description("Only return active profiles")),
		),
		mcpListProfiles(deps),
	)

	s.AddTool(
		mcp.NewTool("check_profile",
			mcp.WithDescription("Start an immediate fetch-and-dispatch run for a profile."),
			mcp.WithString("profile_id", mcp.Description("Profile id"), mcp.Required()),
		),
		mcpCheckProfile(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_logs",
			mcp.WithDescription("Return the most recent system log entries, newest first."),
			mcp.WithString("level", mcp.Description("Filter by level: info, warning or error")),
			mcp.WithString("profile_id", mcp.Description("Filter by profile id")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 20)")),
		),
		mcpRecentLogs(deps),
	)

	s.AddTool(
		mcp.NewTool("stats",
			mcp.WithDescription("Summary counts: profiles, ingested posts and stories, errors, last check."),
		),
		mcpStats(deps),
	)

	return s
}

func mcpListProfiles(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		profiles, err := deps.Store.ListProfiles(ctx, req.GetBool("active_only", false))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list profiles: %v", err)), nil
		}
		out := make([]ProfileView, 0, len(profiles))
		for _, p := range profiles {
			out = append(out, profileView(p))
		}
		return mcpJSON(out)
	}
}

func mcpCheckProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("profile_id")
		if err != nil {
			return mcpError("profile_id is required"), nil
		}
		if deps.Scheduler == nil {
			return mcpError("scheduler not running"), nil
		}

		p, err := deps.Store.GetProfile(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("profile %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load profile: %v", err)), nil
		}
		if !p.Active {
			return mcpError(fmt.Sprintf("profile %s is not active", p.Username)), nil
		}

		switch err := deps.Scheduler.Trigger(p.ID); {
		case errors.Is(err, scheduler.ErrBusy):
			return mcpError(fmt.Sprintf("a check for %s is already running", p.Username)), nil
		case err != nil:
			return mcpError(fmt.Sprintf("failed to start check: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Started check for %s", p.Username)), nil
	}
}

func mcpRecentLogs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		logs, err := deps.Store.ListLogs(ctx, storage.LogFilter{
			Level:     req.GetString("level", ""),
			ProfileID: req.GetString("profile_id", ""),
			Limit:     limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list logs: %v", err)), nil
		}
		if len(logs) == 0 {
			return mcpText("[]"), nil
		}

		out := make([]LogView, 0, len(logs))
		for _, e := range logs {
			out = append(out, logView(e))
		}
		return mcpJSON(out)
	}
}

func mcpStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s, err := deps.Store.Stats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to compute stats: %v", err)), nil
		}
		return mcpJSON(StatsView{
			TotalProfiles:  s.TotalProfiles,
			ActiveProfiles: s.ActiveProfiles,
			TotalPosts:     s.TotalPosts,
			TotalStories:   s.TotalStories,
			TotalErrors:    s.TotalErrors,
			LastCheck:      s.LastCheck,
		})
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
